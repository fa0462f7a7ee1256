// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"encoding/json"
	"errors"
	"testing"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

func TestTypeRegistryKnownTypes(t *testing.T) {
	registry := DefaultTypeRegistry()

	for _, nodeType := range []NodeType{TypeBool, TypeString, TypeInt, TypeFloat} {
		plugin, err := registry.Plugin(nodeType)
		if err != nil {
			t.Errorf("Plugin(%s) failed: %v", nodeType, err)
			continue
		}
		if plugin.NewProcessor == nil {
			t.Errorf("Plugin(%s) has no processor factory", nodeType)
		}
	}
}

func TestTypeRegistryUnknownType(t *testing.T) {
	registry := DefaultTypeRegistry()
	_, err := registry.Plugin(NodeType("DECIMAL"))
	if err == nil {
		t.Fatal("expected an error for an unknown type")
	}
	if !errors.Is(err, gerrors.ErrUnimplemented) {
		t.Errorf("error = %v, want ErrUnimplemented", err)
	}
}

func TestProtocolRegistryUnknownProtocol(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NoProtocolPlugin())

	if _, err := registry.Plugin(ProtocolNone); err != nil {
		t.Errorf("Plugin(NONE) failed: %v", err)
	}

	_, err := registry.Plugin(ProtocolModbusRTU)
	if !errors.Is(err, gerrors.ErrUnimplemented) {
		t.Errorf("error = %v, want ErrUnimplemented", err)
	}
}

func TestProtocolRegistryByName(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NoProtocolPlugin())

	if _, err := registry.PluginByName("NONE"); err != nil {
		t.Errorf("PluginByName(NONE) failed: %v", err)
	}
	if _, err := registry.PluginByName("BACNET"); err == nil {
		t.Error("expected an error for an invalid protocol name")
	}
}

func TestNoProtocolNodeFactory(t *testing.T) {
	record := NodeRecord{
		Name:     "power_factor",
		Protocol: ProtocolNone,
		Config: RecordConfig{
			Enabled:       true,
			Publish:       true,
			Calculated:    true,
			Unit:          new(string),
			DecimalPlaces: decimals(2),
			LoggingPeriod: 15,
		},
		Options:    json.RawMessage(`{"type": "FLOAT"}`),
		Attributes: map[string]any{"phase": "Singlephase"},
	}

	node, err := NoProtocolNodeFactory(DefaultTypeRegistry(), record)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if node.Config.Type != TypeFloat {
		t.Errorf("internal type = %s, want FLOAT", node.Config.Type)
	}
	if node.Config.Attributes.Phase != PhaseSinglephase {
		t.Errorf("phase = %s, want Singlephase", node.Config.Attributes.Phase)
	}
}

func TestNoProtocolNodeFactoryMissingPhase(t *testing.T) {
	record := NodeRecord{
		Name:       "power_factor",
		Protocol:   ProtocolNone,
		Config:     RecordConfig{Enabled: true, DecimalPlaces: decimals(2), LoggingPeriod: 15},
		Options:    json.RawMessage(`{"type": "FLOAT"}`),
		Attributes: map[string]any{},
	}
	if _, err := NoProtocolNodeFactory(DefaultTypeRegistry(), record); err == nil {
		t.Error("expected an error for a record without a phase attribute")
	}
}

// Persist, load and persist again must yield an equal record.
func TestRecordRoundTrip(t *testing.T) {
	cfg := namedCounter("active_energy", "kWh", CounterCumulative, false)
	cfg.Logging = true
	cfg.LoggingPeriod = 15

	node, err := NewNode(DefaultTypeRegistry(), cfg, NoProtocolOptions{Type: TypeFloat})
	if err != nil {
		t.Fatalf("failed to build node: %v", err)
	}

	record := node.Record()
	restored, err := NodeConfigFromRecord(NodeRecord{
		Name:       record.Name,
		Protocol:   record.Protocol,
		Config:     record.Config,
		Attributes: map[string]any{"phase": "General"},
	}, TypeFloat)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if restored.Name != cfg.Name || restored.Unit != cfg.Unit ||
		restored.IsCounter != cfg.IsCounter || restored.CounterMode != cfg.CounterMode ||
		restored.Logging != cfg.Logging || restored.LoggingPeriod != cfg.LoggingPeriod {
		t.Errorf("restored config differs: %+v vs %+v", restored, cfg)
	}

	again := BaseRecordConfig(restored)
	first := record.Config
	if *again.Unit != *first.Unit || again.IsCounter != first.IsCounter ||
		*again.CounterMode != *first.CounterMode || again.LoggingPeriod != first.LoggingPeriod {
		t.Error("second persist differs from the first")
	}
}

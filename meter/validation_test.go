// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"strings"
	"testing"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

func validateNodes(t *testing.T, meterType MeterType, options MeterOptions, configs ...*NodeConfig) error {
	t.Helper()
	types := DefaultTypeRegistry()

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		node, err := NewNode(types, cfg, NoProtocolOptions{Type: cfg.Type})
		if err != nil {
			t.Fatalf("failed to build node %q: %v", cfg.Name, err)
		}
		nodes = append(nodes, node)
	}
	return NewMeterNodes(meterType, options, nodes).Validate()
}

func TestValidateUnknownNodeName(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{}, namedFloat("vlotage", "V"))
	if err == nil {
		t.Fatal("expected an error for an unknown node name")
	}
	if !gerrors.IsValidationError(err) {
		t.Errorf("error type = %T, want ValidationError", err)
	}
}

func TestValidateCustomNodeBypassesVocabulary(t *testing.T) {
	cfg := namedFloat("water_flow_rate", "")
	cfg.Custom = true
	if err := validateNodes(t, SinglePhase, MeterOptions{}, cfg); err != nil {
		t.Errorf("custom nodes must bypass the vocabulary, got: %v", err)
	}
}

func TestValidateInvalidUnit(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{}, namedFloat("voltage", "kV"))
	if err == nil {
		t.Fatal("expected an error for an invalid unit")
	}
	if !strings.Contains(err.Error(), "unit") {
		t.Errorf("error %q should mention the unit", err)
	}
}

func TestValidateEnergyNodeMustBeCounter(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{}, namedFloat("active_energy", "kWh"))
	if err == nil {
		t.Fatal("expected an error for a non-counter energy node")
	}
}

func TestValidateCalculatedDirectionalEnergyRejected(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{},
		namedCounter("forward_active_energy", "kWh", CounterDirect, true),
	)
	if err == nil {
		t.Fatal("expected an error for a calculated forward energy node")
	}
	if !strings.Contains(err.Error(), "calculated") {
		t.Errorf("error %q should mention the calculated restriction", err)
	}
}

func TestValidateCumulativeEnergyNeedsForwardReverse(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{},
		namedCounter("active_energy", "kWh", CounterCumulative, true),
	)
	if err == nil {
		t.Fatal("expected an error for missing forward/reverse dependencies")
	}

	err = validateNodes(t, SinglePhase, MeterOptions{},
		namedCounter("active_energy", "kWh", CounterCumulative, true),
		namedCounter("forward_active_energy", "kWh", CounterDirect, false),
		namedCounter("reverse_active_energy", "kWh", CounterDirect, false),
	)
	if err != nil {
		t.Errorf("expected valid configuration, got: %v", err)
	}
}

func TestValidateDeltaEnergyNeedsPower(t *testing.T) {
	err := validateNodes(t, SinglePhase, MeterOptions{},
		namedCounter("active_energy", "kWh", CounterDelta, true),
	)
	if err == nil {
		t.Fatal("expected an error for a DELTA energy node without its power node")
	}

	err = validateNodes(t, SinglePhase, MeterOptions{},
		namedCounter("active_energy", "kWh", CounterDelta, true),
		namedFloat("active_power", "kW"),
	)
	if err != nil {
		t.Errorf("expected valid configuration, got: %v", err)
	}
}

func TestValidateCalculatedPowerInputs(t *testing.T) {
	// Apparent power with neither (V, I) nor (P, Q).
	err := validateNodes(t, SinglePhase, MeterOptions{},
		withCalculated(namedFloat("apparent_power", "VA")),
	)
	if err == nil {
		t.Fatal("expected an error for an apparent power node without inputs")
	}

	// (V, I) suffices for apparent power.
	err = validateNodes(t, SinglePhase, MeterOptions{},
		withCalculated(namedFloat("apparent_power", "VA")),
		namedFloat("voltage", "V"),
		namedFloat("current", "A"),
	)
	if err != nil {
		t.Errorf("expected valid configuration, got: %v", err)
	}

	// Active power needs PF alongside V and I.
	err = validateNodes(t, SinglePhase, MeterOptions{},
		withCalculated(namedFloat("active_power", "W")),
		namedFloat("voltage", "V"),
		namedFloat("current", "A"),
	)
	if err == nil {
		t.Fatal("expected an error for active power without a power factor node")
	}
}

func TestValidateTotalPowerNeedsAllPhases(t *testing.T) {
	err := validateNodes(t, ThreePhase, MeterOptions{},
		withCalculated(namedFloat("total_active_power", "kW")),
		namedFloat("l1_active_power", "kW"),
		namedFloat("l2_active_power", "kW"),
	)
	if err == nil {
		t.Fatal("expected an error for a missing phase power node")
	}
	if !strings.Contains(err.Error(), "l3_active_power") {
		t.Errorf("error %q should name the missing node", err)
	}
}

func TestValidatePFDirectionDependencies(t *testing.T) {
	pfDir := &NodeConfig{
		Name:       "power_factor_direction",
		Type:       TypeString,
		Protocol:   ProtocolNone,
		Enabled:    true,
		Calculated: true,
		Attributes: NodeAttributes{Phase: PhaseSinglephase},
	}

	// negative_reactive_power requires a reactive power node.
	err := validateNodes(t, SinglePhase, MeterOptions{NegativeReactivePower: true}, pfDir)
	if err == nil {
		t.Fatal("expected an error for pf direction without reactive power")
	}

	// Without either option the node is valid and resolves to UNKNOWN.
	if err := validateNodes(t, SinglePhase, MeterOptions{}, pfDir); err != nil {
		t.Errorf("expected valid configuration, got: %v", err)
	}
}

func TestValidateLoggingPeriodMismatch(t *testing.T) {
	l1 := namedFloat("l1_voltage", "V")
	l1.Logging = true
	l1.LoggingPeriod = 1
	l2 := namedFloat("l2_voltage", "V")
	l2.Logging = true
	l2.LoggingPeriod = 5

	err := validateNodes(t, ThreePhase, MeterOptions{}, l1, l2)
	if err == nil {
		t.Fatal("expected a logging-period mismatch error")
	}
	if !strings.Contains(err.Error(), "l1_voltage") || !strings.Contains(err.Error(), "l2_voltage") {
		t.Errorf("error %q should name both mismatching nodes", err)
	}
}

func TestValidateLoggingPeriodsIndependentAcrossCategories(t *testing.T) {
	voltage := namedFloat("l1_voltage", "V")
	voltage.Logging = true
	voltage.LoggingPeriod = 1
	energy := namedCounter("l1_forward_active_energy", "kWh", CounterDirect, false)
	energy.Logging = true
	energy.LoggingPeriod = 15

	if err := validateNodes(t, ThreePhase, MeterOptions{}, voltage, energy); err != nil {
		t.Errorf("different categories may log at different periods, got: %v", err)
	}
}

func TestValidateResolvesDerivedKind(t *testing.T) {
	types := DefaultTypeRegistry()
	pf := withCalculated(namedFloat("power_factor", ""))
	nodes := []*NodeConfig{
		pf,
		namedFloat("active_power", "W"),
		namedFloat("reactive_power", "VAr"),
	}

	built := make([]*Node, 0, len(nodes))
	for _, cfg := range nodes {
		node, err := NewNode(types, cfg, NoProtocolOptions{Type: cfg.Type})
		if err != nil {
			t.Fatalf("failed to build node: %v", err)
		}
		built = append(built, node)
	}

	meterNodes := NewMeterNodes(SinglePhase, MeterOptions{}, built)
	if err := meterNodes.Validate(); err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if got := meterNodes.Get("power_factor").Derived; got != DerivedPowerFactor {
		t.Errorf("derived kind = %v, want DerivedPowerFactor", got)
	}
	if got := meterNodes.Get("active_power").Derived; got != DerivedNone {
		t.Errorf("read node derived kind = %v, want DerivedNone", got)
	}
}

func TestNodeConfigInvariants(t *testing.T) {
	// Alarms on counters are rejected.
	cfg := counterConfig("active_energy", CounterDirect)
	cfg.MinAlarm = true
	cfg.MinAlarmValue = floatPtr(0)
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for alarms on a counter node")
	}

	// Units on BOOL nodes are rejected.
	boolCfg := &NodeConfig{
		Name:       "breaker_closed",
		Type:       TypeBool,
		Protocol:   ProtocolNone,
		Enabled:    true,
		Custom:     true,
		Unit:       "V",
		Attributes: NodeAttributes{Phase: PhaseGeneral},
	}
	if err := boolCfg.Validate(); err == nil {
		t.Error("expected an error for a unit on a BOOL node")
	}

	// Alarm enabled without threshold is rejected.
	alarmCfg := floatConfig("voltage")
	alarmCfg.MaxAlarm = true
	if err := alarmCfg.Validate(); err == nil {
		t.Error("expected an error for an enabled alarm without threshold")
	}

	// FLOAT without decimal places is rejected.
	noDecimals := floatConfig("voltage")
	noDecimals.DecimalPlaces = nil
	if err := noDecimals.Validate(); err == nil {
		t.Error("expected an error for FLOAT without decimal places")
	}

	// Logging requires a positive period.
	logCfg := floatConfig("voltage")
	logCfg.Logging = true
	logCfg.LoggingPeriod = 0
	if err := logCfg.Validate(); err == nil {
		t.Error("expected an error for logging without a positive period")
	}
}

func TestStripPhaseAndPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		base   string
	}{
		{"l1_voltage", "l1_", "voltage"},
		{"total_active_energy", "total_", "active_energy"},
		{"l1_l2_voltage", "l1_l2_", "voltage"},
		{"voltage", "", "voltage"},
		{"forward_active_energy", "", "forward_active_energy"},
	}
	for _, tt := range tests {
		if got := PhasePrefix(tt.name); got != tt.prefix {
			t.Errorf("PhasePrefix(%q) = %q, want %q", tt.name, got, tt.prefix)
		}
		if got := StripPhase(tt.name); got != tt.base {
			t.Errorf("StripPhase(%q) = %q, want %q", tt.name, got, tt.base)
		}
	}

	if got := NodeName("active_energy", PhaseL1, DirectionForward); got != "l1_forward_active_energy" {
		t.Errorf("NodeName = %q, want l1_forward_active_energy", got)
	}
	if got := NodeName("power_factor", PhaseTotal, DirectionTotal); got != "total_power_factor" {
		t.Errorf("NodeName = %q, want total_power_factor", got)
	}
}

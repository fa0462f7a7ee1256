// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
)

// fakeQuerier serves canned log results keyed by node name.
type fakeQuerier struct {
	logs map[string]NodeLogs
}

func (f *fakeQuerier) NodeLogs(_ context.Context, _ string, _ int, node *Node, _ TimeSpan) (NodeLogs, error) {
	logs, ok := f.logs[node.Config.Name]
	if !ok {
		return NodeLogs{}, nil
	}
	return logs, nil
}

func extractionMeter(t *testing.T) *EnergyMeter {
	t.Helper()
	publish := make(chan bus.Message, 1)
	measurements := make(chan bus.Measurement, 1)
	types := DefaultTypeRegistry()

	configs := []*NodeConfig{
		namedCounter("active_energy", "kWh", CounterDirect, false),
		namedCounter("reactive_energy", "kVArh", CounterDirect, false),
		withCalculated(namedFloat("power_factor", "")),
		namedFloat("active_power", "W"),
		namedFloat("reactive_power", "VAr"),
	}
	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		node, err := NewNode(types, cfg, NoProtocolOptions{Type: cfg.Type})
		if err != nil {
			t.Fatalf("failed to build node %q: %v", cfg.Name, err)
		}
		nodes = append(nodes, node)
	}

	deps := Deps{PublishQueue: publish, MeasurementsQueue: measurements, Types: types}
	m, err := NewEnergyMeter(deps, 4, "meter", ProtocolNone, SinglePhase, MeterOptions{}, nil, nodes)
	if err != nil {
		t.Fatalf("failed to build meter: %v", err)
	}
	return m
}

func TestEnergyConsumptionDerivesPF(t *testing.T) {
	device := extractionMeter(t)

	point := func(value float64) map[string]any {
		return map[string]any{"start_time": "2025-06-01T12:00", "end_time": "2025-06-01T12:15", "value": value}
	}
	querier := &fakeQuerier{logs: map[string]NodeLogs{
		"active_energy": {
			Type:          TypeFloat,
			Points:        []map[string]any{point(3.0)},
			GlobalMetrics: map[string]any{"value": 3.0},
		},
		"reactive_energy": {
			Type:          TypeFloat,
			Points:        []map[string]any{point(4.0)},
			GlobalMetrics: map[string]any{"value": 4.0},
		},
	}}

	span := TimeSpan{
		Start:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC),
		Formatted:   true,
		StepMinutes: 15,
	}

	result, err := EnergyConsumption(context.Background(), device, PhaseSinglephase, DirectionTotal, querier, span)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	pfLogs := result["power_factor"].(NodeLogs)
	if len(pfLogs.Points) != 1 {
		t.Fatalf("expected one pf point, got %d", len(pfLogs.Points))
	}
	if pfLogs.Points[0]["value"] != 0.6 {
		t.Errorf("pf = %v, want 0.6", pfLogs.Points[0]["value"])
	}
	if pfLogs.GlobalMetrics["value"] != 0.6 {
		t.Errorf("global pf = %v, want 0.6", pfLogs.GlobalMetrics["value"])
	}

	directionLogs := result["power_factor_direction"].(NodeLogs)
	if directionLogs.Points[0]["value"] != "LAGGING" {
		t.Errorf("pf direction = %v, want LAGGING", directionLogs.Points[0]["value"])
	}
	if directionLogs.GlobalMetrics["value"] != "LAGGING" {
		t.Errorf("global pf direction = %v, want LAGGING", directionLogs.GlobalMetrics["value"])
	}
}

func TestEnergyConsumptionMissingNodesYieldUniformShape(t *testing.T) {
	device := extractionMeter(t)

	span := TimeSpan{
		Start:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		Formatted:   true,
		StepMinutes: 15,
	}

	// Forward direction nodes do not exist on this device.
	result, err := EnergyConsumption(context.Background(), device, PhaseSinglephase, DirectionForward, nil, span)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	for _, key := range []string{"active_energy", "reactive_energy", "power_factor", "power_factor_direction"} {
		logs, ok := result[key].(NodeLogs)
		if !ok {
			t.Fatalf("missing %s in result", key)
		}
		if len(logs.Points) != 4 {
			t.Errorf("%s: expected 4 aligned placeholder points, got %d", key, len(logs.Points))
		}
		for _, point := range logs.Points {
			if point["value"] != nil {
				t.Errorf("%s: placeholder point carries a value: %v", key, point)
			}
		}
		if logs.GlobalMetrics == nil {
			t.Errorf("%s: missing global metrics placeholder", key)
		}
	}
}

func TestAlignedBuckets(t *testing.T) {
	span := TimeSpan{
		Start:       time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC),
		End:         time.Date(2025, 6, 1, 12, 40, 0, 0, time.UTC),
		Formatted:   true,
		StepMinutes: 15,
	}
	buckets := alignedBuckets(span)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if buckets[0][0].Minute() != 0 {
		t.Errorf("first bucket start = %v, want aligned to the step", buckets[0][0])
	}
}

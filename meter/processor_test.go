// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func decimals(v int) *int { return &v }

// floatConfig returns a minimal valid FLOAT node configuration.
func floatConfig(name string) *NodeConfig {
	return &NodeConfig{
		Name:          name,
		Type:          TypeFloat,
		Protocol:      ProtocolNone,
		Enabled:       true,
		Publish:       true,
		DecimalPlaces: decimals(3),
		LoggingPeriod: 15,
		Attributes:    NodeAttributes{Phase: PhaseGeneral},
	}
}

// counterConfig returns a FLOAT counter configuration with the given mode.
func counterConfig(name string, mode CounterMode) *NodeConfig {
	cfg := floatConfig(name)
	cfg.IsCounter = true
	cfg.CounterMode = mode
	return cfg
}

func newFloat(t *testing.T, cfg *NodeConfig) *FloatProcessor {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	return NewFloatProcessor(cfg).(*FloatProcessor)
}

func mustSet(t *testing.T, p Processor, v any) {
	t.Helper()
	if err := p.SetValue(v); err != nil {
		t.Fatalf("SetValue(%v) failed: %v", v, err)
	}
}

func numeric(t *testing.T, p Processor) float64 {
	t.Helper()
	np, ok := AsNumeric(p)
	if !ok {
		t.Fatal("processor is not numeric")
	}
	v, ok := np.NumericValue()
	if !ok {
		t.Fatal("processor holds no value")
	}
	return v
}

func TestSetValueDisabledNodeIsNoOp(t *testing.T) {
	cfg := floatConfig("voltage")
	cfg.Enabled = false
	p := newFloat(t, cfg)

	mustSet(t, p, 230.0)
	if _, ok := p.Value(); ok {
		t.Error("disabled node must not store a value")
	}
}

func TestSetValueNullSentinelClearsValue(t *testing.T) {
	p := newFloat(t, floatConfig("voltage"))
	mustSet(t, p, 230.0)
	mustSet(t, p, nil)

	if _, ok := p.Value(); ok {
		t.Error("nil must clear the value")
	}
}

func TestCumulativeCounterAnchorsInitialValue(t *testing.T) {
	p := newFloat(t, counterConfig("active_energy", CounterCumulative))

	mustSet(t, p, 100.0)
	if got := numeric(t, p); got != 0 {
		t.Errorf("value after first observation = %v, want 0", got)
	}
	if p.initialValue == nil || *p.initialValue != 100.0 {
		t.Errorf("initial value = %v, want 100", p.initialValue)
	}

	mustSet(t, p, 112.5)
	if got := numeric(t, p); got != 12.5 {
		t.Errorf("value = %v, want 12.5", got)
	}
}

func TestCumulativeCounterNullDoesNotReanchor(t *testing.T) {
	p := newFloat(t, counterConfig("active_energy", CounterCumulative))

	mustSet(t, p, 100.0)
	mustSet(t, p, nil)
	if p.initialValue == nil || *p.initialValue != 100.0 {
		t.Error("nil value must not clear the initial value")
	}

	mustSet(t, p, 110.0)
	if got := numeric(t, p); got != 10.0 {
		t.Errorf("value = %v, want 10 relative to the original anchor", got)
	}
}

func TestResetValueReanchorsCumulativeCounter(t *testing.T) {
	p := newFloat(t, counterConfig("active_energy", CounterCumulative))

	mustSet(t, p, 100.0)
	p.ResetValue()
	if p.initialValue != nil {
		t.Error("ResetValue must clear the initial value")
	}

	mustSet(t, p, 120.0)
	if got := numeric(t, p); got != 0 {
		t.Errorf("value after re-anchor = %v, want 0", got)
	}
}

func TestDeltaCounterAccumulates(t *testing.T) {
	p := newFloat(t, counterConfig("active_energy", CounterDelta))

	deltas := []float64{1.5, 2.5, 0.5, 3.0}
	total := 0.0
	for _, d := range deltas {
		mustSet(t, p, d)
		total += d
	}
	if got := numeric(t, p); got != total {
		t.Errorf("accumulated value = %v, want %v", got, total)
	}
	if p.Direction() != DirectionPositive {
		t.Errorf("direction = %v, want positive", p.Direction())
	}

	mustSet(t, p, -1.0)
	if p.Direction() != DirectionNegative {
		t.Errorf("direction after negative delta = %v, want negative", p.Direction())
	}
}

func TestDirectCounterStoresVerbatim(t *testing.T) {
	p := newFloat(t, counterConfig("active_energy", CounterDirect))

	mustSet(t, p, 50.0)
	if got := numeric(t, p); got != 50.0 {
		t.Errorf("value = %v, want 50", got)
	}

	mustSet(t, p, 47.0)
	if got := numeric(t, p); got != 47.0 {
		t.Errorf("value = %v, want 47", got)
	}
	if p.Direction() != DirectionNegative {
		t.Errorf("direction = %v, want negative after decrease", p.Direction())
	}
}

func TestMeasurementStatistics(t *testing.T) {
	p := newFloat(t, floatConfig("voltage"))

	for _, v := range []float64{230.0, 228.0, 232.0, 231.0} {
		mustSet(t, p, v)
	}

	minValue, maxValue, meanValue := p.Statistics()
	if minValue == nil || *minValue != 228.0 {
		t.Errorf("min = %v, want 228", minValue)
	}
	if maxValue == nil || *maxValue != 232.0 {
		t.Errorf("max = %v, want 232", maxValue)
	}
	want := (230.0 + 228.0 + 232.0 + 231.0) / 4
	if meanValue == nil || *meanValue != want {
		t.Errorf("mean = %v, want %v", meanValue, want)
	}
	if *minValue > *meanValue || *meanValue > *maxValue {
		t.Error("expected min <= mean <= max")
	}
}

func TestAlarmLatchesAreSticky(t *testing.T) {
	cfg := floatConfig("voltage")
	cfg.MinAlarm = true
	cfg.MinAlarmValue = floatPtr(210.0)
	cfg.MaxWarning = true
	cfg.MaxWarningValue = floatPtr(245.0)
	p := newFloat(t, cfg)

	mustSet(t, p, 200.0) // below the min alarm
	if !p.InAlarm() {
		t.Fatal("expected min alarm latch after threshold crossing")
	}

	mustSet(t, p, 230.0) // back in range
	if !p.InAlarm() {
		t.Error("latch must survive in-range values")
	}
	if p.InWarning() {
		t.Error("warning latch must not be set")
	}

	mustSet(t, p, 250.0)
	if !p.InWarning() {
		t.Error("expected max warning latch")
	}

	p.ResetAlarms()
	if p.InAlarm() || p.InWarning() {
		t.Error("ResetAlarms must clear all latches")
	}
}

func TestResetValueKeepsAlarmLatches(t *testing.T) {
	cfg := floatConfig("voltage")
	cfg.MaxAlarm = true
	cfg.MaxAlarmValue = floatPtr(240.0)
	p := newFloat(t, cfg)

	mustSet(t, p, 250.0)
	p.ResetValue()

	if !p.InAlarm() {
		t.Error("ResetValue must not clear alarm latches")
	}
	if _, ok := p.Value(); ok {
		t.Error("ResetValue must clear the value")
	}
}

func TestSubmitLogMeasurement(t *testing.T) {
	cfg := floatConfig("voltage")
	cfg.Logging = true
	cfg.LoggingPeriod = 15
	p := newFloat(t, cfg)

	mustSet(t, p, 230.1234)
	mustSet(t, p, 231.5678)

	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	point := p.SubmitLog(end)

	if point.Name != "voltage" {
		t.Errorf("name = %q, want voltage", point.Name)
	}
	if want := end.Add(-15 * time.Minute); !point.StartTime.Equal(want) {
		t.Errorf("start time = %v, want %v", point.StartTime, want)
	}
	if !point.EndTime.Equal(end) {
		t.Errorf("end time = %v, want %v", point.EndTime, end)
	}
	if point.Fields["min_value"] != 230.123 {
		t.Errorf("min_value = %v, want 230.123", point.Fields["min_value"])
	}
	if point.Fields["max_value"] != 231.568 {
		t.Errorf("max_value = %v, want 231.568", point.Fields["max_value"])
	}
	if point.Fields["mean_value"] == nil {
		t.Error("mean_value missing")
	}

	if lastLog, ok := p.LastLogTime(); !ok || !lastLog.Equal(end) {
		t.Errorf("last log time = %v, want %v", lastLog, end)
	}

	// An immediate second submission must carry null statistics: the state
	// was reset in between.
	second := p.SubmitLog(end.Add(15 * time.Minute))
	if second.Fields["min_value"] != nil || second.Fields["max_value"] != nil || second.Fields["mean_value"] != nil {
		t.Errorf("second log must carry null statistics, got %v", second.Fields)
	}
}

func TestSubmitLogCounterCarriesValue(t *testing.T) {
	cfg := counterConfig("active_energy", CounterDelta)
	cfg.Logging = true
	p := newFloat(t, cfg)

	mustSet(t, p, 1.25)
	mustSet(t, p, 0.75)

	point := p.SubmitLog(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if point.Fields["value"] != 2.0 {
		t.Errorf("value = %v, want 2.0", point.Fields["value"])
	}
	if _, ok := point.Fields["mean_value"]; ok {
		t.Error("counter logs must not carry statistics")
	}
}

func TestPublishFormat(t *testing.T) {
	cfg := floatConfig("l1_voltage")
	cfg.Unit = "V"
	cfg.MinAlarm = true
	cfg.MinAlarmValue = floatPtr(210.0)
	cfg.Attributes = NodeAttributes{Phase: PhaseL1}
	p := newFloat(t, cfg)

	mustSet(t, p, 229.87654)
	output := p.PublishFormat()

	if output["type"] != "FLOAT" {
		t.Errorf("type = %v, want FLOAT", output["type"])
	}
	if output["unit"] != "V" {
		t.Errorf("unit = %v, want V", output["unit"])
	}
	if output["is_counter"] != false {
		t.Error("is_counter must be false")
	}
	if output["value"] != 229.877 {
		t.Errorf("value = %v, want 229.877", output["value"])
	}
	if output["phase"] != "L1" {
		t.Errorf("phase = %v, want L1", output["phase"])
	}
	if _, ok := output["min_alarm_state"]; !ok {
		t.Error("enabled min alarm must expose its latch")
	}
	if _, ok := output["max_alarm_state"]; ok {
		t.Error("disabled max alarm must not expose a latch")
	}
}

func TestPublishFormatIsIdempotent(t *testing.T) {
	p := newFloat(t, floatConfig("voltage"))
	mustSet(t, p, 230.0)

	first := p.PublishFormat()
	second := p.PublishFormat()
	if len(first) != len(second) {
		t.Fatalf("payload shapes differ: %v vs %v", first, second)
	}
	for key, value := range first {
		if second[key] != value {
			t.Errorf("key %q differs: %v vs %v", key, value, second[key])
		}
	}
}

func TestIntProcessorPublishesInt(t *testing.T) {
	cfg := &NodeConfig{
		Name:       "custom_count",
		Type:       TypeInt,
		Protocol:   ProtocolNone,
		Enabled:    true,
		Custom:     true,
		Attributes: NodeAttributes{Phase: PhaseGeneral},
	}
	p := NewIntProcessor(cfg)

	mustSet(t, p, int64(42))
	output := p.PublishFormat()
	if output["value"] != int64(42) {
		t.Errorf("value = %v (%T), want int64 42", output["value"], output["value"])
	}
}

func TestBoolProcessor(t *testing.T) {
	cfg := &NodeConfig{
		Name:       "breaker_closed",
		Type:       TypeBool,
		Protocol:   ProtocolNone,
		Enabled:    true,
		Custom:     true,
		Attributes: NodeAttributes{Phase: PhaseGeneral},
	}
	p := NewBoolProcessor(cfg)

	mustSet(t, p, true)
	if v, ok := p.Value(); !ok || v != true {
		t.Errorf("value = %v, want true", v)
	}

	if err := p.SetValue(123); err == nil {
		t.Error("expected a decode error for a non-boolean value")
	}

	output := p.PublishFormat()
	if _, ok := output["min_alarm_state"]; ok {
		t.Error("bool nodes must not expose alarm latches")
	}
}

func TestStringProcessorAcceptsPFDirection(t *testing.T) {
	cfg := &NodeConfig{
		Name:       "power_factor_direction",
		Type:       TypeString,
		Protocol:   ProtocolNone,
		Enabled:    true,
		Calculated: true,
		Attributes: NodeAttributes{Phase: PhaseSinglephase},
	}
	p := NewStringProcessor(cfg)

	mustSet(t, p, PFLagging)
	if v, _ := p.Value(); v != "LAGGING" {
		t.Errorf("value = %v, want LAGGING", v)
	}
}

func TestElapsedTimeBetweenUpdates(t *testing.T) {
	p := newFloat(t, floatConfig("voltage"))

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }

	mustSet(t, p, 230.0)
	if p.ElapsedTime() != 0 {
		t.Errorf("first update elapsed = %v, want 0", p.ElapsedTime())
	}

	current = current.Add(30 * time.Minute)
	mustSet(t, p, 231.0)
	if p.ElapsedTime() != 1800 {
		t.Errorf("elapsed = %v seconds, want 1800", p.ElapsedTime())
	}
}

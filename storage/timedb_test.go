// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"testing"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
)

func TestToPointsMapping(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)

	measurement := bus.Measurement{
		DB: "plant_meter_7",
		Data: []bus.LogPoint{
			{
				Name:      "l1_voltage",
				StartTime: start,
				EndTime:   end,
				Fields:    map[string]any{"mean_value": 230.1, "min_value": 229.0, "max_value": 231.4},
			},
		},
	}

	points := toPoints(measurement)
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}

	point := points[0]
	if point.Name() != "l1_voltage" {
		t.Errorf("measurement = %q, want l1_voltage", point.Name())
	}

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["device"] != "plant_meter_7" {
		t.Errorf("device tag = %q, want plant_meter_7", tags["device"])
	}
	if tags["start_time"] != "2025-06-01 12:00" {
		t.Errorf("start_time tag = %q", tags["start_time"])
	}
	if tags["end_time"] != "2025-06-01 12:15" {
		t.Errorf("end_time tag = %q", tags["end_time"])
	}

	fields := map[string]any{}
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	if fields["mean_value"] != 230.1 || fields["min_value"] != 229.0 || fields["max_value"] != 231.4 {
		t.Errorf("unexpected fields: %v", fields)
	}
	if !point.Time().Equal(end) {
		t.Errorf("point time = %v, want the bucket end", point.Time())
	}
}

func TestToPointsDropsNilFieldsAndEmptyPoints(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	measurement := bus.Measurement{
		DB: "m_1",
		Data: []bus.LogPoint{
			{
				Name:      "active_energy",
				StartTime: start,
				EndTime:   start.Add(15 * time.Minute),
				Fields:    map[string]any{"value": 1.5, "unused": nil},
			},
			{
				Name:      "reactive_energy",
				StartTime: start,
				EndTime:   start.Add(15 * time.Minute),
				Fields:    map[string]any{"value": nil},
			},
		},
	}

	points := toPoints(measurement)
	if len(points) != 1 {
		t.Fatalf("expected the all-nil point to be dropped, got %d points", len(points))
	}
	for _, field := range points[0].FieldList() {
		if field.Key == "unused" {
			t.Error("nil fields must be dropped")
		}
	}
}

func TestSanitizeFluxString(t *testing.T) {
	got := sanitizeFluxString(`na"me\evil`)
	want := `na\"me\\evil`
	if got != want {
		t.Errorf("sanitized = %q, want %q", got, want)
	}
}

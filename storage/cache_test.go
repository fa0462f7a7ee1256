// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"testing"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
)

func testMeasurement(name string, value float64) bus.Measurement {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return bus.Measurement{
		DB: "meter_1",
		Data: []bus.LogPoint{
			{Name: name, StartTime: start, EndTime: start.Add(15 * time.Minute), Fields: map[string]any{"value": value}},
		},
	}
}

func TestCacheStoreAndLoadPreservesOrder(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), 1024*1024, time.Hour)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	for i, name := range []string{"first", "second", "third"} {
		if err := cache.Store(testMeasurement(name, float64(i))); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	loaded, err := cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 measurements, got %d", len(loaded))
	}
	for i, name := range []string{"first", "second", "third"} {
		if loaded[i].Data[0].Name != name {
			t.Errorf("measurement %d = %q, want %q (order must be preserved)", i, loaded[i].Data[0].Name, name)
		}
	}
}

func TestCacheClear(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), 1024*1024, time.Hour)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	if err := cache.Store(testMeasurement("entry", 1)); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if cache.Size() == 0 {
		t.Error("cache size must be non-zero after a store")
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	loaded, err := cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected an empty cache after clear, got %d entries", len(loaded))
	}
}

func TestCacheEmptyLoad(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), 1024, time.Hour)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	loaded, err := cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for an empty cache, got %v", loaded)
	}
}

func TestCacheSizeLimit(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), 1, time.Hour)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	// The first store succeeds (file does not exist yet); the second hits
	// the limit.
	if err := cache.Store(testMeasurement("one", 1)); err != nil {
		t.Fatalf("first store failed: %v", err)
	}
	if err := cache.Store(testMeasurement("two", 2)); err == nil {
		t.Error("expected an error once the size limit is reached")
	}
}

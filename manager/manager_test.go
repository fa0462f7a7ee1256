// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/soothill/energy-meter-gateway/meter"
	"github.com/soothill/energy-meter-gateway/pkg/bus"
)

// fakeStore is an in-memory DeviceStore.
type fakeStore struct {
	mu          sync.Mutex
	records     map[int]meter.MeterRecord
	nextID      int
	transitions []bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[int]meter.MeterRecord{}, nextID: 1}
}

func (s *fakeStore) GetAllMeters() ([]meter.MeterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []meter.MeterRecord
	for _, record := range s.records {
		records = append(records, record)
	}
	return records, nil
}

func (s *fakeStore) SaveMeter(record meter.MeterRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == 0 {
		record.ID = s.nextID
		s.nextID++
	}
	s.records[record.ID] = record
	return record.ID, nil
}

func (s *fakeStore) DeleteMeter(deviceID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, deviceID)
	return nil
}

func (s *fakeStore) UpdateConnectionHistory(_ int, state bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, state)
}

// calcMeter wraps the NONE-protocol energy meter core with a trivial
// lifecycle for tests.
type calcMeter struct {
	*meter.EnergyMeter
	started bool
}

func (m *calcMeter) Start(_ context.Context) error { m.started = true; return nil }
func (m *calcMeter) Stop() error                   { m.started = false; return nil }

// calcMeterFactory builds calcMeters from records through the registry.
func calcMeterFactory(deps meter.Deps, record meter.MeterRecord) (meter.Meter, error) {
	var nodes []*meter.Node
	for _, nodeRecord := range record.Nodes {
		node, err := meter.NoProtocolNodeFactory(deps.Types, nodeRecord)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	base, err := meter.NewEnergyMeter(deps, record.ID, record.Name, meter.ProtocolNone,
		record.Type, record.Options, nil, nodes)
	if err != nil {
		return nil, err
	}
	return &calcMeter{EnergyMeter: base}, nil
}

func testRegistry() *meter.Registry {
	registry := meter.NewRegistry()
	plugin := meter.NoProtocolPlugin()
	plugin.NewMeter = calcMeterFactory
	registry.Register(plugin)
	return registry
}

func voltageRecord(id int, name string) meter.MeterRecord {
	unit := "V"
	return meter.MeterRecord{
		ID:       id,
		Name:     name,
		Protocol: meter.ProtocolNone,
		Type:     meter.SinglePhase,
		Nodes: []meter.NodeRecord{
			{
				Name:     "voltage",
				Protocol: meter.ProtocolNone,
				Config: meter.RecordConfig{
					Enabled:       true,
					Publish:       true,
					Unit:          &unit,
					DecimalPlaces: intp(2),
					LoggingPeriod: 15,
				},
				Options:    json.RawMessage(`{"type": "FLOAT"}`),
				Attributes: map[string]any{"phase": "Singlephase"},
			},
		},
	}
}

func intp(v int) *int { return &v }

func newTestManager(t *testing.T, store *fakeStore) (*Manager, chan bus.Message) {
	t.Helper()
	publish := make(chan bus.Message, 16)
	measurements := make(chan bus.Measurement, 16)
	return New(testRegistry(), meter.DefaultTypeRegistry(), store, publish, measurements, nil), publish
}

func TestManagerStartLoadsPersistedMeters(t *testing.T) {
	store := newFakeStore()
	if _, err := store.SaveMeter(voltageRecord(1, "meter_a")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveMeter(voltageRecord(2, "meter_b")); err != nil {
		t.Fatal(err)
	}

	mgr, _ := newTestManager(t, store)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer mgr.Stop()

	devices := mgr.List()
	if len(devices) != 2 {
		t.Fatalf("expected 2 meters, got %d", len(devices))
	}
	if devices[0].ID() != 1 || devices[1].ID() != 2 {
		t.Errorf("meters not ordered by id: %d, %d", devices[0].ID(), devices[1].ID())
	}

	if _, ok := mgr.Get(1); !ok {
		t.Error("Get(1) should find the meter")
	}
	if _, ok := mgr.Get(99); ok {
		t.Error("Get(99) should not find a meter")
	}
}

func TestManagerCreateAndDeleteMeter(t *testing.T) {
	store := newFakeStore()
	mgr, _ := newTestManager(t, store)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer mgr.Stop()

	device, err := mgr.CreateMeter(voltageRecord(0, "fresh"))
	if err != nil {
		t.Fatalf("CreateMeter() failed: %v", err)
	}
	if device.ID() == 0 {
		t.Error("created meter must carry the store-assigned id")
	}
	if len(store.records) != 1 {
		t.Error("record must be persisted")
	}

	if err := mgr.DeleteMeter(device.ID()); err != nil {
		t.Fatalf("DeleteMeter() failed: %v", err)
	}
	if len(store.records) != 0 {
		t.Error("record must be removed")
	}
	if _, ok := mgr.Get(device.ID()); ok {
		t.Error("deleted meter must not be listed")
	}
}

func TestManagerRejectsInvalidRecord(t *testing.T) {
	store := newFakeStore()
	mgr, _ := newTestManager(t, store)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer mgr.Stop()

	record := voltageRecord(0, "broken")
	record.Nodes[0].Name = "vlotage"
	if _, err := mgr.CreateMeter(record); err == nil {
		t.Fatal("expected validation to reject the record")
	}
	if len(store.records) != 0 {
		t.Error("invalid records must not be persisted")
	}
}

func TestManagerConnectionCallbackPersistsTransitions(t *testing.T) {
	store := newFakeStore()
	if _, err := store.SaveMeter(voltageRecord(1, "meter_a")); err != nil {
		t.Fatal(err)
	}

	mgr, _ := newTestManager(t, store)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer mgr.Stop()

	device, _ := mgr.Get(1)
	energyMeter := device.(*calcMeter)
	energyMeter.SetConnectionState(true)
	energyMeter.SetConnectionState(false)

	// The callback runs synchronously into the store.
	time.Sleep(10 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.transitions) != 2 || store.transitions[0] != true || store.transitions[1] != false {
		t.Errorf("transitions = %v, want [true false]", store.transitions)
	}
}

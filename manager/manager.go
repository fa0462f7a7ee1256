// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package manager maintains the live set of energy meters.
//
// On start it materializes every persisted meter record through the protocol
// registry, binds the shared publish and measurement sinks plus the
// connection-change callback, starts each meter, and publishes a combined
// "devices_state" message every 10 seconds. Stopping the manager stops every
// meter.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soothill/energy-meter-gateway/meter"
	"github.com/soothill/energy-meter-gateway/pkg/bus"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

const devicesStatePeriod = 10 * time.Second

// DeviceStore is the slice of the configuration store the manager needs.
type DeviceStore interface {
	GetAllMeters() ([]meter.MeterRecord, error)
	SaveMeter(record meter.MeterRecord) (int, error)
	DeleteMeter(deviceID int) error
	UpdateConnectionHistory(deviceID int, state bool)
}

// ConnectivityNotifier receives meter offline/recovered alerts. May be nil.
type ConnectivityNotifier interface {
	IsEnabled() bool
	SendMeterOffline(ctx context.Context, deviceID int, deviceName string) error
	SendMeterRecovered(ctx context.Context, deviceID int, deviceName string) error
}

// Manager is the registry of active meters.
type Manager struct {
	registry *meter.Registry
	types    *meter.TypeRegistry
	store    DeviceStore
	notifier ConnectivityNotifier

	publishQueue      chan<- bus.Message
	measurementsQueue chan<- bus.Measurement

	mu      sync.RWMutex
	devices map[int]meter.Meter

	runCtx context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New creates a device manager bound to the given registry, store and sinks.
func New(
	registry *meter.Registry,
	types *meter.TypeRegistry,
	store DeviceStore,
	publishQueue chan<- bus.Message,
	measurementsQueue chan<- bus.Measurement,
	notifier ConnectivityNotifier,
) *Manager {
	return &Manager{
		registry:          registry,
		types:             types,
		store:             store,
		notifier:          notifier,
		publishQueue:      publishQueue,
		measurementsQueue: measurementsQueue,
		devices:           make(map[int]meter.Meter),
	}
}

// deps builds the construction dependencies handed to every meter.
func (m *Manager) deps() meter.Deps {
	return meter.Deps{
		PublishQueue:       m.publishQueue,
		MeasurementsQueue:  m.measurementsQueue,
		OnConnectionChange: m.connectionChanged,
		Types:              m.types,
	}
}

// Start loads all persisted meters, starts them, and spawns the periodic
// device-state publisher.
func (m *Manager) Start(ctx context.Context) error {
	records, err := m.store.GetAllMeters()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel

	for _, record := range records {
		device, err := m.buildMeter(record)
		if err != nil {
			logger.Error().Err(err).Int("device_id", record.ID).Str("device_name", record.Name).
				Msg("Failed to initialize meter from record, skipping")
			continue
		}
		if err := device.Start(runCtx); err != nil {
			logger.Error().Err(err).Int("device_id", record.ID).Msg("Failed to start meter, skipping")
			continue
		}
		m.mu.Lock()
		m.devices[device.ID()] = device
		m.mu.Unlock()
		logger.Info().Int("device_id", device.ID()).Str("device_name", device.Name()).
			Str("protocol", string(device.Protocol())).Msg("Meter started")
	}

	m.updateRegisteredGauge()

	m.tasks.Add(1)
	go m.publishDevicesState(runCtx)
	return nil
}

// Stop cancels the state publisher and stops every meter.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.tasks.Wait()

	m.mu.Lock()
	devices := make([]meter.Meter, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	m.devices = make(map[int]meter.Meter)
	m.mu.Unlock()

	for _, device := range devices {
		if err := device.Stop(); err != nil {
			logger.Error().Err(err).Int("device_id", device.ID()).Msg("Failed to stop meter")
		}
	}
	m.updateRegisteredGauge()
}

// buildMeter constructs a meter from its record through the protocol
// registry.
func (m *Manager) buildMeter(record meter.MeterRecord) (meter.Meter, error) {
	plugin, err := m.registry.Plugin(record.Protocol)
	if err != nil {
		return nil, err
	}
	if plugin.NewMeter == nil {
		return nil, fmt.Errorf("protocol %q has no meter implementation: %w", record.Protocol, gerrors.ErrUnimplemented)
	}
	return plugin.NewMeter(m.deps(), record)
}

// CreateMeter persists a new meter record, constructs and starts the meter.
// Construction failures leave no running meter behind.
func (m *Manager) CreateMeter(record meter.MeterRecord) (meter.Meter, error) {
	device, err := m.buildMeter(record)
	if err != nil {
		return nil, err
	}

	id, err := m.store.SaveMeter(record)
	if err != nil {
		return nil, err
	}
	if id != record.ID {
		// Identifier assigned by the store; rebuild so topics and log
		// databases carry the final id.
		record.ID = id
		device, err = m.buildMeter(record)
		if err != nil {
			return nil, err
		}
	}

	runCtx := m.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	if err := device.Start(runCtx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.devices[device.ID()] = device
	m.mu.Unlock()
	m.updateRegisteredGauge()
	return device, nil
}

// DeleteMeter stops a meter and removes its persisted record.
func (m *Manager) DeleteMeter(deviceID int) error {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if ok {
		if err := device.Stop(); err != nil {
			logger.Error().Err(err).Int("device_id", deviceID).Msg("Failed to stop meter during deletion")
		}
	}
	m.updateRegisteredGauge()
	return m.store.DeleteMeter(deviceID)
}

// Get returns the meter with the given id.
func (m *Manager) Get(deviceID int) (meter.Meter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[deviceID]
	return device, ok
}

// List returns all registered meters ordered by id.
func (m *Manager) List() []meter.Meter {
	m.mu.RLock()
	devices := make([]meter.Meter, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	m.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })
	return devices
}

// publishDevicesState emits one "devices_state" message every 10 seconds
// containing the device snapshot of every registered meter.
func (m *Manager) publishDevicesState(ctx context.Context) {
	defer m.tasks.Done()

	ticker := time.NewTicker(devicesStatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload := map[string]any{}
		m.mu.RLock()
		for id, device := range m.devices {
			payload[strconv.Itoa(id)] = device.Device()
		}
		m.mu.RUnlock()
		if len(payload) == 0 {
			continue
		}

		message := bus.Message{QoS: 0, Topic: "devices_state", Payload: payload}
		select {
		case m.publishQueue <- message:
		default:
			metrics.PublishDrops.Inc()
			logger.Warn().Msg("Publish queue full, dropping devices_state")
		}
	}
}

// connectionChanged is the connection-change callback bound to every meter:
// it persists the transition and raises connectivity alerts.
func (m *Manager) connectionChanged(deviceID int, state bool) {
	m.store.UpdateConnectionHistory(deviceID, state)

	if m.notifier == nil || !m.notifier.IsEnabled() {
		return
	}

	name := ""
	if device, ok := m.Get(deviceID); ok {
		name = device.Name()
	}

	go func() {
		alertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if state {
			err = m.notifier.SendMeterRecovered(alertCtx, deviceID, name)
		} else {
			err = m.notifier.SendMeterOffline(alertCtx, deviceID, name)
		}
		if err != nil {
			logger.Error().Err(err).Int("device_id", deviceID).Msg("Failed to send connectivity alert")
		}
	}()
}

func (m *Manager) updateRegisteredGauge() {
	m.mu.RLock()
	count := len(m.devices)
	m.mu.RUnlock()
	metrics.MetersRegistered.Set(float64(count))
}

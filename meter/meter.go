// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

// EnergyMeter is the protocol-independent core of a meter: the node set, the
// processing cycle (calculate, log, publish) and the connection state
// machine. Protocol meters embed it and drive the cycle from their receiver
// loop.
type EnergyMeter struct {
	id        int
	name      string
	protocol  Protocol
	meterType MeterType
	options   MeterOptions

	commOptions CommunicationOptions
	meterNodes  *MeterNodes

	publishQueue       chan<- bus.Message
	measurementsQueue  chan<- bus.Measurement
	onConnectionChange func(deviceID int, state bool)

	// stateMu guards the connection flags, which are written by the meter's
	// own goroutines and read by the manager and the HTTP surface.
	stateMu          sync.RWMutex
	connected        bool
	networkConnected bool

	// disconnectedCalculation is a one-shot latch: after a disconnect, one
	// calculation pass propagates nulls into derived nodes and then the
	// calculator stays quiet until the meter reconnects.
	disconnectedCalculation bool

	calcWorkers int
	log         zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEnergyMeter validates the node set and builds the meter core. A
// validation failure prevents meter creation.
func NewEnergyMeter(
	deps Deps,
	id int,
	name string,
	protocol Protocol,
	meterType MeterType,
	options MeterOptions,
	commOptions CommunicationOptions,
	nodes []*Node,
) (*EnergyMeter, error) {
	meterNodes := NewMeterNodes(meterType, options, nodes)
	if err := meterNodes.Validate(); err != nil {
		return nil, fmt.Errorf("failed to initialize energy meter %q with id %d: %w", name, id, err)
	}

	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	return &EnergyMeter{
		id:                 id,
		name:               name,
		protocol:           protocol,
		meterType:          meterType,
		options:            options,
		commOptions:        commOptions,
		meterNodes:         meterNodes,
		publishQueue:       deps.PublishQueue,
		measurementsQueue:  deps.MeasurementsQueue,
		onConnectionChange: deps.OnConnectionChange,
		calcWorkers:        workers,
		log:                logger.With().Int("device_id", id).Str("device_name", name).Logger(),
		now:                time.Now,
	}, nil
}

// ID returns the meter's unique identifier.
func (m *EnergyMeter) ID() int { return m.id }

// Name returns the meter's display name.
func (m *EnergyMeter) Name() string { return m.name }

// Protocol returns the meter's field protocol.
func (m *EnergyMeter) Protocol() Protocol { return m.protocol }

// MeterType returns the meter's phase configuration.
func (m *EnergyMeter) MeterType() MeterType { return m.meterType }

// Options returns the meter's option flags.
func (m *EnergyMeter) Options() MeterOptions { return m.options }

// Nodes returns the meter's node set.
func (m *EnergyMeter) Nodes() *MeterNodes { return m.meterNodes }

// Connected reports whether the last cycle reached the device.
func (m *EnergyMeter) Connected() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.connected
}

// NetworkConnected reports whether the transport link is up.
func (m *EnergyMeter) NetworkConnected() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.networkConnected
}

// SetNetworkState updates the transport link state.
func (m *EnergyMeter) SetNetworkState(state bool) {
	m.stateMu.Lock()
	m.networkConnected = state
	m.stateMu.Unlock()
}

// SetConnectionState updates the device connection state. The connection-
// change callback fires on every transition.
func (m *EnergyMeter) SetConnectionState(state bool) {
	m.stateMu.Lock()
	changed := m.connected != state
	m.connected = state
	m.stateMu.Unlock()

	if !changed {
		return
	}

	gauge := 0.0
	if state {
		gauge = 1.0
	}
	metrics.MeterConnected.WithLabelValues(fmt.Sprintf("%d", m.id), m.name).Set(gauge)

	if m.onConnectionChange != nil {
		m.onConnectionChange(m.id, state)
	}
}

// SetConnectionFromNodes derives the meter connection state from per-node
// read health: the meter counts as connected while any enabled node still
// responds, or when it has no enabled protocol nodes at all.
func (m *EnergyMeter) SetConnectionFromNodes(nodes []*Node) {
	if len(nodes) == 0 {
		m.SetConnectionState(true)
		return
	}
	for _, node := range nodes {
		if node.Connected() {
			m.SetConnectionState(true)
			return
		}
	}
	m.SetConnectionState(false)
}

// ProcessNodes runs the post-read part of one cycle.
//
// Connected: clear the disconnect latch, run the calculator, then log and
// publish concurrently (they commute on disjoint sinks). Disconnected: run
// exactly one calculation pass to flush nulls into derived nodes, then latch.
func (m *EnergyMeter) ProcessNodes(ctx context.Context) {
	if m.Connected() {
		m.disconnectedCalculation = false
		m.CalculateNodes(ctx)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.LogNodes()
		}()
		go func() {
			defer wg.Done()
			m.PublishNodes()
		}()
		wg.Wait()
	} else if !m.disconnectedCalculation {
		m.CalculateNodes(ctx)
		m.disconnectedCalculation = true
	}
}

// CalculateNodes computes every calculated-and-enabled node on a bounded
// worker pool with a single join point. A failing node is logged and does
// not stop its siblings; ordering between calculated nodes within one cycle
// is unspecified.
func (m *EnergyMeter) CalculateNodes(ctx context.Context) {
	start := m.now()

	var calculated []*Node
	for _, node := range m.meterNodes.Nodes {
		if node.Config.Calculated && node.Config.Enabled {
			calculated = append(calculated, node)
		}
	}
	if len(calculated) == 0 {
		return
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(m.calcWorkers)

	type failure struct {
		name string
		err  error
	}
	failures := make(chan failure, len(calculated))

	for _, node := range calculated {
		group.Go(func() error {
			if err := m.meterNodes.calculate(node); err != nil {
				failures <- failure{name: node.Config.Name, err: err}
			}
			return nil
		})
	}
	_ = group.Wait()
	close(failures)

	for f := range failures {
		metrics.CalculationErrors.Inc()
		m.log.Error().Err(f.err).Str("node", f.name).Msg("Failed to calculate node")
	}

	metrics.CalculationDuration.Observe(m.now().Sub(start).Seconds())
}

// LogNodes submits a log entry for every logging-enabled node whose period
// has elapsed and whose bucket boundary aligns with the wall clock.
//
// The first observation only seeds the bucket boundary. Afterwards a node
// logs when at least logging_period minutes passed since the last entry and
// the current minute is an exact multiple of the period, which keeps entries
// strictly ordered and temporally non-overlapping across restarts.
func (m *EnergyMeter) LogNodes() {
	currentTime := m.now().UTC()

	for _, node := range m.meterNodes.Nodes {
		if !node.Config.Logging || !node.Config.Enabled {
			continue
		}

		lastLog, ok := node.Processor.LastLogTime()
		if !ok {
			node.Processor.SetLastLogTime(currentTime)
			continue
		}

		elapsedMinutes := currentTime.Sub(lastLog).Minutes()
		periodMillis := int64(node.Config.LoggingPeriod) * 60_000
		aligned := currentTime.Truncate(time.Minute).UnixMilli()%periodMillis == 0

		if elapsedMinutes < float64(node.Config.LoggingPeriod) || !aligned {
			continue
		}

		point := node.Processor.SubmitLog(currentTime)
		measurement := bus.Measurement{
			DB:   fmt.Sprintf("%s_%d", m.name, m.id),
			Data: []bus.LogPoint{point},
		}

		select {
		case m.measurementsQueue <- measurement:
			metrics.LogPointsTotal.Inc()
		default:
			// Back-pressure would stall the acquisition cycle; the entry is
			// dropped at the sink boundary.
			m.log.Warn().Str("node", node.Config.Name).Msg("Measurements queue full, dropping log entry")
		}

		m.resetDirectionalEnergy(node)
	}
}

// resetDirectionalEnergy clears the forward/reverse companions of a just-
// logged energy node when they are not independently logged, so their
// accumulation window matches the logging bucket. For total_ nodes the
// per-phase companions are reset as well.
func (m *EnergyMeter) resetDirectionalEnergy(node *Node) {
	prefix := PhasePrefix(node.Config.Name)
	base := stripDirection(StripPhase(node.Config.Name))

	var energyKind string
	switch base {
	case "active_energy":
		energyKind = "active"
	case "reactive_energy":
		energyKind = "reactive"
	default:
		return
	}

	resetUnlessLogged := func(name string) {
		companion := m.meterNodes.Nodes[name]
		if companion != nil && !companion.Config.Logging {
			companion.Processor.ResetValue()
		}
	}

	for _, direction := range []string{"forward", "reverse"} {
		resetUnlessLogged(fmt.Sprintf("%s%s_%s_energy", prefix, direction, energyKind))
	}

	if prefix == "total_" {
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			for _, direction := range []string{"forward", "reverse"} {
				resetUnlessLogged(fmt.Sprintf("%s%s_%s_energy", p, direction, energyKind))
			}
			resetUnlessLogged(fmt.Sprintf("%s%s_energy", p, energyKind))
		}
	}
}

// PublishNodes emits exactly one snapshot message for the meter: a map of
// node name to publish format, restricted to nodes marked for publishing.
// An empty payload emits nothing.
func (m *EnergyMeter) PublishNodes() {
	payload := map[string]any{}
	for _, node := range m.meterNodes.Nodes {
		if node.Config.Publish {
			payload[node.Config.Name] = node.PublishFormat()
		}
	}
	if len(payload) == 0 {
		return
	}

	message := bus.Message{
		QoS:     0,
		Topic:   fmt.Sprintf("%s_%d_nodes", m.name, m.id),
		Payload: payload,
	}

	select {
	case m.publishQueue <- message:
	default:
		metrics.PublishDrops.Inc()
		m.log.Warn().Str("topic", message.Topic).Msg("Publish queue full, dropping snapshot")
	}
}

// Device returns a read-only snapshot of the meter configuration and status
// for external consumers.
func (m *EnergyMeter) Device() map[string]any {
	var commOptions map[string]any
	if m.commOptions != nil {
		commOptions = m.commOptions.OptionMap()
	}
	return map[string]any{
		"id":                    m.id,
		"name":                  m.name,
		"protocol":              string(m.protocol),
		"connected":             m.Connected(),
		"options":               m.options.Map(),
		"communication_options": commOptions,
		"type":                  string(m.meterType),
	}
}

// NodeInfo returns the extended information payload for one node.
func (m *EnergyMeter) NodeInfo(name string) (map[string]any, bool) {
	node := m.meterNodes.Nodes[name]
	if node == nil {
		return nil, false
	}
	return node.ExtendedInfo(), true
}

// Record converts the meter into its persistent representation.
func (m *EnergyMeter) Record() (MeterRecord, error) {
	var commOptions json.RawMessage
	if m.commOptions != nil {
		raw, err := json.Marshal(m.commOptions.OptionMap())
		if err != nil {
			return MeterRecord{}, err
		}
		commOptions = raw
	}

	nodes := make([]NodeRecord, 0, len(m.meterNodes.Nodes))
	for _, node := range m.meterNodes.Nodes {
		record := node.Record()
		record.DeviceID = m.id
		options, err := json.Marshal(node.Options.OptionMap())
		if err != nil {
			return MeterRecord{}, err
		}
		record.Options = options
		nodes = append(nodes, record)
	}

	return MeterRecord{
		ID:                   m.id,
		Name:                 m.name,
		Protocol:             m.protocol,
		Type:                 m.meterType,
		Options:              m.options,
		CommunicationOptions: commOptions,
		Nodes:                nodes,
	}, nil
}

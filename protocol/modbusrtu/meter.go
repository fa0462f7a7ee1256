// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package modbusrtu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grid-x/modbus"
	"golang.org/x/sync/errgroup"

	"github.com/soothill/energy-meter-gateway/meter"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

const reconnectDelay = 3 * time.Second

// Meter is an energy meter read over Modbus RTU. It owns the serial client
// exclusively; only the receiver goroutine reads through it.
type Meter struct {
	*meter.EnergyMeter

	options Options

	handler *modbus.RTUClientHandler
	client  modbus.Client

	// clientMu serializes bus access: the receiver fans reads out across
	// workers, but a serial line has a single master.
	clientMu sync.Mutex

	rtuNodes []nodeBinding

	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// nodeBinding pairs a runtime node with its decoded Modbus options.
type nodeBinding struct {
	node    *meter.Node
	options NodeOptions
}

// New builds a Modbus RTU meter from a persisted record.
func New(deps meter.Deps, record meter.MeterRecord) (meter.Meter, error) {
	parsed, err := ParseOptions(record.CommunicationOptions)
	if err != nil {
		return nil, fmt.Errorf("meter %q: parsing communication options: %w", record.Name, err)
	}
	options := parsed.(Options)

	nodes := make([]*meter.Node, 0, len(record.Nodes))
	bindings := make([]nodeBinding, 0, len(record.Nodes))
	for _, nodeRecord := range record.Nodes {
		var node *meter.Node
		if nodeRecord.Protocol == meter.ProtocolModbusRTU {
			node, err = NewNode(deps.Types, nodeRecord)
			if err != nil {
				return nil, err
			}
			var nodeOptions NodeOptions
			if err := json.Unmarshal(nodeRecord.Options, &nodeOptions); err != nil {
				return nil, err
			}
			bindings = append(bindings, nodeBinding{node: node, options: nodeOptions})
		} else {
			node, err = meter.NoProtocolNodeFactory(deps.Types, nodeRecord)
			if err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, node)
	}

	base, err := meter.NewEnergyMeter(deps, record.ID, record.Name, meter.ProtocolModbusRTU,
		record.Type, record.Options, options, nodes)
	if err != nil {
		return nil, err
	}

	return &Meter{EnergyMeter: base, options: options, rtuNodes: bindings}, nil
}

// Start creates the serial client and spawns the connection supervisor and
// receiver tasks.
func (m *Meter) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("modbus rtu client for device %q: %w", m.Name(), gerrors.ErrDeviceRunning)
	}

	handler := modbus.NewRTUClientHandler(m.options.Port)
	handler.BaudRate = m.options.Baudrate
	handler.DataBits = m.options.Bytesize
	handler.Parity = m.options.Parity
	handler.StopBits = m.options.Stopbits
	handler.SlaveID = m.options.SlaveID
	handler.Timeout = time.Duration(m.options.Timeout) * time.Second

	m.handler = handler
	m.client = modbus.NewClient(handler)

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.tasks.Add(2)
	go m.superviseConnection(taskCtx)
	go m.receive(taskCtx)
	return nil
}

// Stop cancels both tasks cooperatively and closes the serial client. Any
// in-flight read finishes before the client is released.
func (m *Meter) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return fmt.Errorf("modbus rtu client for device %q: %w", m.Name(), gerrors.ErrDeviceStopped)
	}

	m.cancel()
	m.tasks.Wait()

	m.clientMu.Lock()
	if m.handler != nil {
		_ = m.handler.Close()
	}
	m.handler = nil
	m.client = nil
	m.clientMu.Unlock()

	m.SetNetworkState(false)
	m.running = false
	return nil
}

// superviseConnection keeps the serial link alive: connect, poll every
// 3 seconds while the link holds, and retry after 3 seconds on failure.
func (m *Meter) superviseConnection(ctx context.Context) {
	defer m.tasks.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		logger.Info().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("Trying to connect Modbus RTU client")
		m.clientMu.Lock()
		err := m.handler.Connect()
		m.clientMu.Unlock()

		if err != nil {
			m.SetNetworkState(false)
			logger.Warn().Err(err).Int("device_id", m.ID()).Str("device_name", m.Name()).
				Msg("Failed to connect Modbus RTU client")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		m.SetNetworkState(true)
		logger.Info().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("Modbus RTU client connected")

		for m.NetworkConnected() {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
		}
		logger.Warn().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("Modbus RTU client disconnected")
	}
}

// receive polls every enabled node each read period, with one worker per
// node, and then runs the shared processing cycle. Per-node failures null
// that node only; when every enabled node fails in a cycle and at least one
// failure is transport-level, the network state drops so the supervisor
// reconnects.
func (m *Meter) receive(ctx context.Context) {
	defer m.tasks.Done()

	ticker := time.NewTicker(time.Duration(m.options.ReadPeriod) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		if m.NetworkConnected() {
			m.readAllNodes(ctx)
		} else {
			m.markDisconnected()
		}
		m.ProcessNodes(ctx)
		metrics.ReadCycleDuration.Observe(time.Since(start).Seconds())
	}
}

// markDisconnected nulls every enabled node while the transport is down so
// derived values propagate the outage on the next calculation pass.
func (m *Meter) markDisconnected() {
	for _, binding := range m.rtuNodes {
		if !binding.node.Config.Enabled {
			continue
		}
		binding.node.SetConnectionState(false)
		_ = binding.node.Processor.SetValue(nil)
	}
	m.SetConnectionState(false)
}

// readAllNodes dispatches one concurrent read per enabled Modbus node and
// updates per-node values and connection states.
func (m *Meter) readAllNodes(ctx context.Context) {
	var enabled []nodeBinding
	for _, binding := range m.rtuNodes {
		if binding.node.Config.Enabled {
			enabled = append(enabled, binding)
		}
	}

	group, _ := errgroup.WithContext(ctx)
	type readResult struct {
		binding nodeBinding
		value   any
		err     error
	}
	results := make([]readResult, len(enabled))

	for i, binding := range enabled {
		group.Go(func() error {
			value, err := m.readNode(binding)
			results[i] = readResult{binding: binding, value: value, err: err}
			return nil
		})
	}
	_ = group.Wait()

	var failed []string
	transportDown := false
	for _, result := range results {
		if result.err != nil {
			failed = append(failed, result.binding.node.Config.Name)
			result.binding.node.SetConnectionState(false)
			_ = result.binding.node.Processor.SetValue(nil)
			metrics.NodeReadErrors.Inc()
			if gerrors.IsTransportError(result.err) {
				transportDown = true
			}
			continue
		}
		result.binding.node.SetConnectionState(true)
		metrics.NodeReadsTotal.Inc()
		if err := result.binding.node.Processor.SetValue(result.value); err != nil {
			logger.Error().Err(err).Int("device_id", m.ID()).Str("node", result.binding.node.Config.Name).
				Msg("Failed to ingest node value")
		}
	}

	if len(failed) > 0 {
		logger.Warn().Int("device_id", m.ID()).Str("device_name", m.Name()).
			Strs("nodes", failed).Msg("Failed to read nodes from device")
	}
	if transportDown && len(failed) == len(enabled) && len(enabled) > 0 {
		m.SetNetworkState(false)
	}

	protocolNodes := make([]*meter.Node, len(enabled))
	for i, binding := range enabled {
		protocolNodes[i] = binding.node
	}
	m.SetConnectionFromNodes(protocolNodes)
}

// readNode performs one Modbus read for the node and decodes the response.
// The client is locked for the duration of the exchange.
func (m *Meter) readNode(binding nodeBinding) (any, error) {
	options := binding.options
	name := binding.node.Config.Name
	size := typeSizes[options.Type]

	m.clientMu.Lock()
	client := m.client
	if client == nil {
		m.clientMu.Unlock()
		return nil, gerrors.NewTransportError("read", m.ID(), gerrors.ErrDeviceStopped)
	}

	var payload []byte
	var err error
	switch options.Function {
	case ReadCoils:
		payload, err = client.ReadCoils(options.Address, uint16(size))
	case ReadDiscreteInputs:
		payload, err = client.ReadDiscreteInputs(options.Address, uint16(size))
	case ReadHoldingRegisters:
		payload, err = client.ReadHoldingRegisters(options.Address, uint16(size))
	case ReadInputRegisters:
		payload, err = client.ReadInputRegisters(options.Address, uint16(size))
	default:
		m.clientMu.Unlock()
		return nil, gerrors.NewDecodeError(name, fmt.Sprintf("unknown modbus function %q", options.Function))
	}
	m.clientMu.Unlock()

	if err != nil {
		return nil, gerrors.NewTransportError(string(options.Function), m.ID(), err)
	}

	if !options.Function.registerFunction() {
		return decodeBool(name, options, payload, nil, 0)
	}

	registers, err := registersFromBytes(payload)
	if err != nil {
		return nil, gerrors.NewDecodeError(name, err.Error())
	}

	switch options.Type {
	case TypeBool:
		return decodeBool(name, options, nil, registers, 0)
	case TypeFloat32, TypeFloat64:
		return decodeFloat(name, options, registers, 0, size)
	default:
		return decodeInt(name, options, registers, 0, size)
	}
}

// sleepCtx sleeps for the duration or until the context is cancelled.
// It reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

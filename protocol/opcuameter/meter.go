// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package opcuameter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"golang.org/x/sync/errgroup"

	"github.com/soothill/energy-meter-gateway/meter"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
	"github.com/soothill/energy-meter-gateway/pkg/metrics"
)

const (
	reconnectDelay = 3 * time.Second
	livenessPeriod = 3 * time.Second
	batchMaxAge    = 2000 // milliseconds
)

// Meter is an energy meter read over OPC UA.
type Meter struct {
	*meter.EnergyMeter

	options Options

	clientMu sync.Mutex
	client   *opcua.Client

	opcuaNodes []nodeBinding

	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// nodeBinding pairs a runtime node with its parsed NodeId. batchRead is set
// for every node at construction and is never cleared: a node that keeps
// failing inside batch requests stays in the batch.
type nodeBinding struct {
	node      *meter.Node
	options   NodeOptions
	nodeID    *ua.NodeID
	batchRead bool
}

// New builds an OPC UA meter from a persisted record.
func New(deps meter.Deps, record meter.MeterRecord) (meter.Meter, error) {
	parsed, err := ParseOptions(record.CommunicationOptions)
	if err != nil {
		return nil, fmt.Errorf("meter %q: parsing communication options: %w", record.Name, err)
	}
	options := parsed.(Options)

	nodes := make([]*meter.Node, 0, len(record.Nodes))
	bindings := make([]*nodeBinding, 0, len(record.Nodes))
	for _, nodeRecord := range record.Nodes {
		var node *meter.Node
		if nodeRecord.Protocol == meter.ProtocolOPCUA {
			node, err = NewNode(deps.Types, nodeRecord)
			if err != nil {
				return nil, err
			}
			var nodeOptions NodeOptions
			if err := json.Unmarshal(nodeRecord.Options, &nodeOptions); err != nil {
				return nil, err
			}
			nodeID, err := ua.ParseNodeID(nodeOptions.NodeID)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", nodeRecord.Name, err)
			}
			bindings = append(bindings, &nodeBinding{node: node, options: nodeOptions, nodeID: nodeID, batchRead: true})
		} else {
			node, err = meter.NoProtocolNodeFactory(deps.Types, nodeRecord)
			if err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, node)
	}

	base, err := meter.NewEnergyMeter(deps, record.ID, record.Name, meter.ProtocolOPCUA,
		record.Type, record.Options, options, nodes)
	if err != nil {
		return nil, err
	}

	m := &Meter{EnergyMeter: base, options: options}
	for _, binding := range bindings {
		m.opcuaNodes = append(m.opcuaNodes, *binding)
	}
	return m, nil
}

// Start creates the OPC UA client and spawns the connection supervisor and
// receiver tasks.
func (m *Meter) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("opc ua client for device %q: %w", m.Name(), gerrors.ErrDeviceRunning)
	}

	clientOptions := []opcua.Option{
		opcua.RequestTimeout(time.Duration(m.options.Timeout) * time.Second),
	}
	if m.options.Username != nil && m.options.Password != nil {
		clientOptions = append(clientOptions, opcua.AuthUsername(*m.options.Username, *m.options.Password))
	} else {
		clientOptions = append(clientOptions, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(m.options.URL, clientOptions...)
	if err != nil {
		return gerrors.NewTransportError("create client", m.ID(), err)
	}

	m.clientMu.Lock()
	m.client = client
	m.clientMu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.tasks.Add(2)
	go m.superviseConnection(taskCtx)
	go m.receive(taskCtx)
	return nil
}

// Stop cancels both tasks cooperatively and disconnects the client.
func (m *Meter) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return fmt.Errorf("opc ua client for device %q: %w", m.Name(), gerrors.ErrDeviceStopped)
	}

	m.cancel()
	m.tasks.Wait()

	m.clientMu.Lock()
	if m.client != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Duration(m.options.Timeout)*time.Second)
		_ = m.client.Close(closeCtx)
		closeCancel()
	}
	m.client = nil
	m.clientMu.Unlock()

	m.SetNetworkState(false)
	m.running = false
	return nil
}

// superviseConnection connects the client and then polls liveness every
// 3 seconds; a lost session drops the network state and reconnects after
// 3 seconds.
func (m *Meter) superviseConnection(ctx context.Context) {
	defer m.tasks.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		logger.Info().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("Trying to connect OPC UA client")

		m.clientMu.Lock()
		client := m.client
		m.clientMu.Unlock()
		if client == nil {
			return
		}

		if err := client.Connect(ctx); err != nil {
			m.SetNetworkState(false)
			logger.Warn().Err(err).Int("device_id", m.ID()).Str("device_name", m.Name()).
				Msg("Failed to connect OPC UA client")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		m.SetNetworkState(true)
		logger.Info().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("OPC UA client connected")

		for m.NetworkConnected() {
			if !sleepCtx(ctx, livenessPeriod) {
				return
			}
			if client.State() != opcua.Connected {
				m.SetNetworkState(false)
			}
		}
		logger.Warn().Int("device_id", m.ID()).Str("device_name", m.Name()).Msg("OPC UA client disconnected")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// receive partitions enabled nodes into batch and single reads each cycle,
// runs them, and then drives the shared processing cycle.
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
	for i := range m.opcuaNodes {
		binding := &m.opcuaNodes[i]
		if !binding.node.Config.Enabled {
			continue
		}
		binding.node.SetConnectionState(false)
		_ = binding.node.Processor.SetValue(nil)
	}
	m.SetConnectionState(false)
}

// readAllNodes attempts one batch read across all batch-eligible NodeIds and
// falls back to individual reads for the rest. Per-node failures null that
// node only.
func (m *Meter) readAllNodes(ctx context.Context) {
	m.clientMu.Lock()
	client := m.client
	m.clientMu.Unlock()
	if client == nil {
		return
	}

	var enabled []*nodeBinding
	var batch []*nodeBinding
	var single []*nodeBinding
	for i := range m.opcuaNodes {
		binding := &m.opcuaNodes[i]
		if !binding.node.Config.Enabled {
			continue
		}
		enabled = append(enabled, binding)
		if binding.batchRead {
			batch = append(batch, binding)
		} else {
			single = append(single, binding)
		}
	}

	if len(batch) > 0 {
		if err := m.processBatchRead(ctx, client, batch); err != nil {
			logger.Warn().Err(err).Int("device_id", m.ID()).Str("device_name", m.Name()).
				Msg("Batch read failed, falling back to single reads")
			single = append(single, batch...)
		}
	}

	m.processSingleReads(ctx, client, single)

	protocolNodes := make([]*meter.Node, len(enabled))
	for i, binding := range enabled {
		protocolNodes[i] = binding.node
	}
	m.SetConnectionFromNodes(protocolNodes)
}

// processBatchRead reads all given NodeIds in a single request and assigns
// typed values. A failed request returns the error so the caller can degrade
// to single reads; a bad per-result status nulls that node only.
func (m *Meter) processBatchRead(ctx context.Context, client *opcua.Client, batch []*nodeBinding) error {
	request := &ua.ReadRequest{
		MaxAge:             batchMaxAge,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for _, binding := range batch {
		request.NodesToRead = append(request.NodesToRead, &ua.ReadValueID{NodeID: binding.nodeID})
	}

	response, err := client.Read(ctx, request)
	if err != nil {
		return gerrors.NewTransportError("batch read", m.ID(), err)
	}
	if len(response.Results) != len(batch) {
		return gerrors.NewTransportError("batch read", m.ID(),
			fmt.Errorf("expected %d results, got %d", len(batch), len(response.Results)))
	}

	for i, binding := range batch {
		result := response.Results[i]
		if result.Status != ua.StatusOK || result.Value == nil {
			binding.node.SetConnectionState(false)
			_ = binding.node.Processor.SetValue(nil)
			metrics.NodeReadErrors.Inc()
			continue
		}
		value, err := convertValue(binding.node.Config.Name, binding.options.Type, result.Value.Value())
		if err != nil {
			binding.node.SetConnectionState(false)
			_ = binding.node.Processor.SetValue(nil)
			metrics.NodeReadErrors.Inc()
			logger.Warn().Err(err).Int("device_id", m.ID()).Str("node", binding.node.Config.Name).
				Msg("Failed to convert batch read value")
			continue
		}
		binding.node.SetConnectionState(true)
		metrics.NodeReadsTotal.Inc()
		_ = binding.node.Processor.SetValue(value)
	}
	return nil
}

// processSingleReads reads each node individually, one task per node.
func (m *Meter) processSingleReads(ctx context.Context, client *opcua.Client, single []*nodeBinding) {
	if len(single) == 0 {
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var failedMu sync.Mutex
	var failed []string

	for _, binding := range single {
		group.Go(func() error {
			value, err := m.readNode(groupCtx, client, binding)
			if err != nil {
				binding.node.SetConnectionState(false)
				_ = binding.node.Processor.SetValue(nil)
				metrics.NodeReadErrors.Inc()
				failedMu.Lock()
				failed = append(failed, binding.node.Config.Name)
				failedMu.Unlock()
				return nil
			}
			binding.node.SetConnectionState(true)
			metrics.NodeReadsTotal.Inc()
			_ = binding.node.Processor.SetValue(value)
			return nil
		})
	}
	_ = group.Wait()

	if len(failed) > 0 {
		logger.Warn().Int("device_id", m.ID()).Str("device_name", m.Name()).
			Strs("nodes", failed).Msg("Failed to read nodes from device")
	}
}

// readNode reads one node value and converts it to the configured type.
func (m *Meter) readNode(ctx context.Context, client *opcua.Client, binding *nodeBinding) (any, error) {
	request := &ua.ReadRequest{
		MaxAge:             batchMaxAge,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        []*ua.ReadValueID{{NodeID: binding.nodeID}},
	}

	response, err := client.Read(ctx, request)
	if err != nil {
		return nil, gerrors.NewTransportError("read", m.ID(), err)
	}
	if len(response.Results) != 1 || response.Results[0].Status != ua.StatusOK || response.Results[0].Value == nil {
		return nil, gerrors.NewTransportError("read", m.ID(),
			fmt.Errorf("failed to read %s", binding.node.Config.Name))
	}
	return convertValue(binding.node.Config.Name, binding.options.Type, response.Results[0].Value.Value())
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

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// Meter is the runtime interface of an energy meter, independent of the
// field protocol behind it.
type Meter interface {
	// ID returns the meter's unique identifier.
	ID() int

	// Name returns the meter's display name.
	Name() string

	// Protocol returns the meter's field protocol.
	Protocol() Protocol

	// Start spawns the meter's connection supervisor and receiver tasks.
	Start(ctx context.Context) error

	// Stop cancels the meter's tasks and releases the protocol client.
	// In-flight reads finish or are abandoned at their next suspension point.
	Stop() error

	// Connected reports whether the meter's last cycle reached the device.
	Connected() bool

	// Nodes returns the meter's node set.
	Nodes() *MeterNodes

	// Device returns a read-only snapshot of the meter configuration and
	// status for external consumers.
	Device() map[string]any

	// Record returns the meter's persistent representation.
	Record() (MeterRecord, error)
}

// Deps carries the shared resources a meter is bound to at construction: the
// outbound sinks, the connection-change callback and the type registry.
type Deps struct {
	PublishQueue      chan<- bus.Message
	MeasurementsQueue chan<- bus.Measurement

	// OnConnectionChange is invoked with (device id, state) on every
	// connection transition. May be nil.
	OnConnectionChange func(deviceID int, state bool)

	Types *TypeRegistry
}

// MeterFactory builds a protocol meter from a persisted record.
type MeterFactory func(deps Deps, record MeterRecord) (Meter, error)

// NodeFactory builds a runtime node from a persisted record.
type NodeFactory func(types *TypeRegistry, record NodeRecord) (*Node, error)

// CommOptionsParser parses a protocol's communication option bag.
type CommOptionsParser func(raw json.RawMessage) (CommunicationOptions, error)

// NodeOptionsParser parses a protocol's node option bag.
type NodeOptionsParser func(raw json.RawMessage) (NodeProtocolOptions, error)

// ProtocolPlugin bundles everything the gateway needs to support one field
// protocol: the meter factory, the option parsers and the node factory.
//
// The NONE protocol registers no meter factory or communication options; it
// only carries calculated nodes.
type ProtocolPlugin struct {
	Protocol Protocol

	NewMeter                  MeterFactory      // nil for NONE
	ParseCommunicationOptions CommOptionsParser // nil for NONE
	ParseNodeOptions          NodeOptionsParser
	NewNode                   NodeFactory
}

// Registry maps protocols to their plugins. It is an explicit object
// assembled at startup and passed to the components that need it; there is
// no package-level registry state.
type Registry struct {
	plugins map[Protocol]ProtocolPlugin
}

// NewRegistry creates an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Protocol]ProtocolPlugin)}
}

// Register adds or replaces a protocol plugin.
func (r *Registry) Register(plugin ProtocolPlugin) {
	r.plugins[plugin.Protocol] = plugin
}

// Plugin returns the plugin registered for the protocol.
func (r *Registry) Plugin(p Protocol) (ProtocolPlugin, error) {
	plugin, ok := r.plugins[p]
	if !ok {
		return ProtocolPlugin{}, fmt.Errorf("protocol %q: %w", p, gerrors.ErrUnimplemented)
	}
	return plugin, nil
}

// PluginByName returns the plugin for a protocol given in string form.
func (r *Registry) PluginByName(name string) (ProtocolPlugin, error) {
	p := Protocol(name)
	if !p.Valid() {
		return ProtocolPlugin{}, fmt.Errorf("invalid protocol %q", name)
	}
	return r.Plugin(p)
}

// NoProtocolNodeFactory builds a calculated node without a communication
// protocol.
func NoProtocolNodeFactory(types *TypeRegistry, record NodeRecord) (*Node, error) {
	options, err := ParseNoProtocolOptions(record.Options)
	if err != nil {
		return nil, fmt.Errorf("node %q: parsing options: %w", record.Name, err)
	}
	noOpts := options.(NoProtocolOptions)

	config, err := NodeConfigFromRecord(record, noOpts.Type)
	if err != nil {
		return nil, err
	}
	return NewNode(types, config, options)
}

// NoProtocolPlugin returns the plugin for calculated-only node sets.
func NoProtocolPlugin() ProtocolPlugin {
	return ProtocolPlugin{
		Protocol:         ProtocolNone,
		ParseNodeOptions: ParseNoProtocolOptions,
		NewNode:          NoProtocolNodeFactory,
	}
}

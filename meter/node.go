// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import "encoding/json"

// NodeProtocolOptions is implemented by protocol-specific node option types
// (Modbus register addressing, OPC UA NodeIds, ...). The core treats them as
// opaque bags; protocol meters downcast to their own type.
type NodeProtocolOptions interface {
	// Protocol returns the protocol the options belong to.
	Protocol() Protocol

	// OptionMap returns the options as a serializable map.
	OptionMap() map[string]any
}

// NoProtocolOptions is the option bag for calculated nodes that are not read
// from any field protocol. Only the value type is carried.
type NoProtocolOptions struct {
	Type NodeType `json:"type"`
}

// Protocol implements NodeProtocolOptions.
func (o NoProtocolOptions) Protocol() Protocol { return ProtocolNone }

// OptionMap implements NodeProtocolOptions.
func (o NoProtocolOptions) OptionMap() map[string]any {
	return map[string]any{"type": string(o.Type)}
}

// ParseNoProtocolOptions parses the NONE-protocol node option bag.
func ParseNoProtocolOptions(raw json.RawMessage) (NodeProtocolOptions, error) {
	var opts NoProtocolOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Node is a single measurement or derived quantity in a device. It combines
// the node configuration, the protocol-specific read options, and the typed
// value processor.
//
// Connected tracks per-node protocol health for Modbus RTU and OPC UA nodes;
// it is written only by the owning meter's receiver goroutine.
type Node struct {
	Config    *NodeConfig
	Options   NodeProtocolOptions
	Processor Processor

	// Derived identifies the calculation serving this node. Resolved by the
	// validator for calculated nodes; DerivedNone otherwise.
	Derived DerivedKind

	connected bool
}

// NewNode validates the configuration and builds the node with its
// type-specific processor.
func NewNode(types *TypeRegistry, config *NodeConfig, options NodeProtocolOptions) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	plugin, err := types.Plugin(config.Type)
	if err != nil {
		return nil, err
	}
	return &Node{
		Config:    config,
		Options:   options,
		Processor: plugin.NewProcessor(config),
	}, nil
}

// SetConnectionState updates the node's protocol connection state.
func (n *Node) SetConnectionState(state bool) {
	n.connected = state
}

// Connected reports whether the node's last protocol read succeeded.
func (n *Node) Connected() bool {
	return n.connected
}

// PublishFormat returns the node's publish payload.
func (n *Node) PublishFormat() map[string]any {
	return n.Processor.PublishFormat()
}

// ExtendedInfo returns processor metadata merged with protocol options.
func (n *Node) ExtendedInfo() map[string]any {
	output := n.Processor.ExtendedInfo()
	for name, value := range n.Options.OptionMap() {
		output[name] = value
	}
	return output
}

// Record converts the node into its persistent representation. The protocol
// option bag is serialized by the caller.
func (n *Node) Record() NodeRecord {
	return NodeRecord{
		Name:     n.Config.Name,
		Protocol: n.Config.Protocol,
		Config:   BaseRecordConfig(n.Config),
		Attributes: map[string]any{
			"phase": string(n.Config.Attributes.Phase),
		},
	}
}

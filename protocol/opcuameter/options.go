// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package opcuameter implements the OPC UA energy meter.
//
// The meter owns an OPC UA client with optional credentials and two
// long-running tasks: a connection supervisor that reconnects after
// 3 seconds on failure and polls liveness every 3 seconds, and a receiver
// that partitions enabled nodes into batch and single reads each cycle.
// A failed batch read degrades to individual reads so one bad NodeId cannot
// blind the whole meter.
package opcuameter

import (
	"encoding/json"
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/soothill/energy-meter-gateway/meter"
)

// NodeType enumerates the OPC UA data types a node can read.
type NodeType string

const (
	TypeBool   NodeType = "BOOL"
	TypeInt    NodeType = "INT"
	TypeFloat  NodeType = "FLOAT"
	TypeString NodeType = "STRING"
)

// internalTypes maps OPC UA data types to the internal node types.
var internalTypes = map[NodeType]meter.NodeType{
	TypeBool:   meter.TypeBool,
	TypeInt:    meter.TypeInt,
	TypeFloat:  meter.TypeFloat,
	TypeString: meter.TypeString,
}

// NodeOptions is the protocol-specific configuration of one OPC UA node.
// The NodeId string is used verbatim, e.g. "ns=2;s=EnergyMeter/VoltageL1".
type NodeOptions struct {
	NodeID string   `json:"node_id"`
	Type   NodeType `json:"type"`
}

// Protocol implements meter.NodeProtocolOptions.
func (o NodeOptions) Protocol() meter.Protocol { return meter.ProtocolOPCUA }

// OptionMap implements meter.NodeProtocolOptions.
func (o NodeOptions) OptionMap() map[string]any {
	return map[string]any{
		"node_id": o.NodeID,
		"type":    string(o.Type),
	}
}

// ParseNodeOptions parses the OPC UA node option bag. The NodeId must parse
// so malformed records fail meter construction instead of the read path.
func ParseNodeOptions(raw json.RawMessage) (meter.NodeProtocolOptions, error) {
	var options NodeOptions
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, err
	}
	if _, ok := internalTypes[options.Type]; !ok {
		return nil, fmt.Errorf("unknown opc ua node type %q", options.Type)
	}
	if _, err := ua.ParseNodeID(options.NodeID); err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", options.NodeID, err)
	}
	return options, nil
}

// Options are the communication parameters of an OPC UA meter.
type Options struct {
	URL        string  `json:"url"`
	ReadPeriod int     `json:"read_period"` // seconds between read cycles
	Timeout    int     `json:"timeout"`     // seconds
	Username   *string `json:"username"`
	Password   *string `json:"password"`
}

// Protocol implements meter.CommunicationOptions.
func (o Options) Protocol() meter.Protocol { return meter.ProtocolOPCUA }

// OptionMap implements meter.CommunicationOptions. The password is redacted.
func (o Options) OptionMap() map[string]any {
	output := map[string]any{
		"url":         o.URL,
		"read_period": o.ReadPeriod,
		"timeout":     o.Timeout,
		"username":    nil,
		"password":    nil,
	}
	if o.Username != nil {
		output["username"] = *o.Username
	}
	if o.Password != nil {
		output["password"] = "********"
	}
	return output
}

// ParseOptions parses the OPC UA communication option bag.
func ParseOptions(raw json.RawMessage) (meter.CommunicationOptions, error) {
	options := Options{ReadPeriod: 5, Timeout: 5}
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, err
	}
	if options.URL == "" {
		return nil, fmt.Errorf("opc ua options: url must not be empty")
	}
	if options.ReadPeriod <= 0 {
		return nil, fmt.Errorf("opc ua options: invalid read period %d", options.ReadPeriod)
	}
	return options, nil
}

// NewNode builds an OPC UA node from a persisted record.
func NewNode(types *meter.TypeRegistry, record meter.NodeRecord) (*meter.Node, error) {
	parsed, err := ParseNodeOptions(record.Options)
	if err != nil {
		return nil, fmt.Errorf("node %q: parsing options: %w", record.Name, err)
	}
	options := parsed.(NodeOptions)

	config, err := meter.NodeConfigFromRecord(record, internalTypes[options.Type])
	if err != nil {
		return nil, err
	}
	return meter.NewNode(types, config, options)
}

// Plugin returns the OPC UA protocol plugin.
func Plugin() meter.ProtocolPlugin {
	return meter.ProtocolPlugin{
		Protocol:                  meter.ProtocolOPCUA,
		NewMeter:                  New,
		ParseCommunicationOptions: ParseOptions,
		ParseNodeOptions:          ParseNodeOptions,
		NewNode:                   NewNode,
	}
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package modbusrtu implements the Modbus RTU energy meter.
//
// The meter owns a serial Modbus client and two long-running tasks: a
// connection supervisor that keeps the serial link alive with 3-second
// retries, and a receiver that polls every enabled node each read period,
// decodes register and coil responses by node type and endian mode, and then
// drives the shared processing cycle.
//
// Registers are 16-bit big-endian words; multi-register values are assembled
// according to the configured endian mode before being interpreted as signed
// or unsigned integers or IEEE-754 floats.
package modbusrtu

import (
	"encoding/json"
	"fmt"

	"github.com/soothill/energy-meter-gateway/meter"
)

// NodeType enumerates the Modbus RTU data types a node can decode.
type NodeType string

const (
	TypeBool    NodeType = "BOOL"
	TypeInt16   NodeType = "INT_16"
	TypeUint16  NodeType = "UINT_16"
	TypeInt32   NodeType = "INT_32"
	TypeUint32  NodeType = "UINT_32"
	TypeFloat32 NodeType = "FLOAT_32"
	TypeInt64   NodeType = "INT_64"
	TypeUint64  NodeType = "UINT_64"
	TypeFloat64 NodeType = "FLOAT_64"
)

// internalTypes maps Modbus RTU data types to the internal node types.
var internalTypes = map[NodeType]meter.NodeType{
	TypeBool:    meter.TypeBool,
	TypeInt16:   meter.TypeInt,
	TypeUint16:  meter.TypeInt,
	TypeInt32:   meter.TypeInt,
	TypeUint32:  meter.TypeInt,
	TypeFloat32: meter.TypeFloat,
	TypeInt64:   meter.TypeInt,
	TypeUint64:  meter.TypeInt,
	TypeFloat64: meter.TypeFloat,
}

// typeSizes maps data types to the number of Modbus data units they occupy:
// 16-bit registers for register types, one coil or discrete input for BOOL.
var typeSizes = map[NodeType]int{
	TypeBool:    1,
	TypeInt16:   1,
	TypeUint16:  1,
	TypeInt32:   2,
	TypeUint32:  2,
	TypeFloat32: 2,
	TypeInt64:   4,
	TypeUint64:  4,
	TypeFloat64: 4,
}

// EndianMode defines the byte and word ordering of multi-register values.
type EndianMode string

const (
	// BigEndian keeps the standard order (A1 A2 B1 B2).
	BigEndian EndianMode = "BIG_ENDIAN"
	// WordSwap reverses the word order (B1 B2 A1 A2).
	WordSwap EndianMode = "WORD_SWAP"
	// ByteSwap reverses the bytes within each word (A2 A1 B2 B1).
	ByteSwap EndianMode = "BYTE_SWAP"
	// WordByteSwap reverses both words and bytes (B2 B1 A2 A1).
	WordByteSwap EndianMode = "WORD_BYTE_SWAP"
)

// Function enumerates the Modbus read functions supported for node values.
type Function string

const (
	ReadCoils            Function = "READ_COILS"             // FC1
	ReadDiscreteInputs   Function = "READ_DISCRETE_INPUTS"   // FC2
	ReadHoldingRegisters Function = "READ_HOLDING_REGISTERS" // FC3
	ReadInputRegisters   Function = "READ_INPUT_REGISTERS"   // FC4
)

// registerFunction reports whether the function reads 16-bit registers
// rather than coils or discrete inputs.
func (f Function) registerFunction() bool {
	return f == ReadHoldingRegisters || f == ReadInputRegisters
}

// NodeOptions is the protocol-specific configuration of one Modbus RTU node.
type NodeOptions struct {
	Function Function    `json:"function"`
	Address  uint16      `json:"address"`
	Type     NodeType    `json:"type"`
	Endian   *EndianMode `json:"endian_mode"`
	Bit      *int        `json:"bit"`
}

// Protocol implements meter.NodeProtocolOptions.
func (o NodeOptions) Protocol() meter.Protocol { return meter.ProtocolModbusRTU }

// OptionMap implements meter.NodeProtocolOptions.
func (o NodeOptions) OptionMap() map[string]any {
	output := map[string]any{
		"function": string(o.Function),
		"address":  int(o.Address),
		"type":     string(o.Type),
	}
	if o.Endian != nil {
		output["endian_mode"] = string(*o.Endian)
	} else {
		output["endian_mode"] = nil
	}
	if o.Bit != nil {
		output["bit"] = *o.Bit
	} else {
		output["bit"] = nil
	}
	return output
}

// validate checks the option combination at parse time so malformed records
// fail meter construction instead of the read path.
func (o NodeOptions) validate() error {
	if _, ok := typeSizes[o.Type]; !ok {
		return fmt.Errorf("unknown modbus node type %q", o.Type)
	}
	switch o.Function {
	case ReadCoils, ReadDiscreteInputs, ReadHoldingRegisters, ReadInputRegisters:
	default:
		return fmt.Errorf("unknown modbus function %q", o.Function)
	}
	if o.Endian != nil {
		switch *o.Endian {
		case BigEndian, WordSwap, ByteSwap, WordByteSwap:
		default:
			return fmt.Errorf("unknown endian mode %q", *o.Endian)
		}
	}
	if o.Bit != nil && (*o.Bit < 0 || *o.Bit > 15) {
		return fmt.Errorf("register bit %d out of range 0..15", *o.Bit)
	}
	return nil
}

// ParseNodeOptions parses the Modbus RTU node option bag.
func ParseNodeOptions(raw json.RawMessage) (meter.NodeProtocolOptions, error) {
	var options NodeOptions
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, err
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	return options, nil
}

// Options are the serial communication parameters of a Modbus RTU meter.
type Options struct {
	SlaveID    byte   `json:"slave_id"`
	Port       string `json:"port"`
	Baudrate   int    `json:"baudrate"`
	Stopbits   int    `json:"stopbits"`
	Parity     string `json:"parity"`
	Bytesize   int    `json:"bytesize"`
	ReadPeriod int    `json:"read_period"` // seconds between read cycles
	Timeout    int    `json:"timeout"`     // seconds
	Retries    int    `json:"retries"`
}

// Protocol implements meter.CommunicationOptions.
func (o Options) Protocol() meter.Protocol { return meter.ProtocolModbusRTU }

// OptionMap implements meter.CommunicationOptions.
func (o Options) OptionMap() map[string]any {
	return map[string]any{
		"slave_id":    int(o.SlaveID),
		"port":        o.Port,
		"baudrate":    o.Baudrate,
		"stopbits":    o.Stopbits,
		"parity":      o.Parity,
		"bytesize":    o.Bytesize,
		"read_period": o.ReadPeriod,
		"timeout":     o.Timeout,
		"retries":     o.Retries,
	}
}

// ParseOptions parses the Modbus RTU communication option bag.
func ParseOptions(raw json.RawMessage) (meter.CommunicationOptions, error) {
	options := Options{ReadPeriod: 5, Timeout: 5, Retries: 3}
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, err
	}
	if options.Port == "" {
		return nil, fmt.Errorf("modbus rtu options: port must not be empty")
	}
	if options.Baudrate <= 0 {
		return nil, fmt.Errorf("modbus rtu options: invalid baudrate %d", options.Baudrate)
	}
	if options.ReadPeriod <= 0 {
		return nil, fmt.Errorf("modbus rtu options: invalid read period %d", options.ReadPeriod)
	}
	return options, nil
}

// NewNode builds a Modbus RTU node from a persisted record.
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

// Plugin returns the Modbus RTU protocol plugin.
func Plugin() meter.ProtocolPlugin {
	return meter.ProtocolPlugin{
		Protocol:                  meter.ProtocolModbusRTU,
		NewMeter:                  New,
		ParseCommunicationOptions: ParseOptions,
		ParseNodeOptions:          ParseNodeOptions,
		NewNode:                   NewNode,
	}
}

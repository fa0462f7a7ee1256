// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"encoding/json"
	"fmt"
)

// MeterOptions are the configuration flags controlling how energy and power
// readings are interpreted.
type MeterOptions struct {
	ReadEnergyFromMeter              bool `json:"read_energy_from_meter"`
	ReadSeparateForwardReverseEnergy bool `json:"read_separate_forward_reverse_energy"`
	NegativeReactivePower            bool `json:"negative_reactive_power"`
	FrequencyReading                 bool `json:"frequency_reading"`
}

// Map returns the options as a serializable map.
func (o MeterOptions) Map() map[string]any {
	return map[string]any{
		"read_energy_from_meter":               o.ReadEnergyFromMeter,
		"read_separate_forward_reverse_energy": o.ReadSeparateForwardReverseEnergy,
		"negative_reactive_power":              o.NegativeReactivePower,
		"frequency_reading":                    o.FrequencyReading,
	}
}

// CommunicationOptions is implemented by protocol-specific meter
// communication option types (serial parameters, endpoint URLs, ...).
type CommunicationOptions interface {
	// Protocol returns the protocol the options belong to.
	Protocol() Protocol

	// OptionMap returns the options as a serializable map. Secrets are
	// redacted.
	OptionMap() map[string]any
}

// RecordConfig is the protocol-agnostic part of a persisted node
// configuration. It is stored as an opaque serialized bag; the internal value
// type is not part of it because it is inferred from the protocol options.
type RecordConfig struct {
	Enabled         bool         `json:"enabled"`
	Unit            *string      `json:"unit"`
	Publish         bool         `json:"publish"`
	Calculated      bool         `json:"calculated"`
	Custom          bool         `json:"custom"`
	DecimalPlaces   *int         `json:"decimal_places"`
	Logging         bool         `json:"logging"`
	LoggingPeriod   int          `json:"logging_period"`
	MinAlarm        bool         `json:"min_alarm"`
	MaxAlarm        bool         `json:"max_alarm"`
	MinAlarmValue   *float64     `json:"min_alarm_value"`
	MaxAlarmValue   *float64     `json:"max_alarm_value"`
	MinWarning      bool         `json:"min_warning"`
	MaxWarning      bool         `json:"max_warning"`
	MinWarningValue *float64     `json:"min_warning_value"`
	MaxWarningValue *float64     `json:"max_warning_value"`
	IsCounter       bool         `json:"is_counter"`
	CounterMode     *CounterMode `json:"counter_mode"`
}

// BaseRecordConfig extracts the persistent configuration from a runtime
// NodeConfig.
func BaseRecordConfig(c *NodeConfig) RecordConfig {
	record := RecordConfig{
		Enabled:         c.Enabled,
		Publish:         c.Publish,
		Calculated:      c.Calculated,
		Custom:          c.Custom,
		DecimalPlaces:   c.DecimalPlaces,
		Logging:         c.Logging,
		LoggingPeriod:   c.LoggingPeriod,
		MinAlarm:        c.MinAlarm,
		MaxAlarm:        c.MaxAlarm,
		MinAlarmValue:   c.MinAlarmValue,
		MaxAlarmValue:   c.MaxAlarmValue,
		MinWarning:      c.MinWarning,
		MaxWarning:      c.MaxWarning,
		MinWarningValue: c.MinWarningValue,
		MaxWarningValue: c.MaxWarningValue,
		IsCounter:       c.IsCounter,
	}
	if c.Unit != "" || c.Type.Numeric() {
		unit := c.Unit
		record.Unit = &unit
	}
	if c.IsCounter {
		mode := c.CounterMode
		record.CounterMode = &mode
	}
	return record
}

// NodeRecord is the persistent representation of a node: the protocol-
// agnostic configuration plus the opaque protocol option and attribute bags.
type NodeRecord struct {
	DeviceID   int
	Name       string
	Protocol   Protocol
	Config     RecordConfig
	Options    json.RawMessage
	Attributes map[string]any
}

// MeterRecord is the persistent representation of an energy meter and its
// nodes.
type MeterRecord struct {
	ID                   int
	Name                 string
	Protocol             Protocol
	Type                 MeterType
	Options              MeterOptions
	CommunicationOptions json.RawMessage
	Nodes                []NodeRecord
}

// NodeConfigFromRecord builds the runtime configuration from a persisted
// record and the internal type inferred from the protocol options.
func NodeConfigFromRecord(record NodeRecord, internalType NodeType) (*NodeConfig, error) {
	config := &NodeConfig{
		Name:            record.Name,
		Type:            internalType,
		Protocol:        record.Protocol,
		Enabled:         record.Config.Enabled,
		Publish:         record.Config.Publish,
		Calculated:      record.Config.Calculated,
		Custom:          record.Config.Custom,
		DecimalPlaces:   record.Config.DecimalPlaces,
		Logging:         record.Config.Logging,
		LoggingPeriod:   record.Config.LoggingPeriod,
		MinAlarm:        record.Config.MinAlarm,
		MaxAlarm:        record.Config.MaxAlarm,
		MinAlarmValue:   record.Config.MinAlarmValue,
		MaxAlarmValue:   record.Config.MaxAlarmValue,
		MinWarning:      record.Config.MinWarning,
		MaxWarning:      record.Config.MaxWarning,
		MinWarningValue: record.Config.MinWarningValue,
		MaxWarningValue: record.Config.MaxWarningValue,
		IsCounter:       record.Config.IsCounter,
	}

	if record.Config.Unit != nil {
		config.Unit = *record.Config.Unit
	}
	if record.Config.CounterMode != nil {
		config.CounterMode = *record.Config.CounterMode
	}

	phase, ok := record.Attributes["phase"].(string)
	if !ok {
		return nil, fmt.Errorf("node %q: missing phase attribute", record.Name)
	}
	config.Attributes = NodeAttributes{Phase: Phase(phase)}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

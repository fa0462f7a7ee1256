// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// nodeConfigSchema validates the persisted node configuration bag before it
// is unmarshalled, so corrupted rows fail loudly at load time instead of
// producing half-initialized nodes.
const nodeConfigSchema = `{
	"type": "object",
	"required": [
		"enabled", "unit", "publish", "calculated", "custom",
		"decimal_places", "logging", "logging_period",
		"min_alarm", "max_alarm", "min_alarm_value", "max_alarm_value",
		"min_warning", "max_warning", "min_warning_value", "max_warning_value",
		"is_counter", "counter_mode"
	],
	"properties": {
		"enabled":           {"type": "boolean"},
		"unit":              {"type": ["string", "null"]},
		"publish":           {"type": "boolean"},
		"calculated":        {"type": "boolean"},
		"custom":            {"type": "boolean"},
		"decimal_places":    {"type": ["integer", "null"]},
		"logging":           {"type": "boolean"},
		"logging_period":    {"type": "integer"},
		"min_alarm":         {"type": "boolean"},
		"max_alarm":         {"type": "boolean"},
		"min_alarm_value":   {"type": ["number", "null"]},
		"max_alarm_value":   {"type": ["number", "null"]},
		"min_warning":       {"type": "boolean"},
		"max_warning":       {"type": "boolean"},
		"min_warning_value": {"type": ["number", "null"]},
		"max_warning_value": {"type": ["number", "null"]},
		"is_counter":        {"type": "boolean"},
		"counter_mode":      {"type": ["string", "null"], "enum": ["DIRECT", "DELTA", "CUMULATIVE", null]}
	},
	"additionalProperties": false
}`

// meterOptionsSchema validates the persisted meter option bag.
const meterOptionsSchema = `{
	"type": "object",
	"required": [
		"read_energy_from_meter",
		"read_separate_forward_reverse_energy",
		"negative_reactive_power",
		"frequency_reading"
	],
	"properties": {
		"read_energy_from_meter":               {"type": "boolean"},
		"read_separate_forward_reverse_energy": {"type": "boolean"},
		"negative_reactive_power":              {"type": "boolean"},
		"frequency_reading":                    {"type": "boolean"}
	},
	"additionalProperties": false
}`

// attributesSchema validates the persisted node attribute bag.
const attributesSchema = `{
	"type": "object",
	"required": ["phase"],
	"properties": {
		"phase": {"type": "string", "enum": ["L1", "L2", "L3", "Total", "General", "Singlephase"]}
	},
	"additionalProperties": false
}`

// validateSchema validates a JSON document against an inline schema and
// folds the individual violations into one error.
func validateSchema(schema, document string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewStringLoader(document),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid document: %s", strings.Join(details, "; "))
	}
	return nil
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// NodeAttributes holds domain-level metadata attached to a node. The phase is
// merged into every publish payload.
type NodeAttributes struct {
	Phase Phase `json:"phase"`
}

// Map returns the attributes as a publishable map.
func (a NodeAttributes) Map() map[string]any {
	return map[string]any{"phase": string(a.Phase)}
}

// NodeConfig is the runtime configuration of a single node. It defines how
// the node's value is interpreted, displayed, logged, published and
// monitored. The type is immutable after creation.
type NodeConfig struct {
	Name     string
	Type     NodeType
	Protocol Protocol

	// Unit is the SI-prefixed unit string. Empty for BOOL/STRING nodes and
	// for dimensionless quantities (power factor).
	Unit string

	Enabled    bool
	Publish    bool
	Calculated bool
	Custom     bool

	IsCounter   bool
	CounterMode CounterMode // set iff IsCounter

	// DecimalPlaces is the formatting precision; set iff Type is FLOAT.
	DecimalPlaces *int

	Logging       bool
	LoggingPeriod int // minutes between log snapshots

	MinAlarm        bool
	MaxAlarm        bool
	MinAlarmValue   *float64
	MaxAlarmValue   *float64
	MinWarning      bool
	MaxWarning      bool
	MinWarningValue *float64
	MaxWarningValue *float64

	Attributes NodeAttributes
}

// Validate checks the configuration invariants. Any violation makes meter
// construction fail.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return gerrors.NewValidationError("", "node name must not be empty")
	}

	if !c.Protocol.Valid() {
		return gerrors.NewValidationError(c.Name, fmt.Sprintf("invalid protocol %q", c.Protocol))
	}

	if !c.Attributes.Phase.Valid() {
		return gerrors.NewValidationError(c.Name, fmt.Sprintf("invalid phase attribute %q", c.Attributes.Phase))
	}

	if c.Type == TypeBool || c.Type == TypeString {
		if c.IsCounter || c.CounterMode != "" {
			return gerrors.NewValidationError(c.Name, fmt.Sprintf("counter semantics are not valid for %s nodes", c.Type))
		}
		if c.Unit != "" {
			return gerrors.NewValidationError(c.Name, fmt.Sprintf("non-empty unit is not applicable to %s nodes", c.Type))
		}
		if c.MinAlarm || c.MaxAlarm || c.MinWarning || c.MaxWarning ||
			c.MinAlarmValue != nil || c.MaxAlarmValue != nil || c.MinWarningValue != nil || c.MaxWarningValue != nil {
			return gerrors.NewValidationError(c.Name, fmt.Sprintf("alarms and warnings are not supported for %s nodes", c.Type))
		}
	}

	if c.IsCounter {
		switch c.CounterMode {
		case CounterDirect, CounterDelta, CounterCumulative:
		default:
			return gerrors.NewValidationError(c.Name, fmt.Sprintf("invalid counter mode %q", c.CounterMode))
		}
		if c.MinAlarm || c.MaxAlarm || c.MinWarning || c.MaxWarning {
			return gerrors.NewValidationError(c.Name, "alarms and warnings are not applicable to counter nodes")
		}
	} else if c.CounterMode != "" {
		return gerrors.NewValidationError(c.Name, "counter mode is not applicable to non-counter nodes")
	}

	if c.MinAlarm && c.MinAlarmValue == nil {
		return gerrors.NewValidationError(c.Name, "min_alarm is enabled but min_alarm_value is not set")
	}
	if c.MaxAlarm && c.MaxAlarmValue == nil {
		return gerrors.NewValidationError(c.Name, "max_alarm is enabled but max_alarm_value is not set")
	}
	if c.MinWarning && c.MinWarningValue == nil {
		return gerrors.NewValidationError(c.Name, "min_warning is enabled but min_warning_value is not set")
	}
	if c.MaxWarning && c.MaxWarningValue == nil {
		return gerrors.NewValidationError(c.Name, "max_warning is enabled but max_warning_value is not set")
	}

	if c.Logging && c.LoggingPeriod <= 0 {
		return gerrors.NewValidationError(c.Name, fmt.Sprintf("invalid logging period %d, must be a positive number of minutes", c.LoggingPeriod))
	}

	if c.Type == TypeFloat && c.DecimalPlaces == nil {
		return gerrors.NewValidationError(c.Name, "decimal_places must be set for FLOAT nodes")
	}
	if c.Type != TypeFloat && c.DecimalPlaces != nil {
		return gerrors.NewValidationError(c.Name, fmt.Sprintf("decimal_places is not applicable to %s nodes", c.Type))
	}

	return nil
}

// storeVerbatim reports whether counter ingestion should bypass increment
// handling and store incoming values as-is.
//
// DIRECT counters always store verbatim. Calculated CUMULATIVE counters do
// too: the calculator already hands them the final forward-reverse
// difference, so anchoring an initial value would throw the result away.
// Read CUMULATIVE counters anchor on the first observation; DELTA counters
// accumulate.
func (c *NodeConfig) storeVerbatim() bool {
	if c.CounterMode == CounterDirect {
		return true
	}
	return c.CounterMode == CounterCumulative && c.Calculated
}

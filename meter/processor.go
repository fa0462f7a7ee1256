// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
)

// Processor manages the runtime value of one node: ingestion, statistics,
// alarm latches, logging snapshots and publish serialization.
//
// Processors are exclusively owned by their node and are not safe for
// concurrent use; the owning meter serializes access through its cycle.
type Processor interface {
	// Config returns the node configuration the processor was built from.
	Config() *NodeConfig

	// SetValue ingests a new value. A nil value clears the current value
	// (the null sentinel); disabled nodes ignore the call entirely.
	SetValue(v any) error

	// ResetValue clears the value, statistics and directions, and refreshes
	// the timestamp. Alarm latches survive; counter initial values do not.
	ResetValue()

	// ResetAlarms clears all four alarm/warning latches.
	ResetAlarms()

	// SubmitLog produces the log entry for the bucket ending at endTime and
	// resets the processor state for the next bucket.
	SubmitLog(endTime time.Time) bus.LogPoint

	// PublishFormat returns the node's publish payload.
	PublishFormat() map[string]any

	// ExtendedInfo returns the read-only extended information payload.
	ExtendedInfo() map[string]any

	// Value returns the current value. ok is false when the value is unset.
	Value() (v any, ok bool)

	// ElapsedTime returns the seconds elapsed between the two most recent
	// updates; zero before the second update.
	ElapsedTime() float64

	// LastUpdate returns the wall-clock time of the most recent update.
	LastUpdate() (time.Time, bool)

	// LastLogTime returns the end boundary of the last submitted log bucket.
	LastLogTime() (time.Time, bool)

	// SetLastLogTime seeds the logging bucket boundary.
	SetLastLogTime(t time.Time)

	// Healthy reports whether the node holds a value and no latch is set.
	Healthy() bool

	// InAlarm reports whether a min or max alarm latch is set.
	InAlarm() bool

	// InWarning reports whether a min or max warning latch is set.
	InWarning() bool
}

// NumericProcessor is implemented by INT and FLOAT processors. The derived-
// quantity calculator works exclusively through this interface.
type NumericProcessor interface {
	Processor

	// NumericValue returns the current value as float64.
	NumericValue() (float64, bool)

	// Direction returns the sign of the last observed change.
	Direction() ValueDirection

	// Statistics returns the min, max and mean of the current logging
	// bucket. Entries are nil until the first observation.
	Statistics() (minValue, maxValue, meanValue *float64)
}

// AsNumeric returns the processor as a NumericProcessor when the node type
// is numeric.
func AsNumeric(p Processor) (NumericProcessor, bool) {
	np, ok := p.(NumericProcessor)
	return np, ok
}

// baseProcessor carries the state shared by every processor type.
type baseProcessor struct {
	config *NodeConfig

	lastLog    time.Time
	hasLastLog bool

	minAlarmState   bool
	maxAlarmState   bool
	minWarningState bool
	maxWarningState bool

	timestamp    time.Time
	hasTimestamp bool
	elapsed      float64

	// now is swappable for tests.
	now func() time.Time
}

func newBaseProcessor(config *NodeConfig) baseProcessor {
	return baseProcessor{config: config, now: time.Now}
}

func (b *baseProcessor) Config() *NodeConfig { return b.config }

// updateTimestamp records the update time and the elapsed seconds since the
// previous update. The first update observes zero elapsed time.
func (b *baseProcessor) updateTimestamp() {
	current := b.now()
	if !b.hasTimestamp {
		b.elapsed = 0
	} else {
		b.elapsed = current.Sub(b.timestamp).Seconds()
	}
	b.timestamp = current
	b.hasTimestamp = true
}

// refreshTimestamp resets the update clock without registering an elapsed
// interval. Used by value resets.
func (b *baseProcessor) refreshTimestamp() {
	b.timestamp = b.now()
	b.hasTimestamp = true
	b.elapsed = 0
}

func (b *baseProcessor) ElapsedTime() float64 { return b.elapsed }

func (b *baseProcessor) LastUpdate() (time.Time, bool) {
	return b.timestamp, b.hasTimestamp
}

func (b *baseProcessor) LastLogTime() (time.Time, bool) {
	return b.lastLog, b.hasLastLog
}

func (b *baseProcessor) SetLastLogTime(t time.Time) {
	b.lastLog = t
	b.hasLastLog = true
}

func (b *baseProcessor) ResetAlarms() {
	b.minAlarmState = false
	b.maxAlarmState = false
	b.minWarningState = false
	b.maxWarningState = false
}

func (b *baseProcessor) InAlarm() bool {
	return b.minAlarmState || b.maxAlarmState
}

func (b *baseProcessor) InWarning() bool {
	return b.minWarningState || b.maxWarningState
}

// publishBase fills the fields common to all publish payloads: configuration
// metadata, latches for enabled alarms/warnings, and node attributes.
func (b *baseProcessor) publishBase(output map[string]any) map[string]any {
	output["type"] = string(b.config.Type)
	output["unit"] = b.config.Unit
	output["is_counter"] = b.config.IsCounter

	if b.config.MinAlarm {
		output["min_alarm_state"] = b.minAlarmState
	}
	if b.config.MinWarning {
		output["min_warning_state"] = b.minWarningState
	}
	if b.config.MaxAlarm {
		output["max_alarm_state"] = b.maxAlarmState
	}
	if b.config.MaxWarning {
		output["max_warning_state"] = b.maxWarningState
	}

	for name, value := range b.config.Attributes.Map() {
		output[name] = value
	}
	return output
}

// extendedBase fills the extended-info fields shared by all processor types.
func (b *baseProcessor) extendedBase(output map[string]any) map[string]any {
	if b.hasTimestamp {
		output["last_update_date"] = b.timestamp.UTC().Format(time.RFC3339)
	} else {
		output["last_update_date"] = nil
	}
	if b.hasLastLog {
		output["last_reset_date"] = b.lastLog.UTC().Format(time.RFC3339)
	} else {
		output["last_reset_date"] = nil
	}

	if b.config.MinAlarm {
		output["min_alarm_value"] = *b.config.MinAlarmValue
	}
	if b.config.MinWarning {
		output["min_warning_value"] = *b.config.MinWarningValue
	}
	if b.config.MaxAlarm {
		output["max_alarm_value"] = *b.config.MaxAlarmValue
	}
	if b.config.MaxWarning {
		output["max_warning_value"] = *b.config.MaxWarningValue
	}

	output["type"] = string(b.config.Type)
	output["protocol"] = string(b.config.Protocol)
	if b.config.Logging {
		output["logging_period"] = b.config.LoggingPeriod
	}
	return output
}

// logPoint builds the log envelope for the bucket ending at endTime.
func (b *baseProcessor) logPoint(endTime time.Time, fields map[string]any) bus.LogPoint {
	return bus.LogPoint{
		Name:      b.config.Name,
		StartTime: endTime.Add(-time.Duration(b.config.LoggingPeriod) * time.Minute),
		EndTime:   endTime,
		Fields:    fields,
	}
}

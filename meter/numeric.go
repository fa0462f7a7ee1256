// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"
	"math"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// number constrains the backing type of a numeric processor.
type number interface {
	~int64 | ~float64
}

// numericProcessor handles INT and FLOAT nodes: counter accumulation,
// direction tracking, min/max/mean statistics, and alarm/warning latches.
type numericProcessor[T number] struct {
	baseProcessor

	value        *T
	initialValue *T
	direction    ValueDirection

	minValue  *T
	maxValue  *T
	meanSum   float64
	meanCount int
	meanValue *float64
}

// IntProcessor processes INT nodes.
type IntProcessor = numericProcessor[int64]

// FloatProcessor processes FLOAT nodes.
type FloatProcessor = numericProcessor[float64]

// NewIntProcessor creates a processor for an INT node.
func NewIntProcessor(config *NodeConfig) Processor {
	return &numericProcessor[int64]{baseProcessor: newBaseProcessor(config)}
}

// NewFloatProcessor creates a processor for a FLOAT node.
func NewFloatProcessor(config *NodeConfig) Processor {
	return &numericProcessor[float64]{baseProcessor: newBaseProcessor(config)}
}

// toNumber converts an ingested value to the processor's backing type.
// Protocol decoders produce bool, int64, float64 and string; the calculator
// produces float64.
func toNumber[T number](v any) (T, error) {
	switch val := v.(type) {
	case int:
		return T(val), nil
	case int64:
		return T(val), nil
	case float64:
		return T(val), nil
	case float32:
		return T(val), nil
	}
	var zero T
	return zero, fmt.Errorf("value %v (%T) is not numeric", v, v)
}

func (p *numericProcessor[T]) SetValue(v any) error {
	if !p.config.Enabled {
		return nil
	}
	if v == nil {
		p.value = nil
		return nil
	}

	value, err := toNumber[T](v)
	if err != nil {
		return &gerrors.DecodeError{Node: p.config.Name, Reason: err.Error(), Err: err}
	}

	p.updateTimestamp()

	if p.config.IsCounter {
		p.setCounter(value)
	} else {
		p.setMeasurement(value)
	}
	return nil
}

// setCounter ingests a counter observation according to the counter mode.
func (p *numericProcessor[T]) setCounter(value T) {
	switch {
	case p.config.storeVerbatim():
		if p.value != nil {
			p.updateDirection(value - *p.value)
		}
		v := value
		p.value = &v

	case p.config.CounterMode == CounterDelta:
		var current T
		if p.value != nil {
			current = *p.value
		}
		p.updateDirection(value)
		next := current + value
		p.value = &next

	default: // CUMULATIVE: first observation anchors the zero point
		if p.initialValue == nil {
			anchor := value
			p.initialValue = &anchor
			var zero T
			p.value = &zero
			return
		}
		next := value - *p.initialValue
		if p.value != nil {
			p.updateDirection(next - *p.value)
		}
		p.value = &next
	}
}

// setMeasurement ingests a plain measurement: direction, statistics, alarms.
func (p *numericProcessor[T]) setMeasurement(value T) {
	if p.value != nil {
		p.updateDirection(value - *p.value)
	}
	v := value
	p.value = &v
	p.updateStatistics(value)
	p.checkAlarms(value)
}

// updateDirection latches the sign of a change. A zero delta leaves the
// direction untouched.
func (p *numericProcessor[T]) updateDirection(delta T) {
	if delta > 0 {
		p.direction = DirectionPositive
	} else if delta < 0 {
		p.direction = DirectionNegative
	}
}

func (p *numericProcessor[T]) updateStatistics(value T) {
	floatValue := float64(value)
	p.meanSum += floatValue
	p.meanCount++
	mean := p.meanSum / float64(p.meanCount)
	p.meanValue = &mean

	if p.minValue == nil || value < *p.minValue {
		v := value
		p.minValue = &v
	}
	if p.maxValue == nil || value > *p.maxValue {
		v := value
		p.maxValue = &v
	}
}

// checkAlarms sets latches on threshold crossings. Latches are sticky: a
// subsequent in-range value does not clear them.
func (p *numericProcessor[T]) checkAlarms(value T) {
	floatValue := float64(value)

	if p.config.MinAlarm && p.config.MinAlarmValue != nil && floatValue < *p.config.MinAlarmValue {
		p.minAlarmState = true
	}
	if p.config.MaxAlarm && p.config.MaxAlarmValue != nil && floatValue > *p.config.MaxAlarmValue {
		p.maxAlarmState = true
	}
	if p.config.MinWarning && p.config.MinWarningValue != nil && floatValue < *p.config.MinWarningValue {
		p.minWarningState = true
	}
	if p.config.MaxWarning && p.config.MaxWarningValue != nil && floatValue > *p.config.MaxWarningValue {
		p.maxWarningState = true
	}
}

func (p *numericProcessor[T]) ResetValue() {
	p.value = nil
	p.initialValue = nil
	p.direction = DirectionNone
	p.minValue = nil
	p.maxValue = nil
	p.meanSum = 0
	p.meanCount = 0
	p.meanValue = nil
	p.refreshTimestamp()
}

func (p *numericProcessor[T]) Value() (any, bool) {
	if p.value == nil {
		return nil, false
	}
	return *p.value, true
}

func (p *numericProcessor[T]) NumericValue() (float64, bool) {
	if p.value == nil {
		return 0, false
	}
	return float64(*p.value), true
}

func (p *numericProcessor[T]) Direction() ValueDirection {
	return p.direction
}

func (p *numericProcessor[T]) Statistics() (minValue, maxValue, meanValue *float64) {
	if p.minValue != nil {
		v := float64(*p.minValue)
		minValue = &v
	}
	if p.maxValue != nil {
		v := float64(*p.maxValue)
		maxValue = &v
	}
	if p.meanValue != nil {
		v := *p.meanValue
		meanValue = &v
	}
	return minValue, maxValue, meanValue
}

func (p *numericProcessor[T]) Healthy() bool {
	return p.value != nil && !p.InAlarm() && !p.InWarning()
}

// formatValue rounds FLOAT values to the configured decimal places and
// passes INT values through.
func (p *numericProcessor[T]) formatValue(v T) any {
	if p.config.Type == TypeFloat && p.config.DecimalPlaces != nil {
		return roundTo(float64(v), *p.config.DecimalPlaces)
	}
	if p.config.Type == TypeInt {
		return int64(v)
	}
	return float64(v)
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func (p *numericProcessor[T]) PublishFormat() map[string]any {
	output := map[string]any{}
	if p.value != nil {
		output["value"] = p.formatValue(*p.value)
	} else {
		output["value"] = nil
	}
	return p.publishBase(output)
}

func (p *numericProcessor[T]) ExtendedInfo() map[string]any {
	return p.extendedBase(map[string]any{})
}

func (p *numericProcessor[T]) SubmitLog(endTime time.Time) bus.LogPoint {
	fields := map[string]any{}

	if p.config.IsCounter {
		if p.value != nil {
			fields["value"] = p.formatValue(*p.value)
		} else {
			fields["value"] = nil
		}
	} else {
		if p.meanValue != nil {
			fields["mean_value"] = p.formatFloat(*p.meanValue)
		} else {
			fields["mean_value"] = nil
		}
		if p.minValue != nil {
			fields["min_value"] = p.formatValue(*p.minValue)
		} else {
			fields["min_value"] = nil
		}
		if p.maxValue != nil {
			fields["max_value"] = p.formatValue(*p.maxValue)
		} else {
			fields["max_value"] = nil
		}
	}

	point := p.logPoint(endTime, fields)
	p.ResetValue()
	p.SetLastLogTime(endTime)
	return point
}

// formatFloat rounds a float value regardless of the backing type; means of
// INT nodes stay fractional.
func (p *numericProcessor[T]) formatFloat(v float64) any {
	if p.config.DecimalPlaces != nil {
		return roundTo(v, *p.config.DecimalPlaces)
	}
	return v
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"
	"time"

	"github.com/soothill/energy-meter-gateway/pkg/bus"
	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// boolProcessor handles BOOL nodes. Alarms, counters and statistics do not
// apply; ingestion replaces the value.
type boolProcessor struct {
	baseProcessor
	value *bool
}

// NewBoolProcessor creates a processor for a BOOL node.
func NewBoolProcessor(config *NodeConfig) Processor {
	return &boolProcessor{baseProcessor: newBaseProcessor(config)}
}

func (p *boolProcessor) SetValue(v any) error {
	if !p.config.Enabled {
		return nil
	}
	if v == nil {
		p.value = nil
		return nil
	}

	value, ok := v.(bool)
	if !ok {
		return &gerrors.DecodeError{Node: p.config.Name, Reason: fmt.Sprintf("value %v (%T) is not a boolean", v, v)}
	}

	p.updateTimestamp()
	p.value = &value
	return nil
}

func (p *boolProcessor) ResetValue() {
	p.value = nil
	p.refreshTimestamp()
}

func (p *boolProcessor) Value() (any, bool) {
	if p.value == nil {
		return nil, false
	}
	return *p.value, true
}

func (p *boolProcessor) Healthy() bool {
	return p.value != nil
}

func (p *boolProcessor) PublishFormat() map[string]any {
	output := map[string]any{}
	if p.value != nil {
		output["value"] = *p.value
	} else {
		output["value"] = nil
	}
	return p.publishBase(output)
}

func (p *boolProcessor) ExtendedInfo() map[string]any {
	return p.extendedBase(map[string]any{})
}

func (p *boolProcessor) SubmitLog(endTime time.Time) bus.LogPoint {
	fields := map[string]any{}
	if p.value != nil {
		fields["value"] = *p.value
	} else {
		fields["value"] = nil
	}

	point := p.logPoint(endTime, fields)
	p.ResetValue()
	p.SetLastLogTime(endTime)
	return point
}

// stringProcessor handles STRING nodes, including the derived power-factor
// direction nodes.
type stringProcessor struct {
	baseProcessor
	value *string
}

// NewStringProcessor creates a processor for a STRING node.
func NewStringProcessor(config *NodeConfig) Processor {
	return &stringProcessor{baseProcessor: newBaseProcessor(config)}
}

func (p *stringProcessor) SetValue(v any) error {
	if !p.config.Enabled {
		return nil
	}
	if v == nil {
		p.value = nil
		return nil
	}

	var value string
	switch val := v.(type) {
	case string:
		value = val
	case PowerFactorDirection:
		value = string(val)
	default:
		return &gerrors.DecodeError{Node: p.config.Name, Reason: fmt.Sprintf("value %v (%T) is not a string", v, v)}
	}

	p.updateTimestamp()
	p.value = &value
	return nil
}

func (p *stringProcessor) ResetValue() {
	p.value = nil
	p.refreshTimestamp()
}

func (p *stringProcessor) Value() (any, bool) {
	if p.value == nil {
		return nil, false
	}
	return *p.value, true
}

func (p *stringProcessor) Healthy() bool {
	return p.value != nil
}

func (p *stringProcessor) PublishFormat() map[string]any {
	output := map[string]any{}
	if p.value != nil {
		output["value"] = *p.value
	} else {
		output["value"] = nil
	}
	return p.publishBase(output)
}

func (p *stringProcessor) ExtendedInfo() map[string]any {
	return p.extendedBase(map[string]any{})
}

func (p *stringProcessor) SubmitLog(endTime time.Time) bus.LogPoint {
	fields := map[string]any{}
	if p.value != nil {
		fields["value"] = *p.value
	} else {
		fields["value"] = nil
	}

	point := p.logPoint(endTime, fields)
	p.ResetValue()
	p.SetLastLogTime(endTime)
	return point
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package opcuameter

import (
	"fmt"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// convertValue maps a raw OPC UA variant value to the node's configured
// type. OPC UA servers return width-specific scalars (Int16, UInt32,
// Float, Double, ...), which are normalized here before ingestion.
func convertValue(node string, nodeType NodeType, raw any) (any, error) {
	switch nodeType {
	case TypeFloat:
		value, ok := toFloat(raw)
		if !ok {
			return nil, gerrors.NewDecodeError(node, fmt.Sprintf("value %v (%T) is not convertible to float", raw, raw))
		}
		return value, nil

	case TypeInt:
		value, ok := toInt(raw)
		if !ok {
			return nil, gerrors.NewDecodeError(node, fmt.Sprintf("value %v (%T) is not convertible to int", raw, raw))
		}
		return value, nil

	case TypeBool:
		value, ok := raw.(bool)
		if !ok {
			return nil, gerrors.NewDecodeError(node, fmt.Sprintf("value %v (%T) is not a boolean", raw, raw))
		}
		return value, nil

	case TypeString:
		value, ok := raw.(string)
		if !ok {
			return nil, gerrors.NewDecodeError(node, fmt.Sprintf("value %v (%T) is not a string", raw, raw))
		}
		return value, nil
	}
	return nil, gerrors.NewDecodeError(node, fmt.Sprintf("unknown opc ua node type %q", nodeType))
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"context"
	"time"
)

// TimeSpan bounds a historical query. When Formatted is set, results are
// bucketed into StepMinutes-wide aligned intervals with gap filling.
type TimeSpan struct {
	Start       time.Time
	End         time.Time
	Formatted   bool
	StepMinutes int
}

// NodeLogs is the result of a node log query: metadata, time-series points
// and aggregate metrics over the span.
type NodeLogs struct {
	Unit          *string          `json:"unit"`
	DecimalPlaces *int             `json:"decimal_places"`
	Type          NodeType         `json:"type"`
	IsCounter     *bool            `json:"is_counter"`
	Points        []map[string]any `json:"points"`
	StepMinutes   int              `json:"time_step"`
	GlobalMetrics map[string]any   `json:"global_metrics"`
}

// LogQuerier reads persisted node logs. The time-series store implements it;
// the extraction helpers treat it as an opaque read-only service.
type LogQuerier interface {
	NodeLogs(ctx context.Context, deviceName string, deviceID int, node *Node, span TimeSpan) (NodeLogs, error)
}

// EnergyDevice is the slice of a meter the extraction helpers need.
type EnergyDevice interface {
	ID() int
	Name() string
	Nodes() *MeterNodes
}

// alignedBuckets slices the span into StepMinutes-wide intervals aligned to
// the step boundary.
func alignedBuckets(span TimeSpan) [][2]time.Time {
	if !span.Formatted || span.StepMinutes <= 0 || !span.End.After(span.Start) {
		return nil
	}

	step := time.Duration(span.StepMinutes) * time.Minute
	start := span.Start.Truncate(step)

	var buckets [][2]time.Time
	for t := start; t.Before(span.End); t = t.Add(step) {
		buckets = append(buckets, [2]time.Time{t, t.Add(step)})
	}
	return buckets
}

// emptyLogPoints generates placeholder points with null values for every
// aligned bucket, so callers always see a uniform schema when a node does
// not exist.
func emptyLogPoints(numeric, counter bool, span TimeSpan) []map[string]any {
	points := []map[string]any{}
	for _, bucket := range alignedBuckets(span) {
		point := map[string]any{
			"start_time": bucket[0].UTC().Format(isoMinutes),
			"end_time":   bucket[1].UTC().Format(isoMinutes),
		}
		if numeric && !counter {
			point["mean_value"] = nil
			point["min_value"] = nil
			point["max_value"] = nil
		} else {
			point["value"] = nil
		}
		points = append(points, point)
	}
	return points
}

const isoMinutes = "2006-01-02T15:04"

// emptyGlobalMetrics generates placeholder aggregates matching the point
// schema.
func emptyGlobalMetrics(numeric, counter bool) map[string]any {
	if numeric && !counter {
		return map[string]any{
			"mean_value":           nil,
			"min_value":            nil,
			"max_value":            nil,
			"min_value_start_time": nil,
			"min_value_end_time":   nil,
			"max_value_start_time": nil,
			"max_value_end_time":   nil,
		}
	}
	return map[string]any{"value": nil}
}

// emptyNodeLogs builds the placeholder structure returned when a required
// node does not exist on the device.
func emptyNodeLogs(nodeType NodeType, counter *bool, decimalPlaces *int, span TimeSpan) NodeLogs {
	isCounter := counter != nil && *counter
	return NodeLogs{
		Type:          nodeType,
		IsCounter:     counter,
		DecimalPlaces: decimalPlaces,
		Points:        emptyLogPoints(nodeType.Numeric(), isCounter, span),
		StepMinutes:   span.StepMinutes,
		GlobalMetrics: emptyGlobalMetrics(nodeType.Numeric(), isCounter),
	}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// EnergyConsumption composes active and reactive energy series for one
// device, phase and direction over a span, and derives per-point and global
// power factor plus direction from them.
//
// Missing nodes do not raise errors; empty structures with the correct shape
// are returned instead so callers see a uniform schema.
func EnergyConsumption(
	ctx context.Context,
	device EnergyDevice,
	phase Phase,
	direction NodeDirection,
	querier LogQuerier,
	span TimeSpan,
) (map[string]any, error) {
	activeName := NodeName("active_energy", phase, direction)
	reactiveName := NodeName("reactive_energy", phase, direction)
	pfName := NodeName("power_factor", phase, DirectionTotal)

	nodes := device.Nodes()

	activeLogs := queryOrEmpty(ctx, device, querier, nodes.Get(activeName), span, TypeFloat, boolPtr(true), nil)
	reactiveLogs := queryOrEmpty(ctx, device, querier, nodes.Get(reactiveName), span, TypeFloat, boolPtr(true), nil)

	// Default to two decimal places when the device has no power-factor node
	// to take the configuration from.
	pfDecimals := intPtr(2)
	if pfNode := nodes.Get(pfName); pfNode != nil && pfNode.Config.DecimalPlaces != nil {
		pfDecimals = pfNode.Config.DecimalPlaces
	}

	pfLogs := NodeLogs{
		Type:          TypeFloat,
		IsCounter:     boolPtr(false),
		DecimalPlaces: pfDecimals,
		Points:        emptyLogPoints(true, true, span),
		StepMinutes:   span.StepMinutes,
		GlobalMetrics: emptyGlobalMetrics(false, false),
	}
	pfDirectionLogs := NodeLogs{
		Type:          TypeString,
		Points:        emptyLogPoints(false, false, span),
		StepMinutes:   span.StepMinutes,
		GlobalMetrics: emptyGlobalMetrics(false, false),
	}

	if span.Formatted {
		pfLogs.Points = pfLogs.Points[:0]
		pfDirectionLogs.Points = pfDirectionLogs.Points[:0]

		count := len(activeLogs.Points)
		if len(reactiveLogs.Points) < count {
			count = len(reactiveLogs.Points)
		}
		for i := 0; i < count; i++ {
			activePoint := activeLogs.Points[i]
			reactivePoint := reactiveLogs.Points[i]

			pf, pfDirection := PFFromEnergies(numericField(activePoint, "value"), numericField(reactivePoint, "value"))

			pfPoint := map[string]any{
				"start_time": activePoint["start_time"],
				"end_time":   activePoint["end_time"],
			}
			dirPoint := map[string]any{
				"start_time": activePoint["start_time"],
				"end_time":   activePoint["end_time"],
			}
			if pf != nil {
				pfPoint["value"] = roundTo(*pf, *pfDecimals)
			} else {
				pfPoint["value"] = nil
			}
			if pfDirection != nil {
				dirPoint["value"] = string(*pfDirection)
			} else {
				dirPoint["value"] = nil
			}
			pfLogs.Points = append(pfLogs.Points, pfPoint)
			pfDirectionLogs.Points = append(pfDirectionLogs.Points, dirPoint)
		}
	}

	globalPF, globalDirection := PFFromEnergies(
		numericField(activeLogs.GlobalMetrics, "value"),
		numericField(reactiveLogs.GlobalMetrics, "value"),
	)
	if globalPF != nil {
		pfLogs.GlobalMetrics["value"] = roundTo(*globalPF, *pfDecimals)
	}
	if globalDirection != nil {
		pfDirectionLogs.GlobalMetrics["value"] = string(*globalDirection)
	}

	return map[string]any{
		"active_energy":          activeLogs,
		"reactive_energy":        reactiveLogs,
		"power_factor":           pfLogs,
		"power_factor_direction": pfDirectionLogs,
	}, nil
}

// queryOrEmpty queries logs for a node or returns the empty placeholder
// structure when the node does not exist or the query fails.
func queryOrEmpty(
	ctx context.Context,
	device EnergyDevice,
	querier LogQuerier,
	node *Node,
	span TimeSpan,
	fallbackType NodeType,
	fallbackCounter *bool,
	fallbackDecimals *int,
) NodeLogs {
	if node == nil || querier == nil {
		return emptyNodeLogs(fallbackType, fallbackCounter, fallbackDecimals, span)
	}
	logs, err := querier.NodeLogs(ctx, device.Name(), device.ID(), node, span)
	if err != nil {
		return emptyNodeLogs(node.Config.Type, boolPtr(node.Config.IsCounter), node.Config.DecimalPlaces, span)
	}
	return logs
}

// numericField extracts a float field from a point map, tolerating int and
// json.Number-free decodings.
func numericField(point map[string]any, key string) *float64 {
	if point == nil {
		return nil
	}
	switch v := point[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

// validNodeBaseNames is the closed vocabulary of non-custom node base names
// (after stripping phase and direction prefixes).
var validNodeBaseNames = map[string]struct{}{
	"voltage":                 {},
	"current":                 {},
	"active_power":            {},
	"reactive_power":          {},
	"apparent_power":          {},
	"power_factor":            {},
	"power_factor_direction":  {},
	"frequency":               {},
	"active_energy":           {},
	"reactive_energy":         {},
	"forward_active_energy":   {},
	"reverse_active_energy":   {},
	"forward_reactive_energy": {},
	"reverse_reactive_energy": {},
}

// validUnits maps base names to their allowed unit sets.
var validUnits = map[string]map[string]struct{}{
	"voltage":                 {"V": {}},
	"current":                 {"mA": {}, "A": {}},
	"active_power":            {"W": {}, "kW": {}},
	"reactive_power":          {"VAr": {}, "kVAr": {}},
	"apparent_power":          {"VA": {}, "kVA": {}},
	"power_factor":            {"": {}},
	"power_factor_direction":  {"": {}},
	"frequency":               {"Hz": {}},
	"active_energy":           {"Wh": {}, "kWh": {}},
	"reactive_energy":         {"VArh": {}, "kVArh": {}},
	"forward_active_energy":   {"Wh": {}, "kWh": {}},
	"reverse_active_energy":   {"Wh": {}, "kWh": {}},
	"forward_reactive_energy": {"VArh": {}, "kVArh": {}},
	"reverse_reactive_energy": {"VArh": {}, "kVArh": {}},
}

// loggingCategories groups node-name suffixes whose logging periods must
// agree. Downstream bucketing assumes aligned cadences per category.
var loggingCategories = map[string][]string{
	"energy":    {"_energy"},
	"power":     {"_power", "power_factor", "power_factor_direction"},
	"voltage":   {"voltage"},
	"current":   {"current"},
	"frequency": {"frequency"},
}

// MeterNodes validates and manages the node set of one energy meter. Nodes
// are indexed by name for fast access from the calculation engine.
type MeterNodes struct {
	MeterType MeterType
	Options   MeterOptions
	Nodes     map[string]*Node
}

// NewMeterNodes indexes the given nodes by name. No validation is performed
// here; call Validate after construction.
func NewMeterNodes(meterType MeterType, options MeterOptions, nodes []*Node) *MeterNodes {
	indexed := make(map[string]*Node, len(nodes))
	for _, node := range nodes {
		indexed[node.Config.Name] = node
	}
	return &MeterNodes{MeterType: meterType, Options: options, Nodes: indexed}
}

// Get returns the node with the given name, or nil.
func (m *MeterNodes) Get(name string) *Node {
	return m.Nodes[name]
}

// numericValue returns the numeric value of the named node. ok is false when
// the node does not exist, is not numeric, or holds no value.
func (m *MeterNodes) numericValue(name string) (value float64, node *Node, ok bool) {
	node = m.Nodes[name]
	if node == nil {
		return 0, nil, false
	}
	np, isNumeric := AsNumeric(node.Processor)
	if !isNumeric {
		return 0, node, false
	}
	value, ok = np.NumericValue()
	return value, node, ok
}

// phases returns the phase prefixes the meter's node names may carry:
// the empty prefix for single-phase meters, per-phase and total prefixes
// for three-phase ones.
func (m *MeterNodes) phases() []string {
	if m.MeterType == SinglePhase {
		return []string{""}
	}
	return []string{"l1_", "l2_", "l3_", "total_"}
}

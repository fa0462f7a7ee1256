// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"
	"strings"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// stripDirection removes a leading forward_/reverse_ token from a base name.
func stripDirection(base string) string {
	base = strings.TrimPrefix(base, "forward_")
	return strings.TrimPrefix(base, "reverse_")
}

// Validate performs comprehensive validation of the meter's node set: names
// and units against the vocabulary, calculation dependencies per phase, and
// logging-period consistency per category. Validation is total; any error
// prevents meter creation.
//
// As a side effect, every calculated node has its DerivedKind resolved so
// the cycle loop dispatches without string scanning.
func (m *MeterNodes) Validate() error {
	if !m.MeterType.Valid() {
		return gerrors.NewValidationError("", fmt.Sprintf("invalid meter type %q", m.MeterType))
	}

	for _, node := range m.Nodes {
		if err := validateNodeName(node); err != nil {
			return err
		}
		if node.Config.Calculated && node.Config.Enabled {
			node.Derived = DeriveKind(node.Config.Name)
		}
	}

	for _, phase := range m.phases() {
		for _, energyKind := range []string{"active", "reactive"} {
			for _, direction := range []NodeDirection{DirectionForward, DirectionReverse, DirectionTotal} {
				if err := m.validateEnergyNode(phase, energyKind, direction); err != nil {
					return err
				}
			}
		}
		for _, powerKind := range []string{"active", "reactive", "apparent"} {
			if err := m.validatePowerNode(phase, powerKind); err != nil {
				return err
			}
		}
		if err := m.validatePFNode(phase); err != nil {
			return err
		}
		if err := m.validatePFDirectionNode(phase); err != nil {
			return err
		}
	}

	return m.validateLoggingConsistency()
}

// validateNodeName checks the base name against the allowed vocabulary and
// the unit against the per-base allowed set. Custom nodes bypass both.
func validateNodeName(node *Node) error {
	if node.Config.Custom {
		return nil
	}

	base := StripPhase(node.Config.Name)
	if _, ok := validNodeBaseNames[base]; !ok {
		return gerrors.NewValidationError(node.Config.Name, fmt.Sprintf("unknown node with type %s", node.Config.Type))
	}

	units, ok := validUnits[base]
	if !ok {
		return gerrors.NewValidationError(node.Config.Name, "no valid units defined for node")
	}
	if _, ok := units[node.Config.Unit]; !ok {
		return gerrors.NewValidationError(node.Config.Name,
			fmt.Sprintf("invalid unit %q, expected one of %v", node.Config.Unit, unitNames(units)))
	}
	return nil
}

func unitNames(units map[string]struct{}) []string {
	names := make([]string, 0, len(units))
	for name := range units {
		names = append(names, name)
	}
	return names
}

// validateEnergyNode enforces that energy nodes are non-custom counters and
// that calculated energy nodes have the inputs their counter mode needs.
func (m *MeterNodes) validateEnergyNode(phase, energyKind string, direction NodeDirection) error {
	name := phase + direction.Prefix() + energyKind + "_energy"
	node := m.Nodes[name]
	if node == nil {
		return nil
	}

	if !node.Config.IsCounter || node.Config.Custom {
		return gerrors.NewValidationError(name, "energy nodes must be counters and not custom variables")
	}

	if !node.Config.Calculated {
		return nil
	}

	if direction != DirectionTotal {
		return gerrors.NewValidationError(name,
			fmt.Sprintf("energy node with direction %s cannot be a calculated variable", direction))
	}

	if m.MeterType == ThreePhase && phase == "total_" {
		var missing []string
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			phaseName := p + energyKind + "_energy"
			if m.Nodes[phaseName] == nil {
				missing = append(missing, phaseName)
			}
		}
		if len(missing) > 0 {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("missing phase energy nodes for calculation: %s", strings.Join(missing, ", ")))
		}
		return nil
	}

	switch node.Config.CounterMode {
	case CounterCumulative:
		forward := m.Nodes[phase+"forward_"+energyKind+"_energy"]
		reverse := m.Nodes[phase+"reverse_"+energyKind+"_energy"]
		if forward == nil || reverse == nil {
			return gerrors.NewValidationError(name, "missing forward and reverse energy nodes for calculation")
		}
	case CounterDelta:
		if m.Nodes[phase+energyKind+"_power"] == nil {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("missing node for calculation: expected %s%s_power", phase, energyKind))
		}
	default:
		return gerrors.NewValidationError(name,
			fmt.Sprintf("counter mode %q is not supported for calculation", node.Config.CounterMode))
	}
	return nil
}

// validatePowerNode checks that calculated power nodes have one of the
// documented input combinations available.
func (m *MeterNodes) validatePowerNode(phase, powerKind string) error {
	name := phase + powerKind + "_power"
	node := m.Nodes[name]
	if node == nil || !node.Config.Calculated || node.Config.Custom {
		return nil
	}

	if m.MeterType == ThreePhase && phase == "total_" {
		var missing []string
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			phaseName := p + powerKind + "_power"
			if m.Nodes[phaseName] == nil {
				missing = append(missing, phaseName)
			}
		}
		if len(missing) > 0 {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("missing phase power nodes for calculation: %s", strings.Join(missing, ", ")))
		}
		return nil
	}

	v := m.Nodes[phase+"voltage"]
	i := m.Nodes[phase+"current"]
	pf := m.Nodes[phase+"power_factor"]
	p := m.Nodes[phase+"active_power"]
	q := m.Nodes[phase+"reactive_power"]
	s := m.Nodes[phase+"apparent_power"]

	switch powerKind {
	case "active":
		if (v != nil && i != nil && pf != nil) || (s != nil && q != nil) {
			return nil
		}
	case "reactive":
		if (v != nil && i != nil && pf != nil) || (s != nil && p != nil) {
			return nil
		}
	case "apparent":
		if (v != nil && i != nil) || (p != nil && q != nil) {
			return nil
		}
	}
	return gerrors.NewValidationError(name, "missing nodes for calculation: check dependencies")
}

// validatePFNode checks that calculated power-factor nodes have active and
// reactive power available for their phase.
func (m *MeterNodes) validatePFNode(phase string) error {
	name := phase + "power_factor"
	node := m.Nodes[name]
	if node == nil || !node.Config.Calculated || node.Config.Custom {
		return nil
	}

	if m.MeterType == ThreePhase && phase == "total_" {
		var missing []string
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			if m.Nodes[p+"active_power"] == nil {
				missing = append(missing, p+"active_power")
			}
			if m.Nodes[p+"reactive_power"] == nil {
				missing = append(missing, p+"reactive_power")
			}
		}
		if len(missing) > 0 {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("missing nodes for calculation: %s", strings.Join(missing, ", ")))
		}
		return nil
	}

	if m.Nodes[phase+"active_power"] == nil || m.Nodes[phase+"reactive_power"] == nil {
		return gerrors.NewValidationError(name,
			fmt.Sprintf("missing nodes for calculation: expected %sactive_power and %sreactive_power", phase, phase))
	}
	return nil
}

// validatePFDirectionNode checks that calculated power-factor-direction
// nodes have the inputs their configured source needs. When neither meter
// option provides a source the node is valid and resolves to UNKNOWN at
// runtime.
func (m *MeterNodes) validatePFDirectionNode(phase string) error {
	name := phase + "power_factor_direction"
	node := m.Nodes[name]
	if node == nil || !node.Config.Calculated || node.Config.Custom {
		return nil
	}

	if m.Options.NegativeReactivePower {
		if m.Nodes[phase+"reactive_power"] == nil {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("negative_reactive_power requires %sreactive_power", phase))
		}
		return nil
	}
	if m.Options.ReadSeparateForwardReverseEnergy {
		if m.Nodes[phase+"reactive_energy"] == nil {
			return gerrors.NewValidationError(name,
				fmt.Sprintf("read_separate_forward_reverse_energy requires %sreactive_energy", phase))
		}
	}
	return nil
}

// validateLoggingConsistency groups non-custom logging-enabled nodes by
// measurement category and requires equal logging periods within each group.
func (m *MeterNodes) validateLoggingConsistency() error {
	for category, suffixes := range loggingCategories {
		var group []*Node
		for _, node := range m.Nodes {
			if node.Config.Custom || !node.Config.Logging {
				continue
			}
			for _, suffix := range suffixes {
				if strings.HasSuffix(node.Config.Name, suffix) {
					group = append(group, node)
					break
				}
			}
		}
		if len(group) == 0 {
			continue
		}

		expected := group[0].Config.LoggingPeriod
		var mismatched []string
		for _, node := range group[1:] {
			if node.Config.LoggingPeriod != expected {
				mismatched = append(mismatched, fmt.Sprintf("%s=%dmin", node.Config.Name, node.Config.LoggingPeriod))
			}
		}
		if len(mismatched) > 0 {
			return gerrors.NewValidationError(group[0].Config.Name,
				fmt.Sprintf("inconsistent logging periods in %s group: expected %dmin in node %s, got: %s",
					category, expected, group[0].Config.Name, strings.Join(mismatched, ", ")))
		}
	}
	return nil
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package meter

import (
	"fmt"
	"math"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
	"github.com/soothill/energy-meter-gateway/pkg/units"
)

// calculate dispatches one calculated node through its derived kind. All
// intermediate arithmetic runs in base units; results are scaled back to the
// target node's unit.
func (m *MeterNodes) calculate(node *Node) error {
	prefix := PhasePrefix(node.Config.Name)

	switch node.Derived {
	case DerivedActiveEnergy:
		return m.calculateEnergy(prefix, "active", node)
	case DerivedReactiveEnergy:
		return m.calculateEnergy(prefix, "reactive", node)
	case DerivedActivePower:
		return m.calculatePower(prefix, "active", node)
	case DerivedReactivePower:
		return m.calculatePower(prefix, "reactive", node)
	case DerivedApparentPower:
		return m.calculatePower(prefix, "apparent", node)
	case DerivedPowerFactor:
		return m.calculatePF(prefix, node)
	case DerivedPowerFactorDirection:
		return m.calculatePFDirection(prefix, node)
	}
	return gerrors.NewCalculationError(node.Config.Name, fmt.Errorf("no calculation method for node"))
}

// scaledValue returns the named node's value in base units. ok is false when
// the node is absent, non-numeric or holds no value.
func (m *MeterNodes) scaledValue(name string) (float64, bool) {
	value, node, ok := m.numericValue(name)
	if !ok {
		return 0, false
	}
	return units.ScaleIn(value, node.Config.Unit), true
}

// setScaled stores a base-unit result on the target node, scaled out to its
// unit.
func setScaled(node *Node, baseValue float64) error {
	return node.Processor.SetValue(units.ScaleOut(baseValue, node.Config.Unit))
}

// calculateEnergy fills an energy node from the available inputs:
//
//   - total_ phase: sum of the three per-phase energies; null if any phase
//     is null.
//   - CUMULATIVE target: forward minus reverse energy; unchanged if either
//     is null.
//   - DELTA target: power integrated over the power node's read cycle;
//     unchanged if the power is null.
func (m *MeterNodes) calculateEnergy(prefix, energyKind string, node *Node) error {
	if prefix == "total_" {
		total := 0.0
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			value, ok := m.scaledValue(p + energyKind + "_energy")
			if !ok {
				return node.Processor.SetValue(nil)
			}
			total += value
		}
		return setScaled(node, total)
	}

	switch node.Config.CounterMode {
	case CounterCumulative:
		forward, forwardOK := m.scaledValue(prefix + "forward_" + energyKind + "_energy")
		reverse, reverseOK := m.scaledValue(prefix + "reverse_" + energyKind + "_energy")
		if !forwardOK || !reverseOK {
			return nil
		}
		return setScaled(node, forward-reverse)

	case CounterDelta:
		powerName := prefix + energyKind + "_power"
		power, ok := m.scaledValue(powerName)
		if !ok {
			return nil
		}
		powerNode := m.Nodes[powerName]
		elapsedHours := powerNode.Processor.ElapsedTime() / 3600.0
		return setScaled(node, power*elapsedHours)
	}
	return nil
}

// calculatePower fills a power node. Derivation from two other powers takes
// priority over derivation from voltage and current. A negative square-root
// argument leaves the target null: a physical inconsistency is not silently
// clamped.
func (m *MeterNodes) calculatePower(prefix, powerKind string, node *Node) error {
	if prefix == "total_" {
		total := 0.0
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			value, ok := m.scaledValue(p + powerKind + "_power")
			if !ok {
				return node.Processor.SetValue(nil)
			}
			total += value
		}
		return setScaled(node, total)
	}

	voltage, voltageOK := m.scaledValue(prefix + "voltage")
	current, currentOK := m.scaledValue(prefix + "current")
	pf, pfOK := m.scaledValue(prefix + "power_factor")
	active, activeOK := m.scaledValue(prefix + "active_power")
	reactive, reactiveOK := m.scaledValue(prefix + "reactive_power")
	apparent, apparentOK := m.scaledValue(prefix + "apparent_power")

	var result *float64

	switch powerKind {
	case "apparent":
		if activeOK && reactiveOK {
			v := math.Sqrt(active*active + reactive*reactive)
			result = &v
		} else if voltageOK && currentOK {
			v := voltage * current
			result = &v
		}

	case "active":
		if apparentOK && reactiveOK {
			arg := apparent*apparent - reactive*reactive
			if arg >= 0 {
				v := math.Sqrt(arg)
				result = &v
			}
		} else if voltageOK && currentOK && pfOK {
			v := voltage * current * pf
			result = &v
		}

	case "reactive":
		if apparentOK && activeOK {
			arg := apparent*apparent - active*active
			if arg >= 0 {
				v := math.Sqrt(arg)
				result = &v
			}
		} else if voltageOK && currentOK && pfOK && pf >= -1 && pf <= 1 {
			v := voltage * current * math.Sin(math.Acos(pf))
			result = &v
		}
	}

	if result == nil {
		return node.Processor.SetValue(nil)
	}
	return setScaled(node, *result)
}

// calculatePF fills a power-factor node from active and reactive power.
// PF is cos(atan(Q/P)), zero when P is zero. For total_, the three phase
// powers are summed in base units first; any null phase nulls the result.
func (m *MeterNodes) calculatePF(prefix string, node *Node) error {
	if prefix == "total_" {
		totalActive := 0.0
		totalReactive := 0.0
		for _, p := range []string{"l1_", "l2_", "l3_"} {
			active, activeOK := m.scaledValue(p + "active_power")
			reactive, reactiveOK := m.scaledValue(p + "reactive_power")
			if !activeOK || !reactiveOK {
				return node.Processor.SetValue(nil)
			}
			totalActive += active
			totalReactive += reactive
		}
		if totalActive == 0 {
			return node.Processor.SetValue(0.0)
		}
		return node.Processor.SetValue(math.Cos(math.Atan(totalReactive / totalActive)))
	}

	active, activeOK := m.scaledValue(prefix + "active_power")
	reactive, reactiveOK := m.scaledValue(prefix + "reactive_power")
	if !activeOK || !reactiveOK {
		return node.Processor.SetValue(nil)
	}

	if active == 0 {
		return node.Processor.SetValue(0.0)
	}
	return node.Processor.SetValue(math.Cos(math.Atan(reactive / active)))
}

// calculatePFDirection fills a power-factor-direction node. Precedence:
//
//  1. negative_reactive_power: the sign of Q decides lagging vs leading.
//  2. read_separate_forward_reverse_energy: the reactive-energy node's last
//     observed direction decides.
//  3. Otherwise the direction is unknown.
func (m *MeterNodes) calculatePFDirection(prefix string, node *Node) error {
	if m.Options.NegativeReactivePower {
		reactive, ok := m.scaledValue(prefix + "reactive_power")
		if !ok {
			return node.Processor.SetValue(nil)
		}
		if reactive > 0 {
			return node.Processor.SetValue(PFLagging)
		}
		return node.Processor.SetValue(PFLeading)
	}

	if m.Options.ReadSeparateForwardReverseEnergy {
		energyNode := m.Nodes[prefix+"reactive_energy"]
		if energyNode == nil {
			return node.Processor.SetValue(PFUnknown)
		}
		np, ok := AsNumeric(energyNode.Processor)
		if !ok {
			return node.Processor.SetValue(PFUnknown)
		}
		switch np.Direction() {
		case DirectionPositive:
			return node.Processor.SetValue(PFLagging)
		case DirectionNegative:
			return node.Processor.SetValue(PFLeading)
		}
		return node.Processor.SetValue(PFUnknown)
	}

	return node.Processor.SetValue(PFUnknown)
}

// PFFromEnergies derives power factor and direction from active and reactive
// energy totals, as used by the historical extraction helpers.
//
// PF is Ea/sqrt(Ea^2+Er^2) when the energies are not both zero. Direction is
// UNITARY for pure active flow, LAGGING for positive reactive energy,
// LEADING for negative, UNKNOWN otherwise.
func PFFromEnergies(activeEnergy, reactiveEnergy *float64) (*float64, *PowerFactorDirection) {
	if activeEnergy == nil || reactiveEnergy == nil {
		return nil, nil
	}

	ea := *activeEnergy
	er := *reactiveEnergy

	var pf *float64
	if ea != 0 || er != 0 {
		value := ea / math.Sqrt(ea*ea+er*er)
		pf = &value
	}

	direction := PFUnknown
	switch {
	case ea != 0 && er == 0:
		direction = PFUnitary
	case er > 0:
		direction = PFLagging
	case er < 0:
		direction = PFLeading
	}
	return pf, &direction
}

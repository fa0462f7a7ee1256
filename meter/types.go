// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package meter implements the device runtime and measurement pipeline of the
// energy meter gateway.
//
// The package models meters as a set of named nodes (voltage, current, power,
// energy, ...) whose values are either read from a field protocol or derived
// from sibling nodes. Each cycle a meter reads its protocol nodes, runs the
// derived-quantity calculator, and then logs and publishes node state through
// shared sink channels.
//
// # Structure
//
//   - types.go: protocol, node type, counter, phase and direction enumerations
//   - nodeconfig.go: per-node configuration and its invariants
//   - record.go: persistent meter/node record representations
//   - processor.go, numeric.go, boolstring.go: typed per-node value processors
//   - typeregistry.go, registry.go: type and protocol plugin registries
//   - node.go, nodes.go: runtime node wrappers and the per-meter node set
//   - validation.go: the meter-nodes validator
//   - calculation.go: the derived-quantity calculation engine
//   - meter.go: the energy meter base and its processing cycle
//   - extraction.go: historical energy/power-factor composition helpers
package meter

import "strings"

// Protocol identifies the field protocol a meter or node communicates over.
type Protocol string

const (
	ProtocolNone      Protocol = "NONE"
	ProtocolModbusRTU Protocol = "MODBUS_RTU"
	ProtocolOPCUA     Protocol = "OPC_UA"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolNone, ProtocolModbusRTU, ProtocolOPCUA:
		return true
	}
	return false
}

// NodeType is the internal, protocol-agnostic value type of a node.
//
// Protocol-specific types (Modbus INT_32, OPC UA Float, ...) are decoded and
// mapped into one of these categories before reaching a processor.
type NodeType string

const (
	TypeInt    NodeType = "INT"
	TypeFloat  NodeType = "FLOAT"
	TypeBool   NodeType = "BOOL"
	TypeString NodeType = "STRING"
)

// Numeric reports whether the type carries numeric values.
func (t NodeType) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// CounterMode selects how a counter node interprets incoming values.
type CounterMode string

const (
	// CounterDirect stores the incoming value as-is.
	CounterDirect CounterMode = "DIRECT"
	// CounterDelta treats the incoming value as an increment to accumulate.
	CounterDelta CounterMode = "DELTA"
	// CounterCumulative treats the incoming value as a growing meter total;
	// the first observation anchors the zero point.
	CounterCumulative CounterMode = "CUMULATIVE"
)

// MeterType distinguishes single-phase from three-phase meters.
type MeterType string

const (
	SinglePhase MeterType = "SINGLE_PHASE"
	ThreePhase  MeterType = "THREE_PHASE"
)

// Valid reports whether t is a known meter type.
func (t MeterType) Valid() bool {
	return t == SinglePhase || t == ThreePhase
}

// Phase locates a node in the electrical topology.
type Phase string

const (
	PhaseL1          Phase = "L1"
	PhaseL2          Phase = "L2"
	PhaseL3          Phase = "L3"
	PhaseTotal       Phase = "Total"
	PhaseGeneral     Phase = "General"
	PhaseSinglephase Phase = "Singlephase"
)

// Valid reports whether p is a known phase tag.
func (p Phase) Valid() bool {
	switch p {
	case PhaseL1, PhaseL2, PhaseL3, PhaseTotal, PhaseGeneral, PhaseSinglephase:
		return true
	}
	return false
}

// phasePrefixes maps phases to their node-name prefixes. General and
// single-phase nodes carry no prefix.
var phasePrefixes = map[Phase]string{
	PhaseL1:          "l1_",
	PhaseL2:          "l2_",
	PhaseL3:          "l3_",
	PhaseTotal:       "total_",
	PhaseGeneral:     "",
	PhaseSinglephase: "",
}

// Prefix returns the node-name prefix for the phase.
func (p Phase) Prefix() string {
	return phasePrefixes[p]
}

// knownPrefixes lists every phase-related name prefix, longest first so that
// line-to-line prefixes win over single-phase ones.
var knownPrefixes = []string{
	"l1_l2_", "l1_l3_", "l2_l1_", "l2_l3_", "l3_l1_", "l3_l2_",
	"total_", "l1_", "l2_", "l3_",
}

// NodeDirection tags directional energy measurements.
type NodeDirection string

const (
	DirectionForward NodeDirection = "Forward"
	DirectionReverse NodeDirection = "Reverse"
	DirectionTotal   NodeDirection = "Total"
)

// Prefix returns the node-name prefix for the direction. Total measurements
// carry no prefix.
func (d NodeDirection) Prefix() string {
	switch d {
	case DirectionForward:
		return "forward_"
	case DirectionReverse:
		return "reverse_"
	}
	return ""
}

// PowerFactorDirection classifies the reactive character of a load.
type PowerFactorDirection string

const (
	PFUnknown PowerFactorDirection = "UNKNOWN"
	PFUnitary PowerFactorDirection = "UNITARY"
	PFLagging PowerFactorDirection = "LAGGING"
	PFLeading PowerFactorDirection = "LEADING"
)

// ValueDirection is the sign of a node's last observed change, tracked as a
// side effect of value ingestion. The power-factor-direction calculation
// consumes it from reactive-energy nodes.
type ValueDirection int

const (
	DirectionNone ValueDirection = iota
	DirectionPositive
	DirectionNegative
)

// DerivedKind identifies which calculation serves a calculated node. It is
// resolved once, at validation time, so the cycle loop never scans names.
type DerivedKind int

const (
	DerivedNone DerivedKind = iota
	DerivedActiveEnergy
	DerivedReactiveEnergy
	DerivedActivePower
	DerivedReactivePower
	DerivedApparentPower
	DerivedPowerFactor
	DerivedPowerFactorDirection
)

// DeriveKind resolves the calculation kind from a node name. Power-factor
// direction is matched before power factor so that the longer suffix is not
// shadowed by the shorter one.
func DeriveKind(name string) DerivedKind {
	switch {
	case strings.Contains(name, "power_factor_direction"):
		return DerivedPowerFactorDirection
	case strings.Contains(name, "_reactive_energy") || strings.HasPrefix(name, "reactive_energy"):
		return DerivedReactiveEnergy
	case strings.Contains(name, "_active_energy") || strings.HasPrefix(name, "active_energy"):
		return DerivedActiveEnergy
	case strings.Contains(name, "_reactive_power") || strings.HasPrefix(name, "reactive_power"):
		return DerivedReactivePower
	case strings.Contains(name, "_active_power") || strings.HasPrefix(name, "active_power"):
		return DerivedActivePower
	case strings.Contains(name, "apparent_power"):
		return DerivedApparentPower
	case strings.Contains(name, "power_factor"):
		return DerivedPowerFactor
	}
	return DerivedNone
}

// PhasePrefix returns the phase-related prefix of a node name, or the empty
// string if the name carries none.
func PhasePrefix(name string) string {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(name, prefix) {
			return prefix
		}
	}
	return ""
}

// StripPhase removes the phase or line-to-line prefix from a node name.
func StripPhase(name string) string {
	return strings.TrimPrefix(name, PhasePrefix(name))
}

// NodeName builds a node name from base name, phase and optional direction,
// e.g. NodeName("active_energy", PhaseL1, DirectionForward) is
// "l1_forward_active_energy".
func NodeName(base string, phase Phase, direction NodeDirection) string {
	return phase.Prefix() + direction.Prefix() + base
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package units provides SI prefix scaling for electrical units.
//
// Derived-quantity math in the calculation engine runs entirely in base units
// (W, Wh, V, A, ...). Node values, however, carry whatever prefixed unit the
// meter was configured with (kW, kVArh, mA, ...). ScaleIn converts a node
// value into base units and ScaleOut converts a base-unit result back to the
// target node's unit, which lets the calculator mix e.g. W and kW across
// phases without per-call conversions.
//
// The prefix is the first rune of the unit string. Empty or unknown prefixes
// scale by 1.0, so plain base units (V, W, Hz) pass through unchanged.
package units

// prefixFactors maps SI prefixes to their base-unit multiplier.
var prefixFactors = map[byte]float64{
	'm': 1e-3,
	'k': 1e3,
	'M': 1e6,
	'G': 1e9,
}

// Factor returns the scaling factor for the given unit string.
// An empty unit or an unrecognized prefix yields 1.0.
func Factor(unit string) float64 {
	if unit == "" {
		return 1.0
	}
	if f, ok := prefixFactors[unit[0]]; ok {
		return f
	}
	return 1.0
}

// ScaleIn converts a value expressed in the given unit to base units.
// For example ScaleIn(3, "kW") returns 3000.
func ScaleIn(value float64, unit string) float64 {
	return value * Factor(unit)
}

// ScaleOut converts a base-unit value to the given target unit.
// For example ScaleOut(5000, "kVA") returns 5.
func ScaleOut(value float64, unit string) float64 {
	return value / Factor(unit)
}

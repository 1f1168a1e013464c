// Package units is a pure lookup service for linear unit conversion. Each
// unit within a dimension carries a factor and offset into that dimension's
// base unit; conversion between two units goes through the base.
package units

import "fmt"

type entry struct {
	factor float64
	offset float64
}

// The table covers the dimensions the stepper converts when pushing boundary
// values into the model and collecting results back out. Factors are into
// SI base units (m^3, m^3 s^-1).
var table = map[string]map[string]entry{
	"Volume": {
		"m^3":   {factor: 1},
		"ft^3":  {factor: 0.028316846592},
		"hm^3":  {factor: 1e6},
		"km^3":  {factor: 1e9},
		"ac-ft": {factor: 1233.48183754752},
		"TAF":   {factor: 1233481.83754752},
		"MCM":   {factor: 1e6},
	},
	"Volumetric flow rate": {
		"m^3 s^-1":     {factor: 1},
		"ft^3 s^-1":    {factor: 0.028316846592},
		"m^3 day^-1":   {factor: 1.0 / 86400},
		"hm^3 day^-1":  {factor: 1e6 / 86400},
		"ac-ft day^-1": {factor: 1233.48183754752 / 86400},
		"TAF day^-1":   {factor: 1233481.83754752 / 86400},
	},
	"Temperature": {
		"K": {factor: 1},
		"C": {factor: 1, offset: 273.15},
		"F": {factor: 5.0 / 9.0, offset: 255.372222222},
	},
}

// Convert converts a value between two units of the same dimension. Unknown
// dimensions or units are an error; callers that treat conversion as
// optional must check Known first.
func Convert(value float64, dimension, from, to string) (float64, error) {
	dim, ok := table[dimension]
	if !ok {
		return 0, fmt.Errorf("unknown dimension %q", dimension)
	}
	f, ok := dim[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q for dimension %q", from, dimension)
	}
	t, ok := dim[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q for dimension %q", to, dimension)
	}
	base := value*f.factor + f.offset
	return (base - t.offset) / t.factor, nil
}

// Known reports whether the pair (dimension, unit) is in the table.
func Known(dimension, unit string) bool {
	dim, ok := table[dimension]
	if !ok {
		return false
	}
	_, ok = dim[unit]
	return ok
}

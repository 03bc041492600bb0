package ixmp

import (
	"fmt"
	"strings"
)

// ItemType classifies the kinds of data stored in a run and drives
// capability checks. It is a bit set so that derived unions (Model,
// Solution, All) can be expressed as combinations of the base kinds.
type ItemType uint8

const (
	// TimeSeriesData is (region, variable, unit, sub-annual, year) data
	TimeSeriesData ItemType = 1 << iota
	// Set is a collection of keys, optionally indexed by other sets
	Set
	// Par is a parameter with a value and unit per key
	Par
	// Var is a model variable with level and marginal per key
	Var
	// Equ is a model equation with level and marginal per key
	Equ
)

// Derived unions, computed once from the base kinds
const (
	// Model covers all structured model data
	Model = Set | Par | Var | Equ
	// Solution covers data produced by solving a model
	Solution = Var | Equ
	// All covers every kind of stored data
	All = TimeSeriesData | Model
)

var itemTypeNames = map[ItemType]string{
	TimeSeriesData: "ts",
	Set:            "set",
	Par:            "par",
	Var:            "var",
	Equ:            "equ",
}

// baseKinds in declaration order, so String output is stable
var baseKinds = [...]ItemType{TimeSeriesData, Set, Par, Var, Equ}

// String returns the canonical name of a base kind, or a "|"-joined list
// for a union. The switch over base kinds is exhaustive: a new kind must
// be added to baseKinds and itemTypeNames together.
func (t ItemType) String() string {
	switch t {
	case TimeSeriesData, Set, Par, Var, Equ:
		return itemTypeNames[t]
	case Model:
		return "model"
	case Solution:
		return "solution"
	case All:
		return "all"
	}

	parts := make([]string, 0, len(baseKinds))
	for _, k := range baseKinds {
		if t&k != 0 {
			parts = append(parts, itemTypeNames[k])
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("ItemType(%d)", uint8(t))
	}
	return strings.Join(parts, "|")
}

// ParseItemType resolves a kind name to its ItemType
func ParseItemType(s string) (ItemType, error) {
	switch strings.ToLower(s) {
	case "ts", "timeseries":
		return TimeSeriesData, nil
	case "set":
		return Set, nil
	case "par", "parameter":
		return Par, nil
	case "var", "variable":
		return Var, nil
	case "equ", "equation":
		return Equ, nil
	case "model":
		return Model, nil
	case "solution":
		return Solution, nil
	case "all":
		return All, nil
	}
	return 0, WithContext(ErrInvalidData, map[string]interface{}{
		"field": "item type",
		"value": s,
	})
}

// Is reports whether t is contained in the union u
func (t ItemType) Is(u ItemType) bool {
	return t&u == t && t != 0
}

// IsBase reports whether t is a single base kind (not a union)
func (t ItemType) IsBase() bool {
	return t != 0 && t&(t-1) == 0
}

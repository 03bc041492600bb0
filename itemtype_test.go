package ixmp

import "testing"

func TestItemTypeString(t *testing.T) {
	tests := []struct {
		t    ItemType
		want string
	}{
		{TimeSeriesData, "ts"},
		{Set, "set"},
		{Par, "par"},
		{Var, "var"},
		{Equ, "equ"},
		{Model, "model"},
		{Solution, "solution"},
		{All, "all"},
		{Set | Par, "set|par"},
		{0, "ItemType(0)"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestParseItemType(t *testing.T) {
	tests := []struct {
		in   string
		want ItemType
	}{
		{"set", Set},
		{"PAR", Par},
		{"parameter", Par},
		{"var", Var},
		{"variable", Var},
		{"equation", Equ},
		{"ts", TimeSeriesData},
		{"timeseries", TimeSeriesData},
		{"model", Model},
		{"solution", Solution},
		{"all", All},
	}
	for _, tt := range tests {
		got, err := ParseItemType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseItemType(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseItemType("tensor"); !IsValidation(err) {
		t.Errorf("ParseItemType(tensor): err = %v, want validation error", err)
	}
}

func TestItemTypeIs(t *testing.T) {
	if !Var.Is(Solution) || !Equ.Is(Solution) {
		t.Error("variables and equations are solution kinds")
	}
	if Set.Is(Solution) {
		t.Error("sets are not solution kinds")
	}
	if !Par.Is(Model) || !Par.Is(All) {
		t.Error("parameters belong to model and all")
	}
	if TimeSeriesData.Is(Model) {
		t.Error("time-series data is not model data")
	}
	if ItemType(0).Is(All) {
		t.Error("the zero kind is contained in nothing")
	}
}

func TestItemTypeIsBase(t *testing.T) {
	for _, k := range []ItemType{TimeSeriesData, Set, Par, Var, Equ} {
		if !k.IsBase() {
			t.Errorf("%v should be a base kind", k)
		}
	}
	for _, k := range []ItemType{Model, Solution, All, 0} {
		if k.IsBase() {
			t.Errorf("%v should not be a base kind", k)
		}
	}
}

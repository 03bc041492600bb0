package ixmp

import "time"

// Version sentinels. Committed versions are positive integers assigned by
// the backend at first commit.
const (
	// VersionNew marks a freshly initialized run whose permanent version
	// has not been assigned yet
	VersionNew = 0
	// VersionDefault means "unset": resolve whatever version is currently
	// marked default for the (model, scenario) pair
	VersionDefault = -1
)

// SessionState tracks the client-side edit-transaction state of a handle
type SessionState int

const (
	// StateUnbound: constructed, not yet resolved against a backend
	StateUnbound SessionState = iota
	// StateNew: version requested as "new", not yet committed
	StateNew
	// StateLoaded: resolved to an existing version, not editable
	StateLoaded
	// StateCheckedOut: editable
	StateCheckedOut
)

func (s SessionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateNew:
		return "new"
	case StateLoaded:
		return "loaded"
	case StateCheckedOut:
		return "checked out"
	}
	return "unknown"
}

// Session identifies one (model, scenario, version) run loaded through a
// backend. Backends read the identity fields and write back Version and
// RunID when they resolve or create the run. HandleID is unique per
// in-memory handle and scopes cache entries to it.
type Session struct {
	HandleID string
	Model    string
	Scenario string
	Scheme   string
	Version  int
	RunID    int64
	State    SessionState
}

// NewSession creates an unbound session identity with a fresh handle id
func NewSession(model, scenario string, version int) *Session {
	return &Session{
		HandleID: NewID(),
		Model:    model,
		Scenario: scenario,
		Version:  version,
		State:    StateUnbound,
	}
}

// ScenarioRow is one row of a scenario listing.
// Field order is an interoperability contract; do not reorder.
type ScenarioRow struct {
	Model      string
	Scenario   string
	Scheme     string
	IsDefault  bool
	IsLocked   bool
	CreateUser string
	CreateDate time.Time
	UpdateUser string
	UpdateDate time.Time
	LockUser   string
	LockDate   time.Time
	Annotation string
	Version    int
}

// Region is one row of the region registry.
// Field order is an interoperability contract; do not reorder.
type Region struct {
	Region    string
	MappedTo  string
	Parent    string
	Hierarchy string
}

// Timeslice is one named sub-annual time-slice.
// Duration is a fraction of a year.
type Timeslice struct {
	Name     string
	Category string
	Duration float64
}

// DataRow is one time-series observation.
// Field order is an interoperability contract; do not reorder.
type DataRow struct {
	Region    string
	Variable  string
	Unit      string
	Subannual string
	Year      int
	Value     float64
}

// GeoRow is one geodata observation.
// Field order is an interoperability contract; do not reorder.
type GeoRow struct {
	Region    string
	Variable  string
	Subannual string
	Year      int
	Value     string
	Unit      string
	Meta      bool
}

// Element is the canonical form of one item element. Key is nil for
// scalar (0-dimensional) items; absent fields are nil. For variables and
// equations Value carries the level and Marginal the marginal; the
// client-side convenience layer never sets Marginal, solution data enters
// through engine-side imports.
type Element struct {
	Key      []string
	Value    *float64
	Unit     *string
	Comment  *string
	Marginal *float64
}

// ItemData is the result of reading an item's elements. For sets only
// Keys is populated; for parameters Keys/Values/Units; for variables and
// equations Keys/Values (levels) and Marginals. Scalar items hold exactly
// one row with an empty key.
type ItemData struct {
	Kind       ItemType
	Name       string
	IndexSets  []string
	IndexNames []string
	Keys       [][]string
	Values     []float64
	Marginals  []float64
	Units      []string
}

// Len returns the number of rows
func (d *ItemData) Len() int {
	return len(d.Keys)
}

// SetList returns the flat key list of a one-dimensional set
func (d *ItemData) SetList() []string {
	out := make([]string, 0, len(d.Keys))
	for _, k := range d.Keys {
		if len(k) == 1 {
			out = append(out, k[0])
		}
	}
	return out
}

// Scalar returns the single (value, unit) of a 0-dimensional parameter.
// ok is false when the item is dimensioned or holds anything other than
// exactly one value.
func (d *ItemData) Scalar() (value float64, unit string, ok bool) {
	if len(d.IndexSets) != 0 || len(d.Values) != 1 {
		return 0, "", false
	}
	if len(d.Units) == 1 {
		unit = d.Units[0]
	}
	return d.Values[0], unit, true
}

// Copy returns a deep copy, so cached values can be handed out without
// aliasing the stored entry
func (d *ItemData) Copy() *ItemData {
	if d == nil {
		return nil
	}
	out := &ItemData{
		Kind:       d.Kind,
		Name:       d.Name,
		IndexSets:  append([]string(nil), d.IndexSets...),
		IndexNames: append([]string(nil), d.IndexNames...),
		Values:     append([]float64(nil), d.Values...),
		Marginals:  append([]float64(nil), d.Marginals...),
		Units:      append([]string(nil), d.Units...),
	}
	if d.Keys != nil {
		out.Keys = make([][]string, len(d.Keys))
		for i, k := range d.Keys {
			out.Keys[i] = append([]string(nil), k...)
		}
	}
	return out
}

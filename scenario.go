package ixmp

import (
	"context"
	"iter"
	"weak"
)

// Scenario is a TimeSeries handle extended with structured model data:
// sets, parameters, variables and equations. Variables and equations are
// read-only through this API; their content arrives through engine-side
// solution imports and leaves through RemoveSolution.
type Scenario struct {
	*TimeSeries
}

// NewScenario loads an existing run as a scenario handle
func NewScenario(ctx context.Context, p *Platform, model, scenario string, version int) (*Scenario, error) {
	ts, err := NewTimeSeries(ctx, p, model, scenario, version)
	if err != nil {
		return nil, err
	}
	return &Scenario{TimeSeries: ts}, nil
}

// CreateScenario initializes a new run under a scheme. The handle starts
// editable; the version is assigned at the first Commit.
func CreateScenario(ctx context.Context, p *Platform, model, scenario, scheme, annotation string) (*Scenario, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	s := NewSession(model, scenario, VersionNew)
	s.Scheme = scheme
	if err := b.Init(ctx, s, annotation); err != nil {
		return nil, err
	}
	s.State = StateNew
	return &Scenario{TimeSeries: &TimeSeries{
		platform: weak.Make(p),
		session:  s,
		logger:   p.logger,
	}}, nil
}

// ScenarioFromURL opens a scenario handle from an ixmp URL against this
// platform. The URL's platform part, when present, must match the
// platform's name.
func ScenarioFromURL(ctx context.Context, p *Platform, raw string) (*Scenario, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.Platform != "" && u.Platform != p.name {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"url_platform": u.Platform,
			"platform":     p.name,
			"reason":       "url names a different platform",
		})
	}
	if u.Version == VersionNew {
		return CreateScenario(ctx, p, u.Model, u.Scenario, "", "")
	}
	return NewScenario(ctx, p, u.Model, u.Scenario, u.Version)
}

// Scheme returns the scheme the run was created under
func (sc *Scenario) Scheme() string { return sc.session.Scheme }

// CheckOut makes the scenario editable. A scenario holding a solution
// cannot be checked out for structural edits; remove the solution first
// or check out with timeseriesOnly.
func (sc *Scenario) CheckOut(ctx context.Context, timeseriesOnly bool) error {
	if !timeseriesOnly && sc.session.State != StateCheckedOut {
		b, err := sc.backend()
		if err != nil {
			return err
		}
		solved, err := b.HasSolution(ctx, sc.session)
		if err != nil {
			return err
		}
		if solved {
			return WithContext(ErrSolutionExists, map[string]interface{}{
				"model":    sc.session.Model,
				"scenario": sc.session.Scenario,
				"reason":   "remove the solution before editing model data",
			})
		}
	}
	return sc.TimeSeries.CheckOut(ctx, timeseriesOnly)
}

// Transact runs fn with the scenario checked out and commits afterwards,
// applying the same solution guard as CheckOut.
func (sc *Scenario) Transact(ctx context.Context, comment string, fn func() error) error {
	return sc.transact(ctx, comment, sc.CheckOut, fn)
}

// requireItemEditable guards structural writes: the handle must be
// editable and not restricted to time-series data
func (sc *Scenario) requireItemEditable() error {
	if err := sc.requireEditable(); err != nil {
		return err
	}
	if sc.tsOnly {
		return WithContext(ErrCheckoutRequired, map[string]interface{}{
			"model":    sc.session.Model,
			"scenario": sc.session.Scenario,
			"reason":   "checkout is restricted to time-series data",
		})
	}
	return nil
}

// Items

// ListItems returns the names of items of the given kind, in creation
// order. A non-empty indexedBy restricts the listing to items indexed by
// that set.
func (sc *Scenario) ListItems(ctx context.Context, kind ItemType, indexedBy string) ([]string, error) {
	b, err := sc.backend()
	if err != nil {
		return nil, err
	}
	names, err := b.ListItems(ctx, sc.session, kind)
	if err != nil {
		return nil, err
	}
	if indexedBy == "" {
		return names, nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		sets, err := b.ItemIndex(ctx, sc.session, name, "sets")
		if err != nil {
			return nil, err
		}
		for _, s := range sets {
			if s == indexedBy {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

// SetList lists set names
func (sc *Scenario) SetList(ctx context.Context) ([]string, error) {
	return sc.ListItems(ctx, Set, "")
}

// ParList lists parameter names
func (sc *Scenario) ParList(ctx context.Context) ([]string, error) {
	return sc.ListItems(ctx, Par, "")
}

// VarList lists variable names
func (sc *Scenario) VarList(ctx context.Context) ([]string, error) {
	return sc.ListItems(ctx, Var, "")
}

// EquList lists equation names
func (sc *Scenario) EquList(ctx context.Context) ([]string, error) {
	return sc.ListItems(ctx, Equ, "")
}

// Items returns a lazy sequence over the items of a kind, in creation
// order. A non-empty indexedBy restricts it to items indexed by that
// set. Non-empty filters restrict the sequence to items sharing at
// least one dimension with the filter keys, and narrow each yielded
// item's elements the same way Par and Set do. The name list is
// resolved up front; element data is fetched per item as the sequence
// is consumed, so breaking early skips the remaining reads. Read
// failures mid-iteration are yielded as the second value.
func (sc *Scenario) Items(ctx context.Context, kind ItemType, filters map[string]interface{}, indexedBy string) (iter.Seq2[*ItemData, error], error) {
	names, err := sc.ListItems(ctx, kind, indexedBy)
	if err != nil {
		return nil, err
	}
	b, err := sc.backend()
	if err != nil {
		return nil, err
	}
	strFilters, err := toStringFilters(filters)
	if err != nil {
		return nil, err
	}
	if len(strFilters) > 0 {
		kept := names[:0]
		for _, name := range names {
			idxNames, err := b.ItemIndex(ctx, sc.session, name, "names")
			if err != nil {
				return nil, err
			}
			for _, n := range idxNames {
				if _, ok := strFilters[n]; ok {
					kept = append(kept, name)
					break
				}
			}
		}
		names = kept
	}
	return func(yield func(*ItemData, error) bool) {
		for _, name := range names {
			data, err := b.ItemGetElements(ctx, sc.session, kind, name, strFilters)
			if !yield(data, err) {
				return
			}
		}
	}, nil
}

// HasItem reports whether an item of the kind exists
func (sc *Scenario) HasItem(ctx context.Context, kind ItemType, name string) (bool, error) {
	names, err := sc.ListItems(ctx, kind, "")
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// InitItem creates an empty item. indexNames may be nil; it then
// defaults to the index set names.
func (sc *Scenario) InitItem(ctx context.Context, kind ItemType, name string, indexSets, indexNames []string) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.InitItem(ctx, sc.session, kind, name, indexSets, indexNames)
}

// InitSet creates an empty set
func (sc *Scenario) InitSet(ctx context.Context, name string, indexSets, indexNames []string) error {
	return sc.InitItem(ctx, Set, name, indexSets, indexNames)
}

// InitPar creates an empty parameter
func (sc *Scenario) InitPar(ctx context.Context, name string, indexSets, indexNames []string) error {
	return sc.InitItem(ctx, Par, name, indexSets, indexNames)
}

// InitVar creates an empty variable
func (sc *Scenario) InitVar(ctx context.Context, name string, indexSets, indexNames []string) error {
	return sc.InitItem(ctx, Var, name, indexSets, indexNames)
}

// InitEqu creates an empty equation
func (sc *Scenario) InitEqu(ctx context.Context, name string, indexSets, indexNames []string) error {
	return sc.InitItem(ctx, Equ, name, indexSets, indexNames)
}

// InitScalar creates a 0-dimensional parameter holding one value
func (sc *Scenario) InitScalar(ctx context.Context, name string, value float64, unit string) error {
	if err := sc.InitPar(ctx, name, nil, nil); err != nil {
		return err
	}
	return sc.ChangeScalar(ctx, name, value, unit)
}

// RemoveItem deletes an item including its elements
func (sc *Scenario) RemoveItem(ctx context.Context, kind ItemType, name string) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.DeleteItem(ctx, sc.session, kind, name)
}

// IdxSets returns the index sets of an item
func (sc *Scenario) IdxSets(ctx context.Context, name string) ([]string, error) {
	b, err := sc.backend()
	if err != nil {
		return nil, err
	}
	return b.ItemIndex(ctx, sc.session, name, "sets")
}

// IdxNames returns the index names of an item
func (sc *Scenario) IdxNames(ctx context.Context, name string) ([]string, error) {
	b, err := sc.backend()
	if err != nil {
		return nil, err
	}
	return b.ItemIndex(ctx, sc.session, name, "names")
}

// Item reads an item's elements. filters values may be single components
// or lists; filter names that are not dimensions of the item have no
// effect.
func (sc *Scenario) Item(ctx context.Context, kind ItemType, name string, filters map[string]interface{}) (*ItemData, error) {
	b, err := sc.backend()
	if err != nil {
		return nil, err
	}
	fs, err := toStringFilters(filters)
	if err != nil {
		return nil, err
	}
	return b.ItemGetElements(ctx, sc.session, kind, name, fs)
}

// Set reads a set's elements
func (sc *Scenario) Set(ctx context.Context, name string, filters map[string]interface{}) (*ItemData, error) {
	return sc.Item(ctx, Set, name, filters)
}

// Par reads a parameter's elements
func (sc *Scenario) Par(ctx context.Context, name string, filters map[string]interface{}) (*ItemData, error) {
	return sc.Item(ctx, Par, name, filters)
}

// Var reads a variable's solution data
func (sc *Scenario) Var(ctx context.Context, name string, filters map[string]interface{}) (*ItemData, error) {
	return sc.Item(ctx, Var, name, filters)
}

// Equ reads an equation's solution data
func (sc *Scenario) Equ(ctx context.Context, name string, filters map[string]interface{}) (*ItemData, error) {
	return sc.Item(ctx, Equ, name, filters)
}

// Scalar reads a 0-dimensional parameter
func (sc *Scenario) Scalar(ctx context.Context, name string) (value float64, unit string, err error) {
	data, err := sc.Par(ctx, name, nil)
	if err != nil {
		return 0, "", err
	}
	v, u, ok := data.Scalar()
	if !ok {
		return 0, "", WithContext(ErrInvalidData, map[string]interface{}{
			"item":   name,
			"reason": "parameter is not scalar",
		})
	}
	return v, u, nil
}

// keyCount returns the dimensionality of an item, for key normalization.
// A set without index sets is a basic index set holding plain elements,
// so its keys are 1-tuples; a parameter without index sets is a scalar.
func (sc *Scenario) keyCount(ctx context.Context, kind ItemType, name string) (int, error) {
	sets, err := sc.IdxSets(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(sets) == 0 && kind.Is(Set) {
		return 1, nil
	}
	return len(sets), nil
}

// AddSetElements adds elements to a set. keys accepts a single string, a
// flat list, or a list of key tuples; comments may be nil, a single
// string to repeat, or one string per key.
func (sc *Scenario) AddSetElements(ctx context.Context, name string, keys, comments interface{}) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	dims, err := sc.keyCount(ctx, Set, name)
	if err != nil {
		return err
	}
	ks, err := normalizeKeys(dims, keys)
	if err != nil {
		return err
	}
	elements, err := buildElements(ks, nil, nil, comments)
	if err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.ItemSetElements(ctx, sc.session, Set, name, elements)
}

// AddParElements adds or replaces parameter values. values may be a
// single number to broadcast or one number per key; units and comments
// follow the same rule.
func (sc *Scenario) AddParElements(ctx context.Context, name string, keys, values, units, comments interface{}) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	dims, err := sc.keyCount(ctx, Par, name)
	if err != nil {
		return err
	}
	ks, err := normalizeKeys(dims, keys)
	if err != nil {
		return err
	}
	elements, err := buildElements(ks, values, units, comments)
	if err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.ItemSetElements(ctx, sc.session, Par, name, elements)
}

// ChangeScalar replaces the value of a 0-dimensional parameter
func (sc *Scenario) ChangeScalar(ctx context.Context, name string, value float64, unit string) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	el := Element{Value: &value}
	if unit != "" {
		el.Unit = &unit
	}
	return b.ItemSetElements(ctx, sc.session, Par, name, []Element{el})
}

// RemoveSetElements deletes set elements by key
func (sc *Scenario) RemoveSetElements(ctx context.Context, name string, keys interface{}) error {
	return sc.removeElements(ctx, Set, name, keys)
}

// RemoveParElements deletes parameter elements by key
func (sc *Scenario) RemoveParElements(ctx context.Context, name string, keys interface{}) error {
	return sc.removeElements(ctx, Par, name, keys)
}

func (sc *Scenario) removeElements(ctx context.Context, kind ItemType, name string, keys interface{}) error {
	if err := sc.requireItemEditable(); err != nil {
		return err
	}
	dims, err := sc.keyCount(ctx, kind, name)
	if err != nil {
		return err
	}
	ks, err := normalizeKeys(dims, keys)
	if err != nil {
		return err
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.ItemDeleteElements(ctx, sc.session, kind, name, ks)
}

// Solution

// HasSolution reports whether any variable or equation carries data
func (sc *Scenario) HasSolution(ctx context.Context) (bool, error) {
	b, err := sc.backend()
	if err != nil {
		return false, err
	}
	return b.HasSolution(ctx, sc.session)
}

// RemoveSolution deletes variable and equation data from the stored run.
// fromYear > 0 restricts the removal to years at or after it. The run
// must not be checked out; the removal is immediately durable.
func (sc *Scenario) RemoveSolution(ctx context.Context, fromYear int) error {
	if sc.editable() {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    sc.session.Model,
			"scenario": sc.session.Scenario,
			"reason":   "commit or discard before removing the solution",
		})
	}
	b, err := sc.backend()
	if err != nil {
		return err
	}
	return b.ClearSolution(ctx, sc.session, fromYear)
}

// Clone copies this scenario's committed state into a new run, on this
// platform or another one. The clone is committed immediately, gets the
// next version for its (model, scenario) on the destination and becomes
// the default there. With keepSolution false, variable and equation data
// are dropped and only metadata-flagged time-series rows survive;
// shiftFirstModelYear > 0 additionally keeps historical rows before that
// year and implies dropping the solution.
func (sc *Scenario) Clone(ctx context.Context, dest *Platform, model, scenario, annotation string, keepSolution bool, shiftFirstModelYear int) (*Scenario, error) {
	if dest == nil {
		dest = sc.platform.Value()
	}
	if dest == nil {
		return nil, WithContext(ErrPlatformGone, map[string]interface{}{
			"model":    sc.session.Model,
			"scenario": sc.session.Scenario,
		})
	}
	if model == "" {
		model = sc.session.Model
	}
	if scenario == "" {
		scenario = sc.session.Scenario
	}
	if shiftFirstModelYear > 0 && keepSolution {
		sc.logger.Warn("clone with a first-model-year shift drops the solution",
			"first_model_year", shiftFirstModelYear)
		keepSolution = false
	}

	srcBackend, err := sc.backend()
	if err != nil {
		return nil, err
	}
	destBackend, err := dest.live()
	if err != nil {
		return nil, err
	}
	cloned, err := srcBackend.Clone(ctx, sc.session, destBackend, model, scenario, annotation, keepSolution, shiftFirstModelYear)
	if err != nil {
		return nil, err
	}
	return &Scenario{TimeSeries: &TimeSeries{
		platform: weak.Make(dest),
		session:  cloned,
		logger:   dest.logger,
	}}, nil
}

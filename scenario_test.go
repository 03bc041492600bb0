package ixmp

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// newScenarioWithStructure builds a committed scenario with a node set
// and a capacity parameter
func newScenarioWithStructure(t *testing.T, p *Platform) *Scenario {
	t.Helper()
	ctx := context.Background()
	if err := p.AddUnit(ctx, "GWa", ""); err != nil {
		t.Fatalf("AddUnit: %v", err)
	}

	sc, err := CreateScenario(ctx, p, "model", "baseline", "MESSAGE", "test scenario")
	if err != nil {
		t.Fatalf("CreateScenario: %v", err)
	}
	if err := sc.InitSet(ctx, "node", nil, nil); err != nil {
		t.Fatalf("InitSet: %v", err)
	}
	if err := sc.AddSetElements(ctx, "node", []string{"World", "Austria"}, nil); err != nil {
		t.Fatalf("AddSetElements: %v", err)
	}
	if err := sc.InitPar(ctx, "capacity", []string{"node"}, nil); err != nil {
		t.Fatalf("InitPar: %v", err)
	}
	if err := sc.AddParElements(ctx, "capacity", []string{"World", "Austria"}, []float64{100, 7}, "GWa", nil); err != nil {
		t.Fatalf("AddParElements: %v", err)
	}
	if _, err := sc.Commit(ctx, "structure"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return sc
}

// importSolution writes variable data the way an engine-side solver
// import would, bypassing the client API
func importSolution(t *testing.T, sc *Scenario, name string, elements []Element) {
	t.Helper()
	ctx := context.Background()
	b, err := sc.backend()
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if err := b.CheckOut(ctx, sc.session); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := b.InitItem(ctx, sc.session, Var, name, []string{"node"}, nil); err != nil {
		t.Fatalf("InitItem: %v", err)
	}
	if err := b.ItemSetElements(ctx, sc.session, Var, name, elements); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}
	if err := b.Commit(ctx, sc.session, "solution import"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sc.session.State = StateLoaded
}

func TestScenarioItems(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)

	if sc.Scheme() != "MESSAGE" {
		t.Fatalf("Scheme = %q, want MESSAGE", sc.Scheme())
	}

	sets, err := sc.SetList(ctx)
	if err != nil || !reflect.DeepEqual(sets, []string{"node"}) {
		t.Fatalf("SetList = (%v, %v)", sets, err)
	}
	pars, err := sc.ParList(ctx)
	if err != nil || !reflect.DeepEqual(pars, []string{"capacity"}) {
		t.Fatalf("ParList = (%v, %v)", pars, err)
	}
	has, err := sc.HasItem(ctx, Par, "capacity")
	if err != nil || !has {
		t.Fatalf("HasItem = (%v, %v)", has, err)
	}

	byNode, err := sc.ListItems(ctx, Par, "node")
	if err != nil || len(byNode) != 1 {
		t.Fatalf("ListItems indexedBy = (%v, %v)", byNode, err)
	}
	byOther, err := sc.ListItems(ctx, Par, "year")
	if err != nil || len(byOther) != 0 {
		t.Fatalf("ListItems by unrelated set = (%v, %v)", byOther, err)
	}

	nodes, err := sc.Set(ctx, "node", nil)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := nodes.SetList(); len(got) != 2 {
		t.Fatalf("node elements = %v", got)
	}

	caps, err := sc.Par(ctx, "capacity", map[string]interface{}{"node": "Austria"})
	if err != nil {
		t.Fatalf("Par filtered: %v", err)
	}
	if caps.Len() != 1 || caps.Values[0] != 7 {
		t.Fatalf("filtered capacity = %+v", caps)
	}

	idx, err := sc.IdxSets(ctx, "capacity")
	if err != nil || !reflect.DeepEqual(idx, []string{"node"}) {
		t.Fatalf("IdxSets = (%v, %v)", idx, err)
	}
}

func TestScenarioItemsSequence(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)

	seq, err := sc.Items(ctx, Par, nil, "")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	var names []string
	for data, err := range seq {
		if err != nil {
			t.Fatalf("mid-iteration: %v", err)
		}
		names = append(names, data.Name)
	}
	if !reflect.DeepEqual(names, []string{"capacity"}) {
		t.Fatalf("iterated names = %v", names)
	}

	// filters narrow the yielded elements
	seq, err = sc.Items(ctx, Par, map[string]interface{}{"node": "World"}, "node")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	for data, err := range seq {
		if err != nil {
			t.Fatalf("mid-iteration: %v", err)
		}
		if len(data.Keys) != 1 || data.Keys[0][0] != "World" {
			t.Fatalf("filtered keys = %v", data.Keys)
		}
	}

	// items sharing no dimension with the filters are skipped entirely
	seq, err = sc.Items(ctx, Par, map[string]interface{}{"technology": "coal"}, "")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	skipped := 0
	for range seq {
		skipped++
	}
	if skipped != 0 {
		t.Fatalf("foreign-dimension filter yielded %d items, want 0", skipped)
	}

	// breaking early is allowed
	if err := sc.CheckOut(ctx, false); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := sc.InitPar(ctx, "cost", []string{"node"}, nil); err != nil {
		t.Fatalf("InitPar: %v", err)
	}
	seq, err = sc.Items(ctx, Par, nil, "")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	count := 0
	for range seq {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("early break consumed %d items", count)
	}
	if err := sc.DiscardChanges(ctx); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}
}

func TestScenarioScalar(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	if err := p.AddUnit(ctx, "%", "percent"); err != nil {
		t.Fatalf("AddUnit: %v", err)
	}

	sc, err := CreateScenario(ctx, p, "model", "baseline", "", "")
	if err != nil {
		t.Fatalf("CreateScenario: %v", err)
	}
	if err := sc.InitScalar(ctx, "discount_rate", 0.05, "%"); err != nil {
		t.Fatalf("InitScalar: %v", err)
	}
	v, u, err := sc.Scalar(ctx, "discount_rate")
	if err != nil || v != 0.05 || u != "%" {
		t.Fatalf("Scalar = (%v, %q, %v)", v, u, err)
	}
	if err := sc.ChangeScalar(ctx, "discount_rate", 0.03, "%"); err != nil {
		t.Fatalf("ChangeScalar: %v", err)
	}
	v, _, err = sc.Scalar(ctx, "discount_rate")
	if err != nil || v != 0.03 {
		t.Fatalf("Scalar after change = (%v, %v)", v, err)
	}

	// Scalar on a dimensioned parameter is a validation error
	if err := sc.InitSet(ctx, "node", nil, nil); err != nil {
		t.Fatalf("InitSet: %v", err)
	}
	if err := sc.InitPar(ctx, "cap", []string{"node"}, nil); err != nil {
		t.Fatalf("InitPar: %v", err)
	}
	if _, _, err := sc.Scalar(ctx, "cap"); !IsValidation(err) {
		t.Fatalf("Scalar on dimensioned par: err = %v, want validation error", err)
	}
}

func TestScenarioRemoveElements(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)

	if err := sc.CheckOut(ctx, false); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := sc.RemoveParElements(ctx, "capacity", "Austria"); err != nil {
		t.Fatalf("RemoveParElements: %v", err)
	}
	caps, err := sc.Par(ctx, "capacity", nil)
	if err != nil || caps.Len() != 1 {
		t.Fatalf("capacity after remove = (%+v, %v)", caps, err)
	}
	if err := sc.RemoveSetElements(ctx, "node", "Austria"); err != nil {
		t.Fatalf("RemoveSetElements: %v", err)
	}
	if err := sc.RemoveItem(ctx, Par, "capacity"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if has, _ := sc.HasItem(ctx, Par, "capacity"); has {
		t.Fatal("capacity should be gone")
	}
	if err := sc.DiscardChanges(ctx); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}
	// the committed state is untouched
	if has, _ := sc.HasItem(ctx, Par, "capacity"); !has {
		t.Fatal("discard should restore the committed item")
	}
}

func TestScenarioSolutionGuards(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)
	importSolution(t, sc, "ACT", []Element{
		{Key: []string{"World"}, Value: fptr(1), Marginal: fptr(0.5)},
	})

	solved, err := sc.HasSolution(ctx)
	if err != nil || !solved {
		t.Fatalf("HasSolution = (%v, %v), want (true, nil)", solved, err)
	}

	// structural checkout is refused while a solution exists
	if err := sc.CheckOut(ctx, false); !errors.Is(err, ErrSolutionExists) {
		t.Fatalf("CheckOut on solved scenario: err = %v, want solution-exists", err)
	}

	// a time-series-only checkout is fine, but structural edits stay off
	if err := sc.CheckOut(ctx, true); err != nil {
		t.Fatalf("timeseriesOnly CheckOut: %v", err)
	}
	if err := sc.AddTimeseries(ctx, "World", "GDP", "USD", "Year", map[int]float64{2020: 1}, false); err != nil {
		t.Fatalf("AddTimeseries under tsOnly: %v", err)
	}
	err = sc.AddSetElements(ctx, "node", "Germany", nil)
	if !errors.Is(err, ErrCheckoutRequired) {
		t.Fatalf("structural edit under tsOnly: err = %v, want checkout-required", err)
	}
	if err := sc.DiscardChanges(ctx); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}

	// removing the solution unblocks structural edits
	if err := sc.RemoveSolution(ctx, 0); err != nil {
		t.Fatalf("RemoveSolution: %v", err)
	}
	if solved, _ := sc.HasSolution(ctx); solved {
		t.Fatal("solution should be removed")
	}
	if err := sc.CheckOut(ctx, false); err != nil {
		t.Fatalf("CheckOut after solution removal: %v", err)
	}
	if err := sc.DiscardChanges(ctx); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}
}

func TestScenarioRemoveSolutionWhileEditable(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)

	if err := sc.CheckOut(ctx, true); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := sc.RemoveSolution(ctx, 0); !errors.Is(err, ErrCheckedOut) {
		t.Fatalf("RemoveSolution while editable: err = %v, want checked-out", err)
	}
}

func TestScenarioClone(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)
	importSolution(t, sc, "ACT", []Element{
		{Key: []string{"World"}, Value: fptr(1)},
	})

	t.Run("same platform defaults", func(t *testing.T) {
		clone, err := sc.Clone(ctx, nil, "", "copy", "cloned", true, 0)
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		if clone.Model() != "model" || clone.Scenario() != "copy" {
			t.Fatalf("clone identity = %s/%s", clone.Model(), clone.Scenario())
		}
		if clone.State() != StateLoaded || clone.Version() != 1 {
			t.Fatalf("clone state=%v version=%d", clone.State(), clone.Version())
		}
		if def, _ := clone.IsDefault(ctx); !def {
			t.Fatal("clone must be its scenario's default version")
		}
		if solved, _ := clone.HasSolution(ctx); !solved {
			t.Fatal("keepSolution clone lost the solution")
		}
		if clone.Scheme() != "MESSAGE" {
			t.Fatalf("clone scheme = %q", clone.Scheme())
		}
	})

	t.Run("drop solution", func(t *testing.T) {
		clone, err := sc.Clone(ctx, nil, "", "unsolved", "cloned", false, 0)
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		if solved, _ := clone.HasSolution(ctx); solved {
			t.Fatal("clone without keepSolution kept the solution")
		}
		// structure and parameter data survive
		caps, err := clone.Par(ctx, "capacity", nil)
		if err != nil || caps.Len() != 2 {
			t.Fatalf("clone capacity = (%+v, %v)", caps, err)
		}
	})

	t.Run("year shift forces solution drop", func(t *testing.T) {
		clone, err := sc.Clone(ctx, nil, "", "shifted", "cloned", true, 2030)
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		if solved, _ := clone.HasSolution(ctx); solved {
			t.Fatal("a first-model-year shift must drop the solution")
		}
	})

	t.Run("other platform", func(t *testing.T) {
		dest := memPlatform(t)
		clone, err := sc.Clone(ctx, dest, "model", "remote", "cloned", true, 0)
		if err != nil {
			t.Fatalf("Clone: %v", err)
		}
		if clone.Platform() != dest {
			t.Fatal("clone handle must belong to the destination platform")
		}
		if _, err := NewScenario(ctx, dest, "model", "remote", VersionDefault); err != nil {
			t.Fatalf("clone not loadable on destination: %v", err)
		}
	})
}

func TestScenarioFromURL(t *testing.T) {
	ctx := context.Background()
	p, err := NewPlatform("memory", nil, WithName("local"))
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	defer p.Close()

	sc, err := ScenarioFromURL(ctx, p, "ixmp://local/model/baseline#new")
	if err != nil {
		t.Fatalf("ScenarioFromURL new: %v", err)
	}
	if _, err := sc.Commit(ctx, "v1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sc.SetAsDefault(ctx); err != nil {
		t.Fatalf("SetAsDefault: %v", err)
	}

	got, err := ScenarioFromURL(ctx, p, "model/baseline")
	if err != nil {
		t.Fatalf("ScenarioFromURL default: %v", err)
	}
	if got.Version() != 1 {
		t.Fatalf("resolved version = %d, want 1", got.Version())
	}

	if _, err := ScenarioFromURL(ctx, p, "ixmp://other/model/baseline"); !IsValidation(err) {
		t.Fatalf("foreign platform url: err = %v, want validation error", err)
	}
	if _, err := ScenarioFromURL(ctx, p, "model/baseline#9"); !IsNotFound(err) {
		t.Fatalf("missing version url: err = %v, want not-found", err)
	}
}

func TestScenarioBasicIndexSet(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	if err := p.AddUnit(ctx, "GWa", ""); err != nil {
		t.Fatalf("AddUnit: %v", err)
	}
	sc, err := CreateScenario(ctx, p, "model", "basic", "MESSAGE", "")
	if err != nil {
		t.Fatalf("CreateScenario: %v", err)
	}

	// a set without index sets holds plain 1-tuple elements
	if err := sc.InitSet(ctx, "i", nil, nil); err != nil {
		t.Fatalf("InitSet: %v", err)
	}
	if err := sc.AddSetElements(ctx, "i", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("AddSetElements flat list: %v", err)
	}
	if err := sc.AddSetElements(ctx, "i", "c", nil); err != nil {
		t.Fatalf("AddSetElements single key: %v", err)
	}
	data, err := sc.Set(ctx, "i", nil)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(data.Keys, want) {
		t.Fatalf("keys = %v, want %v", data.Keys, want)
	}

	// wider keys do not fit a basic set
	err = sc.AddSetElements(ctx, "i", [][]string{{"x", "y"}}, nil)
	if !IsValidation(err) {
		t.Fatalf("2-tuple into a basic set: err = %v, want validation", err)
	}

	// parameters indexed by a basic set see its members
	if err := sc.InitPar(ctx, "d", []string{"i"}, nil); err != nil {
		t.Fatalf("InitPar: %v", err)
	}
	if err := sc.AddParElements(ctx, "d", "a", 3.5, "GWa", nil); err != nil {
		t.Fatalf("AddParElements: %v", err)
	}
	err = sc.AddParElements(ctx, "d", "z", 1.0, "GWa", nil)
	if !IsValidation(err) {
		t.Fatalf("non-member key: err = %v, want validation", err)
	}

	if err := sc.RemoveSetElements(ctx, "i", "c"); err != nil {
		t.Fatalf("RemoveSetElements: %v", err)
	}
	data, err = sc.Set(ctx, "i", nil)
	if err != nil || data.Len() != 2 {
		t.Fatalf("after removal: (%d rows, %v), want 2", data.Len(), err)
	}
}

func TestScenarioTransactSolutionGuard(t *testing.T) {
	ctx := context.Background()
	p := memPlatform(t)
	sc := newScenarioWithStructure(t, p)
	importSolution(t, sc, "ACT", []Element{
		{Key: []string{"World"}, Value: fptr(1)},
	})

	err := sc.Transact(ctx, "edit", func() error {
		return sc.InitPar(ctx, "cost", []string{"node"}, nil)
	})
	if !errors.Is(err, ErrSolutionExists) {
		t.Fatalf("Transact on solved scenario: err = %v, want solution-exists", err)
	}
	if has, _ := sc.HasItem(ctx, Par, "cost"); has {
		t.Fatal("model data edited despite the solution guard")
	}

	// removing the solution unblocks Transact
	if err := sc.RemoveSolution(ctx, 0); err != nil {
		t.Fatalf("RemoveSolution: %v", err)
	}
	if err := sc.Transact(ctx, "edit", func() error {
		return sc.InitPar(ctx, "cost", []string{"node"}, nil)
	}); err != nil {
		t.Fatalf("Transact after solution removal: %v", err)
	}
	if has, _ := sc.HasItem(ctx, Par, "cost"); !has {
		t.Fatal("transacted edit was not committed")
	}
}

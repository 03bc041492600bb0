package ixmp

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// unitDef is one registered unit of measure
type unitDef struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// metaScope identifies one annotation scope. Empty model/scenario and a
// non-positive version act as wildcards when checking overlap.
type metaScope struct {
	Model    string `json:"model,omitempty"`
	Scenario string `json:"scenario,omitempty"`
	Version  int    `json:"version,omitempty"`
}

// newMetaScope clamps non-positive versions to zero so VersionDefault
// and zero name the same unversioned scope
func newMetaScope(model, scenario string, version int) metaScope {
	if version <= 0 {
		version = 0
	}
	return metaScope{Model: model, Scenario: scenario, Version: version}
}

// valid reports whether the scope is one of the four supported
// combinations: (model), (scenario), (model, scenario),
// (model, scenario, version)
func (s metaScope) valid() bool {
	if s.Version > 0 {
		return s.Model != "" && s.Scenario != ""
	}
	return s.Model != "" || s.Scenario != ""
}

// overlaps reports whether two scopes can apply to the same
// (model, scenario, version) triple
func (s metaScope) overlaps(o metaScope) bool {
	if s.Model != "" && o.Model != "" && s.Model != o.Model {
		return false
	}
	if s.Scenario != "" && o.Scenario != "" && s.Scenario != o.Scenario {
		return false
	}
	if s.Version > 0 && o.Version > 0 && s.Version != o.Version {
		return false
	}
	return true
}

type metaEntry struct {
	Scope  metaScope              `json:"scope"`
	Values map[string]interface{} `json:"values"`
}

// registryState is the platform-wide registry data
type registryState struct {
	ModelNames    []string    `json:"model_names"`
	ScenarioNames []string    `json:"scenario_names"`
	Units         []unitDef   `json:"units"`
	Regions       []Region    `json:"regions"`
	Timeslices    []Timeslice `json:"timeslices"`
	Meta          []metaEntry `json:"meta"`
}

// storedElement is one element row of an item
type storedElement struct {
	Key      []string `json:"key,omitempty"`
	Value    float64  `json:"value"`
	Marginal float64  `json:"marginal,omitempty"`
	Unit     string   `json:"unit,omitempty"`
	Comment  string   `json:"comment,omitempty"`
}

// itemDef is one named, dimensioned item inside a run
type itemDef struct {
	Kind       ItemType        `json:"kind"`
	Name       string          `json:"name"`
	IndexSets  []string        `json:"index_sets,omitempty"`
	IndexNames []string        `json:"index_names,omitempty"`
	Elements   []storedElement `json:"elements"`
}

func (d *itemDef) copy() *itemDef {
	out := &itemDef{
		Kind:       d.Kind,
		Name:       d.Name,
		IndexSets:  append([]string(nil), d.IndexSets...),
		IndexNames: append([]string(nil), d.IndexNames...),
	}
	out.Elements = make([]storedElement, len(d.Elements))
	for i, e := range d.Elements {
		out.Elements[i] = e
		out.Elements[i].Key = append([]string(nil), e.Key...)
	}
	return out
}

// tsRow is one stored time-series observation plus its metadata flag
type tsRow struct {
	Region    string  `json:"region"`
	Variable  string  `json:"variable"`
	Unit      string  `json:"unit"`
	Subannual string  `json:"subannual"`
	Year      int     `json:"year"`
	Value     float64 `json:"value"`
	Meta      bool    `json:"meta,omitempty"`
}

// runState is the data content of one run: time-series rows, geodata and
// items. A run keeps a committed copy and, while checked out, a working
// copy that commit swaps in or discard drops. All mutation logic lives
// here as pure methods so every engine built on this representation
// shares identical semantics; callers hold whatever lock their engine
// needs.
type runState struct {
	TSData    []tsRow             `json:"tsdata"`
	GeoData   []GeoRow            `json:"geodata"`
	Items     map[string]*itemDef `json:"items"`
	ItemOrder []string            `json:"item_order"`
}

func newRunState() *runState {
	return &runState{Items: make(map[string]*itemDef)}
}

func (st *runState) copy() *runState {
	out := &runState{
		TSData:    make([]tsRow, len(st.TSData)),
		GeoData:   append([]GeoRow(nil), st.GeoData...),
		Items:     make(map[string]*itemDef, len(st.Items)),
		ItemOrder: append([]string(nil), st.ItemOrder...),
	}
	copy(out.TSData, st.TSData)
	for name, def := range st.Items {
		out.Items[name] = def.copy()
	}
	return out
}

// normalize repairs a state decoded from a persisted document
func (st *runState) normalize() {
	if st.Items == nil {
		st.Items = make(map[string]*itemDef)
	}
}

func matchList[T comparable](list []T, v T) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Time-series data

func (st *runState) setTSData(region, variable, unit, subannual string, data map[int]float64, meta bool) {
	years := make([]int, 0, len(data))
	for y := range data {
		years = append(years, y)
	}
	sort.Ints(years)
	for _, year := range years {
		value := data[year]
		replaced := false
		for i := range st.TSData {
			row := &st.TSData[i]
			if row.Region == region && row.Variable == variable && row.Unit == unit &&
				row.Subannual == subannual && row.Year == year {
				row.Value = value
				row.Meta = meta
				replaced = true
				break
			}
		}
		if !replaced {
			st.TSData = append(st.TSData, tsRow{
				Region: region, Variable: variable, Unit: unit,
				Subannual: subannual, Year: year, Value: value, Meta: meta,
			})
		}
	}
}

func (st *runState) getTSData(regions, variables, units []string, years []int) []DataRow {
	out := make([]DataRow, 0)
	for _, row := range st.TSData {
		if !matchList(regions, row.Region) || !matchList(variables, row.Variable) ||
			!matchList(units, row.Unit) || !matchList(years, row.Year) {
			continue
		}
		out = append(out, DataRow{
			Region:    row.Region,
			Variable:  row.Variable,
			Unit:      row.Unit,
			Subannual: row.Subannual,
			Year:      row.Year,
			Value:     row.Value,
		})
	}
	return out
}

func (st *runState) deleteTSData(region, variable, subannual string, years []int, unit string) {
	kept := st.TSData[:0]
	for _, row := range st.TSData {
		if row.Region == region && row.Variable == variable && row.Subannual == subannual &&
			row.Unit == unit && matchList(years, row.Year) {
			continue
		}
		kept = append(kept, row)
	}
	st.TSData = kept
}

func (st *runState) setGeo(rows []GeoRow) {
	for _, incoming := range rows {
		replaced := false
		for i := range st.GeoData {
			row := &st.GeoData[i]
			if row.Region == incoming.Region && row.Variable == incoming.Variable &&
				row.Subannual == incoming.Subannual && row.Year == incoming.Year {
				*row = incoming
				replaced = true
				break
			}
		}
		if !replaced {
			st.GeoData = append(st.GeoData, incoming)
		}
	}
}

func (st *runState) deleteGeo(region, variable, subannual string, years []int, unit string) {
	kept := st.GeoData[:0]
	for _, row := range st.GeoData {
		if row.Region == region && row.Variable == variable && row.Subannual == subannual &&
			row.Unit == unit && matchList(years, row.Year) {
			continue
		}
		kept = append(kept, row)
	}
	st.GeoData = kept
}

// Items

func (st *runState) listItems(kind ItemType) []string {
	out := make([]string, 0)
	for _, name := range st.ItemOrder {
		if def, ok := st.Items[name]; ok && def.Kind.Is(kind) {
			out = append(out, name)
		}
	}
	return out
}

func (st *runState) initItem(kind ItemType, name string, indexSets, indexNames []string) error {
	if !kind.IsBase() || kind == TimeSeriesData {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"kind":   kind.String(),
			"reason": "items must be a set, parameter, variable or equation",
		})
	}
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "name", "reason": "empty item name"})
	}
	if len(indexNames) > 0 && len(indexNames) != len(indexSets) {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"item":        name,
			"index_sets":  len(indexSets),
			"index_names": len(indexNames),
			"reason":      "index_names must match index_sets in length",
		})
	}
	// Names are unique across all kinds
	if _, exists := st.Items[name]; exists {
		return WithContext(ErrAlreadyExists, map[string]interface{}{"item": name})
	}
	for _, idx := range indexSets {
		def, ok := st.Items[idx]
		if !ok || def.Kind != Set {
			return WithContext(ErrItemNotFound, map[string]interface{}{
				"item":   name,
				"index":  idx,
				"reason": "index set does not exist",
			})
		}
	}
	// Index names default to the index set's own name
	names := indexNames
	if len(names) == 0 {
		names = append([]string(nil), indexSets...)
	}
	st.Items[name] = &itemDef{
		Kind:       kind,
		Name:       name,
		IndexSets:  append([]string(nil), indexSets...),
		IndexNames: append([]string(nil), names...),
	}
	st.ItemOrder = append(st.ItemOrder, name)
	return nil
}

func (st *runState) deleteItem(kind ItemType, name string) error {
	def, ok := st.Items[name]
	if !ok || !def.Kind.Is(kind) {
		return WithContext(ErrItemNotFound, map[string]interface{}{"item": name, "kind": kind.String()})
	}
	delete(st.Items, name)
	for i, n := range st.ItemOrder {
		if n == name {
			st.ItemOrder = append(st.ItemOrder[:i], st.ItemOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (st *runState) itemIndex(name, dim string) ([]string, error) {
	def, ok := st.Items[name]
	if !ok {
		return nil, WithContext(ErrItemNotFound, map[string]interface{}{"item": name})
	}
	switch dim {
	case "sets":
		return append([]string(nil), def.IndexSets...), nil
	case "names":
		return append([]string(nil), def.IndexNames...), nil
	}
	return nil, WithContext(ErrInvalidData, map[string]interface{}{
		"dim":    dim,
		"reason": `dim must be "sets" or "names"`,
	})
}

func (st *runState) itemGetElements(kind ItemType, name string, filters map[string][]string) (*ItemData, error) {
	def, ok := st.Items[name]
	if !ok || !def.Kind.Is(kind) {
		return nil, WithContext(ErrItemNotFound, map[string]interface{}{"item": name, "kind": kind.String()})
	}

	// Map filters onto dimension positions; names that are not a
	// dimension of this item are harmless
	allowed := make(map[int]map[string]bool)
	for dimName, values := range filters {
		for pos, n := range def.IndexNames {
			if n == dimName {
				set := make(map[string]bool, len(values))
				for _, v := range values {
					set[v] = true
				}
				allowed[pos] = set
			}
		}
	}

	data := &ItemData{
		Kind:       def.Kind,
		Name:       def.Name,
		IndexSets:  append([]string(nil), def.IndexSets...),
		IndexNames: append([]string(nil), def.IndexNames...),
	}
	for _, el := range def.Elements {
		matched := true
		for pos, set := range allowed {
			if pos >= len(el.Key) || !set[el.Key[pos]] {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		data.Keys = append(data.Keys, append([]string(nil), el.Key...))
		switch def.Kind {
		case Set:
		case Par:
			data.Values = append(data.Values, el.Value)
			data.Units = append(data.Units, el.Unit)
		case Var, Equ:
			data.Values = append(data.Values, el.Value)
			data.Marginals = append(data.Marginals, el.Marginal)
		}
	}
	return data, nil
}

// itemDims returns an item's key width. A set with no index sets is a
// basic index set whose elements are 1-tuples.
func itemDims(def *itemDef) int {
	if len(def.IndexSets) == 0 && def.Kind.Is(Set) {
		return 1
	}
	return len(def.IndexSets)
}

func keyEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// setElements validates and upserts elements. hasUnit reports whether a
// unit is registered on the platform; validation runs over every element
// before any mutation so a failed call leaves the item untouched.
func (st *runState) setElements(kind ItemType, name string, elements []Element, hasUnit func(string) bool) error {
	def, ok := st.Items[name]
	if !ok || !def.Kind.Is(kind) {
		return WithContext(ErrItemNotFound, map[string]interface{}{"item": name, "kind": kind.String()})
	}

	dims := itemDims(def)
	for _, el := range elements {
		if len(el.Key) != dims {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"item":       name,
				"key":        el.Key,
				"dimensions": dims,
				"reason":     "key length must match item dimensionality",
			})
		}
		for pos := range def.IndexSets {
			component := el.Key[pos]
			idxSet := st.Items[def.IndexSets[pos]]
			if idxSet == nil {
				return WithContext(ErrItemNotFound, map[string]interface{}{"index_set": def.IndexSets[pos]})
			}
			member := false
			for _, idxEl := range idxSet.Elements {
				if len(idxEl.Key) == 1 && idxEl.Key[0] == component {
					member = true
					break
				}
			}
			if !member {
				return WithContext(ErrInvalidData, map[string]interface{}{
					"item":      name,
					"key":       component,
					"index_set": def.IndexSets[pos],
					"reason":    "key value is not a member of its index set",
				})
			}
		}
		if def.Kind == Par && el.Unit != nil && *el.Unit != "" && !hasUnit(*el.Unit) {
			return WithContext(ErrNotFound, map[string]interface{}{
				"unit":   *el.Unit,
				"reason": "unit is not registered on the platform",
			})
		}
	}

	for _, el := range elements {
		stored := storedElement{Key: append([]string(nil), el.Key...)}
		if el.Value != nil {
			stored.Value = *el.Value
		}
		if el.Unit != nil {
			stored.Unit = *el.Unit
		}
		if el.Comment != nil {
			stored.Comment = *el.Comment
		}
		if el.Marginal != nil {
			stored.Marginal = *el.Marginal
		}
		replaced := false
		for i := range def.Elements {
			if keyEqual(def.Elements[i].Key, stored.Key) {
				def.Elements[i] = stored
				replaced = true
				break
			}
		}
		if !replaced {
			def.Elements = append(def.Elements, stored)
		}
	}
	return nil
}

func (st *runState) deleteElements(kind ItemType, name string, keys [][]string) error {
	def, ok := st.Items[name]
	if !ok || !def.Kind.Is(kind) {
		return WithContext(ErrItemNotFound, map[string]interface{}{"item": name, "kind": kind.String()})
	}
	for _, key := range keys {
		kept := def.Elements[:0]
		for _, el := range def.Elements {
			if keyEqual(el.Key, key) {
				continue
			}
			kept = append(kept, el)
		}
		def.Elements = kept
	}
	return nil
}

// Solution

func (st *runState) hasSolution() bool {
	for _, def := range st.Items {
		if def.Kind.Is(Solution) && len(def.Elements) > 0 {
			return true
		}
	}
	return false
}

func (st *runState) clearSolution(fromYear int) {
	for _, def := range st.Items {
		if !def.Kind.Is(Solution) {
			continue
		}
		if fromYear <= 0 {
			def.Elements = nil
			continue
		}
		kept := def.Elements[:0]
		for _, el := range def.Elements {
			if elementYearAtOrAfter(el.Key, fromYear) {
				continue
			}
			kept = append(kept, el)
		}
		def.Elements = kept
	}
}

// elementYearAtOrAfter reports whether any key component parses as a year
// at or after the threshold
func elementYearAtOrAfter(key []string, year int) bool {
	for _, component := range key {
		if y, err := strconv.Atoi(strings.TrimSpace(component)); err == nil && y >= year {
			return true
		}
	}
	return false
}

// cloneState builds the state a cloned run starts from. Without
// keepSolution variable/equation elements are dropped and only
// metadata-flagged time-series rows survive; firstModelYear > 0
// additionally keeps non-metadata rows for years before the threshold.
func (st *runState) cloneState(keepSolution bool, firstModelYear int) *runState {
	out := newRunState()
	out.ItemOrder = append([]string(nil), st.ItemOrder...)
	for name, def := range st.Items {
		cp := def.copy()
		if !keepSolution && cp.Kind.Is(Solution) {
			cp.Elements = nil
		}
		out.Items[name] = cp
	}
	for _, row := range st.TSData {
		switch {
		case keepSolution:
		case row.Meta:
		case firstModelYear > 0 && row.Year < firstModelYear:
		default:
			continue
		}
		out.TSData = append(out.TSData, row)
	}
	out.GeoData = append([]GeoRow(nil), st.GeoData...)
	return out
}

// run is one stored (model, scenario, version) row
type run struct {
	ID         int64     `json:"id"`
	Model      string    `json:"model"`
	Scenario   string    `json:"scenario"`
	Scheme     string    `json:"scheme,omitempty"`
	Version    int       `json:"version"`
	IsDefault  bool      `json:"is_default"`
	Annotation string    `json:"annotation,omitempty"`
	CreateUser string    `json:"create_user"`
	CreateDate time.Time `json:"create_date"`
	UpdateUser string    `json:"update_user"`
	UpdateDate time.Time `json:"update_date"`
	LockUser   string    `json:"lock_user,omitempty"`
	LockDate   time.Time `json:"lock_date,omitempty"`

	// LockedBy holds the handle id of the session that checked the run
	// out; empty means unlocked. Working is only non-nil while locked.
	LockedBy  string    `json:"locked_by,omitempty"`
	Committed *runState `json:"committed"`
	Working   *runState `json:"-"`
}

func (r *run) scenarioRow() ScenarioRow {
	return ScenarioRow{
		Model:      r.Model,
		Scenario:   r.Scenario,
		Scheme:     r.Scheme,
		IsDefault:  r.IsDefault,
		IsLocked:   r.LockedBy != "",
		CreateUser: r.CreateUser,
		CreateDate: r.CreateDate,
		UpdateUser: r.UpdateUser,
		UpdateDate: r.UpdateDate,
		LockUser:   r.LockUser,
		LockDate:   r.LockDate,
		Annotation: r.Annotation,
		Version:    r.Version,
	}
}

// runStore is the shared engine state behind the memory and file
// backends: registries plus versioned runs with checkout arbitration.
// Persistence is hook-based so the file engine can snapshot to disk after
// each durable mutation while the memory engine keeps everything
// in-process.
type runStore struct {
	mu        sync.RWMutex
	reg       registryState
	runs      map[int64]*run
	nextRunID int64
	user      string

	// persistence hooks; nil for the memory engine
	saveRegistry func(*registryState) error
	saveRun      func(*run) error
}

func newRunStore(user string) *runStore {
	if user == "" {
		user = "local"
	}
	return &runStore{
		runs:      make(map[int64]*run),
		nextRunID: 1,
		user:      user,
	}
}

func (st *runStore) persistRegistry() error {
	if st.saveRegistry == nil {
		return nil
	}
	return st.saveRegistry(&st.reg)
}

func (st *runStore) persistRun(r *run) error {
	if st.saveRun == nil {
		return nil
	}
	return st.saveRun(r)
}

// Registries
//
// The mutations are pure functions over registryState so the SQL engine
// can run the same logic inside its transactions; runStore wraps them
// with its lock and persistence hooks.

func appendUnique(list []string, name string) []string {
	for _, v := range list {
		if v == name {
			return list
		}
	}
	return append(list, name)
}

func regAddModelName(reg *registryState, name string) error {
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "model", "reason": "empty name"})
	}
	reg.ModelNames = appendUnique(reg.ModelNames, name)
	return nil
}

func regAddScenarioName(reg *registryState, name string) error {
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "scenario", "reason": "empty name"})
	}
	reg.ScenarioNames = appendUnique(reg.ScenarioNames, name)
	return nil
}

func regAddUnit(reg *registryState, name, comment string) error {
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "unit", "reason": "empty name"})
	}
	for i := range reg.Units {
		if reg.Units[i].Name == name {
			reg.Units[i].Comment = comment
			return nil
		}
	}
	reg.Units = append(reg.Units, unitDef{Name: name, Comment: comment})
	return nil
}

func regHasUnit(reg *registryState, name string) bool {
	for _, u := range reg.Units {
		if u.Name == name {
			return true
		}
	}
	return false
}

func regAddRegion(reg *registryState, name, hierarchy, parent string) error {
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "region", "reason": "empty name"})
	}
	for _, r := range reg.Regions {
		if r.Region == name {
			return WithContext(ErrAlreadyExists, map[string]interface{}{"region": name})
		}
	}
	reg.Regions = append(reg.Regions, Region{Region: name, Parent: parent, Hierarchy: hierarchy})
	return nil
}

func regAddRegionSynonym(reg *registryState, name, mappedTo string) error {
	found := false
	for _, r := range reg.Regions {
		if r.Region == mappedTo && r.MappedTo == "" {
			found = true
			break
		}
	}
	if !found {
		return WithContext(ErrNotFound, map[string]interface{}{"region": mappedTo})
	}
	for _, r := range reg.Regions {
		if r.Region == name {
			return WithContext(ErrAlreadyExists, map[string]interface{}{"region": name})
		}
	}
	reg.Regions = append(reg.Regions, Region{Region: name, MappedTo: mappedTo})
	return nil
}

func regAddTimeslice(reg *registryState, name, category string, duration float64) error {
	if name == "" {
		return WithContext(ErrInvalidData, map[string]interface{}{"field": "timeslice", "reason": "empty name"})
	}
	if duration <= 0 || duration > 1 {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"timeslice": name,
			"duration":  duration,
			"reason":    "duration must be a fraction of a year in (0, 1]",
		})
	}
	for _, ts := range reg.Timeslices {
		if ts.Name == name {
			return WithContext(ErrAlreadyExists, map[string]interface{}{"timeslice": name})
		}
	}
	reg.Timeslices = append(reg.Timeslices, Timeslice{Name: name, Category: category, Duration: duration})
	return nil
}

func (st *runStore) addModelName(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddModelName(&st.reg, name); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) modelNames() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]string(nil), st.reg.ModelNames...)
}

func (st *runStore) addScenarioName(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddScenarioName(&st.reg, name); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) scenarioNames() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]string(nil), st.reg.ScenarioNames...)
}

func (st *runStore) addUnit(name, comment string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddUnit(&st.reg, name, comment); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) units() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, len(st.reg.Units))
	for i, u := range st.reg.Units {
		out[i] = u.Name
	}
	return out
}

// hasUnit is called with st.mu already held
func (st *runStore) hasUnit(name string) bool {
	return regHasUnit(&st.reg, name)
}

func (st *runStore) addRegion(name, hierarchy, parent string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddRegion(&st.reg, name, hierarchy, parent); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) addRegionSynonym(name, mappedTo string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddRegionSynonym(&st.reg, name, mappedTo); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) regions() []Region {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Region(nil), st.reg.Regions...)
}

func (st *runStore) addTimeslice(name, category string, duration float64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regAddTimeslice(&st.reg, name, category, duration); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) timeslices() []Timeslice {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Timeslice(nil), st.reg.Timeslices...)
}

// Meta

// validateMetaValues rejects non-scalar annotation values. Shared with
// the postgres engine.
func validateMetaValues(meta map[string]interface{}) error {
	for k, v := range meta {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return WithContext(ErrInvalidData, map[string]interface{}{
				"key":    k,
				"value":  v,
				"reason": "meta values must be scalar",
			})
		}
	}
	return nil
}

func unsupportedScope(scope metaScope) error {
	return WithContext(ErrUnsupported, map[string]interface{}{
		"model":    scope.Model,
		"scenario": scope.Scenario,
		"version":  scope.Version,
		"reason":   "unsupported meta scope combination",
	})
}

func regGetMeta(reg *registryState, scope metaScope) (map[string]interface{}, error) {
	if !scope.valid() {
		return nil, unsupportedScope(scope)
	}
	for _, e := range reg.Meta {
		if e.Scope == scope {
			out := make(map[string]interface{}, len(e.Values))
			for k, v := range e.Values {
				out[k] = v
			}
			return out, nil
		}
	}
	return map[string]interface{}{}, nil
}

func regSetMeta(reg *registryState, scope metaScope, meta map[string]interface{}) error {
	if !scope.valid() {
		return unsupportedScope(scope)
	}
	if err := validateMetaValues(meta); err != nil {
		return err
	}

	// A key may exist at only one scope among any overlapping scopes
	for _, e := range reg.Meta {
		if e.Scope == scope || !e.Scope.overlaps(scope) {
			continue
		}
		for k := range meta {
			if _, clash := e.Values[k]; clash {
				return WithContext(ErrInvalidData, map[string]interface{}{
					"key":    k,
					"reason": "meta key already set at an overlapping scope",
				})
			}
		}
	}

	for i := range reg.Meta {
		if reg.Meta[i].Scope == scope {
			for k, v := range meta {
				reg.Meta[i].Values[k] = v
			}
			return nil
		}
	}
	values := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		values[k] = v
	}
	reg.Meta = append(reg.Meta, metaEntry{Scope: scope, Values: values})
	return nil
}

func regRemoveMeta(reg *registryState, scope metaScope, keys []string) error {
	if !scope.valid() {
		return unsupportedScope(scope)
	}
	for i := range reg.Meta {
		if reg.Meta[i].Scope != scope {
			continue
		}
		for _, k := range keys {
			if _, ok := reg.Meta[i].Values[k]; !ok {
				return WithContext(ErrNotFound, map[string]interface{}{"key": k})
			}
			delete(reg.Meta[i].Values, k)
		}
		return nil
	}
	return WithContext(ErrNotFound, map[string]interface{}{
		"model":    scope.Model,
		"scenario": scope.Scenario,
		"version":  scope.Version,
	})
}

func (st *runStore) getMeta(scope metaScope) (map[string]interface{}, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return regGetMeta(&st.reg, scope)
}

func (st *runStore) setMeta(scope metaScope, meta map[string]interface{}) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regSetMeta(&st.reg, scope, meta); err != nil {
		return err
	}
	return st.persistRegistry()
}

func (st *runStore) removeMeta(scope metaScope, keys []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := regRemoveMeta(&st.reg, scope, keys); err != nil {
		return err
	}
	return st.persistRegistry()
}

// Run lookup

func (st *runStore) findRun(model, scenario string, version int) (*run, error) {
	switch {
	case version == VersionDefault:
		for _, r := range st.runs {
			if r.Model == model && r.Scenario == scenario && r.IsDefault {
				return r, nil
			}
		}
		return nil, WithContext(ErrRunNotFound, map[string]interface{}{
			"model":    model,
			"scenario": scenario,
			"reason":   "no default version",
		})
	case version >= 1:
		for _, r := range st.runs {
			if r.Model == model && r.Scenario == scenario && r.Version == version {
				return r, nil
			}
		}
		return nil, WithContext(ErrRunNotFound, map[string]interface{}{
			"model":    model,
			"scenario": scenario,
			"version":  version,
		})
	}
	return nil, WithContext(ErrInvalidData, map[string]interface{}{
		"version": version,
		"reason":  "version must be positive or the default sentinel",
	})
}

func (st *runStore) runByID(id int64) (*run, error) {
	r, ok := st.runs[id]
	if !ok {
		return nil, WithContext(ErrRunNotFound, map[string]interface{}{"run_id": id})
	}
	return r, nil
}

// Session lifecycle

// initRun creates a new run. The run starts checked out by the creating
// handle: a new session is editable without an explicit checkout and its
// permanent version is assigned at first commit.
func (st *runStore) initRun(s *Session, annotation string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	r := &run{
		ID:         st.nextRunID,
		Model:      s.Model,
		Scenario:   s.Scenario,
		Scheme:     s.Scheme,
		Version:    VersionNew,
		Annotation: annotation,
		CreateUser: st.user,
		CreateDate: now,
		UpdateUser: st.user,
		UpdateDate: now,
		LockedBy:   s.HandleID,
		LockUser:   st.user,
		LockDate:   now,
		Committed:  newRunState(),
	}
	r.Working = r.Committed.copy()
	st.nextRunID++
	st.runs[r.ID] = r

	st.reg.ModelNames = appendUnique(st.reg.ModelNames, s.Model)
	st.reg.ScenarioNames = appendUnique(st.reg.ScenarioNames, s.Scenario)

	s.RunID = r.ID
	s.Version = VersionNew
	if err := st.persistRegistry(); err != nil {
		return err
	}
	return st.persistRun(r)
}

func (st *runStore) getRun(s *Session) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, err := st.findRun(s.Model, s.Scenario, s.Version)
	if err != nil {
		return err
	}
	s.Version = r.Version
	s.RunID = r.ID
	s.Scheme = r.Scheme
	return nil
}

func (st *runStore) checkOut(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return err
	}
	if r.LockedBy == s.HandleID {
		return nil
	}
	if r.LockedBy != "" {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
			"version":  r.Version,
		})
	}
	r.LockedBy = s.HandleID
	r.LockUser = st.user
	r.LockDate = time.Now().UTC()
	r.Working = r.Committed.copy()
	return nil
}

// commitRun swaps the working copy in, assigns the permanent version for
// a new run and persists. On persistence failure nothing is swapped and
// the run stays checked out, so the caller can retry or discard.
func (st *runStore) commitRun(s *Session, comment string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return err
	}
	if r.LockedBy != s.HandleID || r.Working == nil {
		return WithContext(ErrNotCheckedOut, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
		})
	}

	prevCommitted := r.Committed
	prevVersion := r.Version

	r.Committed = r.Working
	if r.Version == VersionNew {
		r.Version = st.nextVersionLocked(r.Model, r.Scenario)
	}
	r.UpdateUser = st.user
	r.UpdateDate = time.Now().UTC()
	if comment != "" {
		r.Annotation = comment
	}

	if err := st.persistRun(r); err != nil {
		r.Committed = prevCommitted
		r.Version = prevVersion
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"run_id": r.ID,
			"error":  err.Error(),
		})
	}

	r.Working = nil
	r.LockedBy = ""
	r.LockUser = ""
	r.LockDate = time.Time{}
	s.Version = r.Version
	return nil
}

func (st *runStore) nextVersionLocked(model, scenario string) int {
	next := 1
	for _, r := range st.runs {
		if r.Model == model && r.Scenario == scenario && r.Version >= next {
			next = r.Version + 1
		}
	}
	return next
}

// discardChanges drops the working copy and always leaves the run
// unlocked, even when nothing was checked out
func (st *runStore) discardChanges(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return err
	}
	if r.LockedBy != "" && r.LockedBy != s.HandleID {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
		})
	}
	r.Working = nil
	r.LockedBy = ""
	r.LockUser = ""
	r.LockDate = time.Time{}
	return nil
}

func (st *runStore) setAsDefault(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return err
	}
	if r.Version == VersionNew {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
			"reason":   "cannot set an uncommitted run as default",
		})
	}
	for _, other := range st.runs {
		if other != r && other.Model == r.Model && other.Scenario == r.Scenario && other.IsDefault {
			other.IsDefault = false
			if err := st.persistRun(other); err != nil {
				return err
			}
		}
	}
	r.IsDefault = true
	return st.persistRun(r)
}

func (st *runStore) isDefault(s *Session) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return false, err
	}
	return r.IsDefault, nil
}

func (st *runStore) lastUpdate(s *Session) (time.Time, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return time.Time{}, err
	}
	return r.UpdateDate, nil
}

func (st *runStore) listScenarios(defaultOnly bool, model, scenario string) []ScenarioRow {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rows := make([]ScenarioRow, 0, len(st.runs))
	for _, r := range st.runs {
		if defaultOnly && !r.IsDefault {
			continue
		}
		if model != "" && r.Model != model {
			continue
		}
		if scenario != "" && r.Scenario != scenario {
			continue
		}
		rows = append(rows, r.scenarioRow())
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Model != rows[j].Model {
			return rows[i].Model < rows[j].Model
		}
		if rows[i].Scenario != rows[j].Scenario {
			return rows[i].Scenario < rows[j].Scenario
		}
		return rows[i].Version < rows[j].Version
	})
	return rows
}

// writeState returns the state a mutating call must target: the working
// copy, present only while the session holds the checkout. Callers hold
// st.mu.
func (st *runStore) writeState(s *Session) (*runState, error) {
	r, err := st.runByID(s.RunID)
	if err != nil {
		return nil, err
	}
	if r.LockedBy != s.HandleID || r.Working == nil {
		return nil, WithContext(ErrCheckoutRequired, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
		})
	}
	return r.Working, nil
}

// readState returns what reads should see: the working copy for the
// handle holding the checkout, the committed copy for everyone else
func (st *runStore) readState(s *Session) (*runState, error) {
	r, err := st.runByID(s.RunID)
	if err != nil {
		return nil, err
	}
	if r.LockedBy == s.HandleID && r.Working != nil {
		return r.Working, nil
	}
	return r.Committed, nil
}

// Time-series data

func (st *runStore) setData(s *Session, region, variable, unit, subannual string, data map[int]float64, meta bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	ws.setTSData(region, variable, unit, subannual, data, meta)
	return nil
}

func (st *runStore) getData(s *Session, regions, variables, units []string, years []int) ([]DataRow, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return nil, err
	}
	return rs.getTSData(regions, variables, units, years), nil
}

func (st *runStore) deleteData(s *Session, region, variable, subannual string, years []int, unit string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	ws.deleteTSData(region, variable, subannual, years, unit)
	return nil
}

func (st *runStore) setGeoData(s *Session, rows []GeoRow) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	ws.setGeo(rows)
	return nil
}

func (st *runStore) getGeoData(s *Session) ([]GeoRow, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return nil, err
	}
	return append([]GeoRow(nil), rs.GeoData...), nil
}

func (st *runStore) deleteGeoData(s *Session, region, variable, subannual string, years []int, unit string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	ws.deleteGeo(region, variable, subannual, years, unit)
	return nil
}

// Items

func (st *runStore) listItems(s *Session, kind ItemType) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return nil, err
	}
	return rs.listItems(kind), nil
}

func (st *runStore) initItem(s *Session, kind ItemType, name string, indexSets, indexNames []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	return ws.initItem(kind, name, indexSets, indexNames)
}

func (st *runStore) deleteItem(s *Session, kind ItemType, name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	return ws.deleteItem(kind, name)
}

func (st *runStore) itemIndex(s *Session, name, dim string) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return nil, err
	}
	return rs.itemIndex(name, dim)
}

func (st *runStore) itemGetElements(s *Session, kind ItemType, name string, filters map[string][]string) (*ItemData, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return nil, err
	}
	return rs.itemGetElements(kind, name, filters)
}

func (st *runStore) itemSetElements(s *Session, kind ItemType, name string, elements []Element) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	return ws.setElements(kind, name, elements, st.hasUnit)
}

func (st *runStore) itemDeleteElements(s *Session, kind ItemType, name string, keys [][]string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws, err := st.writeState(s)
	if err != nil {
		return err
	}
	return ws.deleteElements(kind, name, keys)
}

// Solution

func (st *runStore) hasSolution(s *Session) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, err := st.readState(s)
	if err != nil {
		return false, err
	}
	return rs.hasSolution(), nil
}

// clearSolution removes variable/equation elements from the committed
// state. The run must not be checked out; the removal is durable at once.
func (st *runStore) clearSolution(s *Session, fromYear int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		return err
	}
	if r.LockedBy != "" {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    r.Model,
			"scenario": r.Scenario,
			"reason":   "cannot clear the solution of a checked-out run",
		})
	}
	r.Committed.clearSolution(fromYear)
	return st.persistRun(r)
}

// Clone

// cloneRun copies the committed state of the run into a fresh run on the
// destination store, assigning the next version there and marking it
// default
func (st *runStore) cloneRun(s *Session, dest *runStore, model, scenario, annotation string, keepSolution bool, firstModelYear int) (*Session, error) {
	st.mu.RLock()
	r, err := st.runByID(s.RunID)
	if err != nil {
		st.mu.RUnlock()
		return nil, err
	}
	state := r.Committed.cloneState(keepSolution, firstModelYear)
	scheme := r.Scheme
	st.mu.RUnlock()

	dest.mu.Lock()
	defer dest.mu.Unlock()
	now := time.Now().UTC()
	cloned := &run{
		ID:         dest.nextRunID,
		Model:      model,
		Scenario:   scenario,
		Scheme:     scheme,
		Version:    dest.nextVersionLocked(model, scenario),
		Annotation: annotation,
		CreateUser: dest.user,
		CreateDate: now,
		UpdateUser: dest.user,
		UpdateDate: now,
		Committed:  state,
	}
	dest.nextRunID++
	dest.runs[cloned.ID] = cloned

	for _, other := range dest.runs {
		if other.ID != cloned.ID && other.Model == model && other.Scenario == scenario && other.IsDefault {
			other.IsDefault = false
			if err := dest.persistRun(other); err != nil {
				return nil, err
			}
		}
	}
	cloned.IsDefault = true

	dest.reg.ModelNames = appendUnique(dest.reg.ModelNames, model)
	dest.reg.ScenarioNames = appendUnique(dest.reg.ScenarioNames, scenario)
	if err := dest.persistRegistry(); err != nil {
		return nil, err
	}
	if err := dest.persistRun(cloned); err != nil {
		return nil, err
	}

	out := NewSession(model, scenario, cloned.Version)
	out.RunID = cloned.ID
	out.Scheme = scheme
	out.State = StateLoaded
	return out, nil
}

package ixmp

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backend is the full contract a storage engine must satisfy. Platform,
// TimeSeries and Scenario never depend on a concrete engine, only on this
// interface; engine identity matters only at construction time and inside
// Clone, which may refuse to bridge two incompatible engines.
type Backend interface {
	// Engine lifecycle

	// Close releases the engine connection and any held resources
	Close() error
	// SetLogLevel sets the engine-side log verbosity; engines may ignore it
	SetLogLevel(level string) error
	// LogLevel returns the engine-side log verbosity
	LogLevel() string

	// Registries

	AddModelName(ctx context.Context, name string) error
	ModelNames(ctx context.Context) ([]string, error)
	AddScenarioName(ctx context.Context, name string) error
	ScenarioNames(ctx context.Context) ([]string, error)
	AddUnit(ctx context.Context, name, comment string) error
	Units(ctx context.Context) ([]string, error)
	// AddRegion registers a region under a hierarchy, optionally below a parent
	AddRegion(ctx context.Context, name, hierarchy, parent string) error
	// AddRegionSynonym maps an alternate spelling onto an existing region
	AddRegionSynonym(ctx context.Context, name, mappedTo string) error
	Regions(ctx context.Context) ([]Region, error)
	// AddTimeslice registers a named sub-annual time-slice; duration is a
	// fraction of a year
	AddTimeslice(ctx context.Context, name, category string, duration float64) error
	Timeslices(ctx context.Context) ([]Timeslice, error)

	// Scenarios lists stored runs. Empty model/scenario match everything;
	// defaultOnly restricts to default versions.
	Scenarios(ctx context.Context, defaultOnly bool, model, scenario string) ([]ScenarioRow, error)

	// CheckAccess reports per-model access of kind ("view", "edit") for a
	// user. Engines without access control grant everything.
	CheckAccess(ctx context.Context, user string, models []string, kind string) (map[string]bool, error)

	// Session lifecycle

	// Init creates a new run for (s.Model, s.Scenario) and assigns s.RunID.
	// The permanent version number is assigned at first Commit.
	Init(ctx context.Context, s *Session, annotation string) error
	// Get resolves an existing run. A Version of VersionDefault resolves
	// the default version and writes it back onto s.
	Get(ctx context.Context, s *Session) error
	// CheckOut makes the run editable, failing cleanly if another handle
	// already holds it
	CheckOut(ctx context.Context, s *Session) error
	// Commit writes pending changes durably; for a new run it assigns and
	// records the permanent version
	Commit(ctx context.Context, s *Session, comment string) error
	// DiscardChanges reverts uncommitted changes to the stored state
	DiscardChanges(ctx context.Context, s *Session) error
	SetAsDefault(ctx context.Context, s *Session) error
	IsDefault(ctx context.Context, s *Session) (bool, error)
	LastUpdate(ctx context.Context, s *Session) (time.Time, error)
	RunID(ctx context.Context, s *Session) (int64, error)

	// Time-series data

	// SetData stores year->value observations for one (region, variable,
	// unit, subannual) series; meta flags the rows as persistent metadata
	SetData(ctx context.Context, s *Session, region, variable, unit, subannual string, data map[int]float64, meta bool) error
	// GetData returns rows matching the given coordinates; empty slices
	// match everything
	GetData(ctx context.Context, s *Session, regions, variables, units []string, years []int) ([]DataRow, error)
	DeleteData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error

	SetGeoData(ctx context.Context, s *Session, rows []GeoRow) error
	GetGeoData(ctx context.Context, s *Session) ([]GeoRow, error)
	DeleteGeoData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error

	// Item data

	ListItems(ctx context.Context, s *Session, kind ItemType) ([]string, error)
	InitItem(ctx context.Context, s *Session, kind ItemType, name string, indexSets, indexNames []string) error
	DeleteItem(ctx context.Context, s *Session, kind ItemType, name string) error
	// ItemIndex returns the index sets ("sets") or index names ("names")
	// of an item
	ItemIndex(ctx context.Context, s *Session, name, dim string) ([]string, error)
	// ItemGetElements returns the item's elements, restricted by filters
	// (index name -> allowed values, compared by string form). Filter
	// names that are not dimensions of the item have no effect.
	ItemGetElements(ctx context.Context, s *Session, kind ItemType, name string, filters map[string][]string) (*ItemData, error)
	ItemSetElements(ctx context.Context, s *Session, kind ItemType, name string, elements []Element) error
	ItemDeleteElements(ctx context.Context, s *Session, kind ItemType, name string, keys [][]string) error

	// Scenario lifecycle

	// Clone copies the run into a new (model, scenario) on dest, which may
	// be a different engine instance. Engines that cannot bridge to dest
	// return ErrUnsupported without copying anything. firstModelYear <= 0
	// means no year shift.
	Clone(ctx context.Context, s *Session, dest Backend, model, scenario, annotation string, keepSolution bool, firstModelYear int) (*Session, error)
	HasSolution(ctx context.Context, s *Session) (bool, error)
	// ClearSolution removes variable/equation data; fromYear > 0 restricts
	// the removal to years at or after it
	ClearSolution(ctx context.Context, s *Session, fromYear int) error

	// Meta

	// GetMeta returns annotations at the requested scope. The supported
	// scopes are (model), (scenario), (model, scenario) and
	// (model, scenario, version); version is VersionDefault when not
	// scoping to a version.
	GetMeta(ctx context.Context, model, scenario string, version int) (map[string]interface{}, error)
	SetMeta(ctx context.Context, model, scenario string, version int, meta map[string]interface{}) error
	RemoveMeta(ctx context.Context, model, scenario string, version int, keys []string) error
}

// Factory builds a Backend from engine-specific keyword arguments. Every
// factory must reject unrecognized keys rather than silently ignore them.
type Factory func(kwargs map[string]interface{}) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterBackend registers an engine factory under a name. Engines
// register themselves in init; re-registering a name panics, mirroring
// database/sql driver registration.
func RegisterBackend(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("ixmp: RegisterBackend called twice for " + name)
	}
	factories[name] = f
}

// BackendNames lists the registered engine names, sorted
func BackendNames() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend constructs a Backend from a registered engine name plus
// engine-specific keyword arguments
func NewBackend(name string, kwargs map[string]interface{}) (Backend, error) {
	factoryMu.RLock()
	f, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": name,
			"known":   BackendNames(),
			"reason":  "unknown backend name",
		})
	}
	return f(kwargs)
}

// rejectUnknownKwargs is shared by engine factories: it fails when kwargs
// contains a key outside the accepted set
func rejectUnknownKwargs(kwargs map[string]interface{}, accepted ...string) error {
	ok := make(map[string]bool, len(accepted))
	for _, k := range accepted {
		ok[k] = true
	}
	for k := range kwargs {
		if !ok[k] {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"key":      k,
				"accepted": accepted,
				"reason":   "unrecognized backend argument",
			})
		}
	}
	return nil
}

// stringKwarg reads an optional string argument from kwargs
func stringKwarg(kwargs map[string]interface{}, key string) (string, error) {
	v, ok := kwargs[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"key":    key,
			"value":  v,
			"reason": "expected a string",
		})
	}
	return s, nil
}

// boolKwarg reads an optional bool argument from kwargs
func boolKwarg(kwargs map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, WithContext(ErrInvalidConfig, map[string]interface{}{
			"key":    key,
			"value":  v,
			"reason": "expected a bool",
		})
	}
	return b, nil
}

package ixmp

import (
	"context"
	"time"
)

func init() {
	RegisterBackend("memory", func(kwargs map[string]interface{}) (Backend, error) {
		return NewMemoryBackend(kwargs)
	})
}

// MemoryBackend is the in-process engine. All state lives in a runStore
// and vanishes when the backend is closed; it is the reference engine the
// compliance tests run against and the natural choice for unit tests of
// model workflows.
type MemoryBackend struct {
	store    *runStore
	logger   Logger
	metrics  Metrics
	logLevel string
}

// NewMemoryBackend creates an empty in-memory engine. Supported kwargs:
// "user" (string, recorded on audit columns) and "log_level" (string).
func NewMemoryBackend(kwargs map[string]interface{}) (*MemoryBackend, error) {
	if err := rejectUnknownKwargs(kwargs, "user", "log_level"); err != nil {
		return nil, err
	}
	user, err := stringKwarg(kwargs, "user")
	if err != nil {
		return nil, err
	}
	level, err := stringKwarg(kwargs, "log_level")
	if err != nil {
		return nil, err
	}
	if level == "" {
		level = "info"
	}
	return &MemoryBackend{
		store:    newRunStore(user),
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		logLevel: level,
	}, nil
}

// SetLogger replaces the backend logger. Platform wires its own logger
// through here so engine-level events share the application sink.
func (b *MemoryBackend) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetMetrics replaces the backend metrics sink
func (b *MemoryBackend) SetMetrics(metrics Metrics) {
	if metrics != nil {
		b.metrics = metrics
	}
}

// runStoreProvider lets sibling engines built on runStore exchange runs
// during cross-engine clones
func (b *MemoryBackend) runStoreProvider() *runStore { return b.store }

func (b *MemoryBackend) Close() error {
	b.logger.Debug("memory backend closed")
	return nil
}

func (b *MemoryBackend) SetLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		b.logLevel = level
		return nil
	}
	return WithContext(ErrInvalidConfig, map[string]interface{}{"log_level": level})
}

func (b *MemoryBackend) LogLevel() string { return b.logLevel }

func (b *MemoryBackend) CheckAccess(ctx context.Context, user string, models []string, kind string) (map[string]bool, error) {
	// Single-user engine: every model is accessible
	out := make(map[string]bool, len(models))
	for _, m := range models {
		out[m] = true
	}
	return out, nil
}

// Registries

func (b *MemoryBackend) AddModelName(ctx context.Context, name string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_model_name")
	return b.store.addModelName(name)
}

func (b *MemoryBackend) ModelNames(ctx context.Context) ([]string, error) {
	return b.store.modelNames(), nil
}

func (b *MemoryBackend) AddScenarioName(ctx context.Context, name string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_scenario_name")
	return b.store.addScenarioName(name)
}

func (b *MemoryBackend) ScenarioNames(ctx context.Context) ([]string, error) {
	return b.store.scenarioNames(), nil
}

func (b *MemoryBackend) AddUnit(ctx context.Context, name, comment string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_unit")
	return b.store.addUnit(name, comment)
}

func (b *MemoryBackend) Units(ctx context.Context) ([]string, error) {
	return b.store.units(), nil
}

func (b *MemoryBackend) AddRegion(ctx context.Context, name, hierarchy, parent string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_region")
	return b.store.addRegion(name, hierarchy, parent)
}

func (b *MemoryBackend) AddRegionSynonym(ctx context.Context, name, mappedTo string) error {
	return b.store.addRegionSynonym(name, mappedTo)
}

func (b *MemoryBackend) Regions(ctx context.Context) ([]Region, error) {
	return b.store.regions(), nil
}

func (b *MemoryBackend) AddTimeslice(ctx context.Context, name, category string, duration float64) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_timeslice")
	return b.store.addTimeslice(name, category, duration)
}

func (b *MemoryBackend) Timeslices(ctx context.Context) ([]Timeslice, error) {
	return b.store.timeslices(), nil
}

func (b *MemoryBackend) Scenarios(ctx context.Context, defaultOnly bool, model, scenario string) ([]ScenarioRow, error) {
	return b.store.listScenarios(defaultOnly, model, scenario), nil
}

// Session lifecycle

func (b *MemoryBackend) Init(ctx context.Context, s *Session, annotation string) error {
	b.metrics.Increment(MetricSessionInit, "engine", "memory")
	if err := b.store.initRun(s, annotation); err != nil {
		return err
	}
	b.logger.Info("run initialized", "model", s.Model, "scenario", s.Scenario, "run_id", s.RunID)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, s *Session) error {
	return b.store.getRun(s)
}

func (b *MemoryBackend) CheckOut(ctx context.Context, s *Session) error {
	b.metrics.Increment(MetricSessionCheckout, "engine", "memory")
	return b.store.checkOut(s)
}

func (b *MemoryBackend) Commit(ctx context.Context, s *Session, comment string) error {
	start := time.Now()
	if err := b.store.commitRun(s, comment); err != nil {
		b.metrics.Increment(MetricBackendErrors, "op", "commit")
		return err
	}
	b.metrics.Increment(MetricSessionCommit, "engine", "memory")
	b.metrics.Timing(MetricBackendLatency, time.Since(start), "op", "commit")
	b.logger.Info("run committed", "model", s.Model, "scenario", s.Scenario, "version", s.Version)
	return nil
}

func (b *MemoryBackend) DiscardChanges(ctx context.Context, s *Session) error {
	b.metrics.Increment(MetricSessionDiscard, "engine", "memory")
	return b.store.discardChanges(s)
}

func (b *MemoryBackend) SetAsDefault(ctx context.Context, s *Session) error {
	return b.store.setAsDefault(s)
}

func (b *MemoryBackend) IsDefault(ctx context.Context, s *Session) (bool, error) {
	return b.store.isDefault(s)
}

func (b *MemoryBackend) LastUpdate(ctx context.Context, s *Session) (time.Time, error) {
	return b.store.lastUpdate(s)
}

func (b *MemoryBackend) RunID(ctx context.Context, s *Session) (int64, error) {
	return s.RunID, nil
}

// Time-series data

func (b *MemoryBackend) SetData(ctx context.Context, s *Session, region, variable, unit, subannual string, data map[int]float64, meta bool) error {
	return b.store.setData(s, region, variable, unit, subannual, data, meta)
}

func (b *MemoryBackend) GetData(ctx context.Context, s *Session, regions, variables, units []string, years []int) ([]DataRow, error) {
	return b.store.getData(s, regions, variables, units, years)
}

func (b *MemoryBackend) DeleteData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error {
	return b.store.deleteData(s, region, variable, subannual, years, unit)
}

func (b *MemoryBackend) SetGeoData(ctx context.Context, s *Session, rows []GeoRow) error {
	return b.store.setGeoData(s, rows)
}

func (b *MemoryBackend) GetGeoData(ctx context.Context, s *Session) ([]GeoRow, error) {
	return b.store.getGeoData(s)
}

func (b *MemoryBackend) DeleteGeoData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error {
	return b.store.deleteGeoData(s, region, variable, subannual, years, unit)
}

// Items

func (b *MemoryBackend) ListItems(ctx context.Context, s *Session, kind ItemType) ([]string, error) {
	return b.store.listItems(s, kind)
}

func (b *MemoryBackend) InitItem(ctx context.Context, s *Session, kind ItemType, name string, indexSets, indexNames []string) error {
	return b.store.initItem(s, kind, name, indexSets, indexNames)
}

func (b *MemoryBackend) DeleteItem(ctx context.Context, s *Session, kind ItemType, name string) error {
	return b.store.deleteItem(s, kind, name)
}

func (b *MemoryBackend) ItemIndex(ctx context.Context, s *Session, name, dim string) ([]string, error) {
	return b.store.itemIndex(s, name, dim)
}

func (b *MemoryBackend) ItemGetElements(ctx context.Context, s *Session, kind ItemType, name string, filters map[string][]string) (*ItemData, error) {
	return b.store.itemGetElements(s, kind, name, filters)
}

func (b *MemoryBackend) ItemSetElements(ctx context.Context, s *Session, kind ItemType, name string, elements []Element) error {
	return b.store.itemSetElements(s, kind, name, elements)
}

func (b *MemoryBackend) ItemDeleteElements(ctx context.Context, s *Session, kind ItemType, name string, keys [][]string) error {
	return b.store.itemDeleteElements(s, kind, name, keys)
}

// Solution

func (b *MemoryBackend) HasSolution(ctx context.Context, s *Session) (bool, error) {
	return b.store.hasSolution(s)
}

func (b *MemoryBackend) ClearSolution(ctx context.Context, s *Session, fromYear int) error {
	return b.store.clearSolution(s, fromYear)
}

// Clone

func (b *MemoryBackend) Clone(ctx context.Context, s *Session, dest Backend, model, scenario, annotation string, keepSolution bool, firstModelYear int) (*Session, error) {
	b.metrics.Increment(MetricSessionClone, "engine", "memory")
	provider, ok := unwrapBackend(dest).(interface{ runStoreProvider() *runStore })
	if !ok {
		return nil, WithContext(ErrUnsupported, map[string]interface{}{
			"reason": "destination engine cannot receive clones from the memory engine",
		})
	}
	return b.store.cloneRun(s, provider.runStoreProvider(), model, scenario, annotation, keepSolution, firstModelYear)
}

// Meta

func (b *MemoryBackend) GetMeta(ctx context.Context, model, scenario string, version int) (map[string]interface{}, error) {
	return b.store.getMeta(newMetaScope(model, scenario, version))
}

func (b *MemoryBackend) SetMeta(ctx context.Context, model, scenario string, version int, meta map[string]interface{}) error {
	return b.store.setMeta(newMetaScope(model, scenario, version), meta)
}

func (b *MemoryBackend) RemoveMeta(ctx context.Context, model, scenario string, version int, keys []string) error {
	return b.store.removeMeta(newMetaScope(model, scenario, version), keys)
}

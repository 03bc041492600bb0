package ixmp

import (
	"context"
	"sync"
	"time"
)

// Platform is a client connection to one storage engine. It exposes the
// platform-wide registries directly and hands out TimeSeries and
// Scenario handles bound to itself; closing the platform detaches every
// handle created from it.
type Platform struct {
	name    string
	backend Backend
	logger  Logger
	metrics Metrics

	mu     sync.RWMutex
	closed bool
}

// PlatformOption configures a Platform
type PlatformOption func(*Platform)

// WithLogger sets the platform logger; engine and cache events flow to
// the same sink
func WithLogger(l Logger) PlatformOption {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the platform metrics collector
func WithMetrics(m Metrics) PlatformOption {
	return func(p *Platform) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithName sets the display name used in logs and by the CLI
func WithName(name string) PlatformOption {
	return func(p *Platform) { p.name = name }
}

// NewPlatform connects to a registered engine. The "cache" kwarg (bool,
// default true) controls whether reads go through the caching decorator;
// it is consumed here, every other kwarg passes to the engine factory.
func NewPlatform(backendName string, kwargs map[string]interface{}, opts ...PlatformOption) (*Platform, error) {
	engineKwargs := make(map[string]interface{}, len(kwargs))
	for k, v := range kwargs {
		if k != "cache" {
			engineKwargs[k] = v
		}
	}
	useCache, err := boolKwarg(kwargs, "cache", true)
	if err != nil {
		return nil, err
	}

	backend, err := NewBackend(backendName, engineKwargs)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		name:    backendName,
		backend: backend,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}

	type loggable interface{ SetLogger(Logger) }
	if lb, ok := backend.(loggable); ok {
		lb.SetLogger(p.logger)
	}
	type measurable interface{ SetMetrics(Metrics) }
	if mb, ok := backend.(measurable); ok {
		mb.SetMetrics(p.metrics)
	}

	if useCache {
		p.backend = NewCachedBackend(backend,
			WithCacheLogger(p.logger),
			WithCacheMetrics(p.metrics),
		)
	}
	p.logger.Info("platform connected", "backend", backendName, "cache", useCache)
	return p, nil
}

// NewPlatformWithBackend wraps an already-constructed Backend. The
// caller keeps responsibility for the backend's configuration; the
// platform still closes it on Close.
func NewPlatformWithBackend(backend Backend, opts ...PlatformOption) *Platform {
	p := &Platform{
		name:    "custom",
		backend: backend,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the platform display name
func (p *Platform) Name() string { return p.name }

// Backend returns the platform's backend, including any cache decorator
func (p *Platform) Backend() Backend { return p.backend }

// Logger returns the platform logger
func (p *Platform) Logger() Logger { return p.logger }

// Close shuts the engine connection down. Handles created from this
// platform become detached and fail their next operation.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("platform closed", "backend", p.name)
	return p.backend.Close()
}

// live returns the backend, or an error when the platform is closed
func (p *Platform) live() (Backend, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, WithContext(ErrPlatformClosed, map[string]interface{}{"backend": p.name})
	}
	return p.backend, nil
}

// SetLogLevel adjusts engine-side log verbosity
func (p *Platform) SetLogLevel(level string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.SetLogLevel(level)
}

// LogLevel returns the engine-side log verbosity
func (p *Platform) LogLevel() (string, error) {
	b, err := p.live()
	if err != nil {
		return "", err
	}
	return b.LogLevel(), nil
}

// Registries

func (p *Platform) AddModelName(ctx context.Context, name string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddModelName(ctx, name)
}

func (p *Platform) ModelNames(ctx context.Context) ([]string, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.ModelNames(ctx)
}

func (p *Platform) AddScenarioName(ctx context.Context, name string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddScenarioName(ctx, name)
}

func (p *Platform) ScenarioNames(ctx context.Context) ([]string, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.ScenarioNames(ctx)
}

// AddUnit registers a unit of measure with an optional comment
func (p *Platform) AddUnit(ctx context.Context, name, comment string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddUnit(ctx, name, comment)
}

func (p *Platform) Units(ctx context.Context) ([]string, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.Units(ctx)
}

// AddRegion registers a region under a hierarchy, optionally below a
// parent region
func (p *Platform) AddRegion(ctx context.Context, name, hierarchy, parent string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddRegion(ctx, name, hierarchy, parent)
}

// AddRegionSynonym maps an alternate spelling onto an existing region
func (p *Platform) AddRegionSynonym(ctx context.Context, name, mappedTo string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddRegionSynonym(ctx, name, mappedTo)
}

func (p *Platform) Regions(ctx context.Context) ([]Region, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.Regions(ctx)
}

func (p *Platform) AddTimeslice(ctx context.Context, name, category string, duration float64) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.AddTimeslice(ctx, name, category, duration)
}

func (p *Platform) Timeslices(ctx context.Context) ([]Timeslice, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.Timeslices(ctx)
}

// Scenarios lists stored runs, optionally restricted to default versions
// or to a model/scenario name
func (p *Platform) Scenarios(ctx context.Context, defaultOnly bool, model, scenario string) ([]ScenarioRow, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.Scenarios(ctx, defaultOnly, model, scenario)
}

// CheckAccess reports per-model access of the given kind for a user
func (p *Platform) CheckAccess(ctx context.Context, user string, models []string, kind string) (map[string]bool, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.CheckAccess(ctx, user, models, kind)
}

// Meta

// GetMeta reads annotations at a scope; pass VersionDefault when not
// scoping to a version
func (p *Platform) GetMeta(ctx context.Context, model, scenario string, version int) (map[string]interface{}, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	return b.GetMeta(ctx, model, scenario, version)
}

func (p *Platform) SetMeta(ctx context.Context, model, scenario string, version int, meta map[string]interface{}) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.SetMeta(ctx, model, scenario, version, meta)
}

func (p *Platform) RemoveMeta(ctx context.Context, model, scenario string, version int, keys []string) error {
	b, err := p.live()
	if err != nil {
		return err
	}
	return b.RemoveMeta(ctx, model, scenario, version, keys)
}

// LastUpdateOf is a convenience for tooling: resolve a run and report its
// last modification time without keeping a handle around
func (p *Platform) LastUpdateOf(ctx context.Context, model, scenario string, version int) (time.Time, error) {
	b, err := p.live()
	if err != nil {
		return time.Time{}, err
	}
	s := NewSession(model, scenario, version)
	if err := b.Get(ctx, s); err != nil {
		return time.Time{}, err
	}
	return b.LastUpdate(ctx, s)
}

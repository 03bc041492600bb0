package ixmp

import (
	"context"
	"time"
	"weak"
)

// TimeSeries is a handle on one (model, scenario, version) run, scoped
// to time-series and geodata operations. It holds its Platform weakly:
// when the platform is garbage collected or closed, the handle is
// detached and every operation fails with a detachment error instead of
// touching a dead connection.
type TimeSeries struct {
	platform weak.Pointer[Platform]
	session  *Session
	logger   Logger

	// tsOnly marks a checkout that may touch time-series data but not
	// items; only meaningful while checked out
	tsOnly bool
}

// NewTimeSeries loads an existing run. version is a committed version
// number or VersionDefault for the run flagged as default.
func NewTimeSeries(ctx context.Context, p *Platform, model, scenario string, version int) (*TimeSeries, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	s := NewSession(model, scenario, version)
	if err := b.Get(ctx, s); err != nil {
		return nil, err
	}
	s.State = StateLoaded
	return &TimeSeries{
		platform: weak.Make(p),
		session:  s,
		logger:   p.logger,
	}, nil
}

// CreateTimeSeries initializes a new run. The handle starts editable; the
// permanent version number is assigned at the first Commit.
func CreateTimeSeries(ctx context.Context, p *Platform, model, scenario, annotation string) (*TimeSeries, error) {
	b, err := p.live()
	if err != nil {
		return nil, err
	}
	s := NewSession(model, scenario, VersionNew)
	if err := b.Init(ctx, s, annotation); err != nil {
		return nil, err
	}
	s.State = StateNew
	return &TimeSeries{
		platform: weak.Make(p),
		session:  s,
		logger:   p.logger,
	}, nil
}

// backend resolves the weak platform reference and returns the live
// backend. A collected platform yields ErrPlatformGone, a closed one
// ErrPlatformClosed; both satisfy IsDetached.
func (ts *TimeSeries) backend() (Backend, error) {
	p := ts.platform.Value()
	if p == nil {
		return nil, WithContext(ErrPlatformGone, map[string]interface{}{
			"model":    ts.session.Model,
			"scenario": ts.session.Scenario,
		})
	}
	return p.live()
}

// Platform returns the owning platform, or nil when it has been
// collected
func (ts *TimeSeries) Platform() *Platform {
	return ts.platform.Value()
}

// Model returns the model name
func (ts *TimeSeries) Model() string { return ts.session.Model }

// Scenario returns the scenario name
func (ts *TimeSeries) Scenario() string { return ts.session.Scenario }

// Version returns the run version: VersionNew until the first commit
func (ts *TimeSeries) Version() int { return ts.session.Version }

// State returns the handle's lifecycle state
func (ts *TimeSeries) State() SessionState { return ts.session.State }

// URL renders the handle's identity as an ixmp URL
func (ts *TimeSeries) URL() string {
	name := ""
	if p := ts.platform.Value(); p != nil {
		name = p.name
	}
	u := ParsedURL{Platform: name, Model: ts.session.Model, Scenario: ts.session.Scenario, Version: ts.session.Version}
	return u.String()
}

// RunID returns the engine-internal run identifier
func (ts *TimeSeries) RunID(ctx context.Context) (int64, error) {
	b, err := ts.backend()
	if err != nil {
		return 0, err
	}
	return b.RunID(ctx, ts.session)
}

// editable reports whether writes may proceed without a checkout: a new,
// never-committed run is implicitly editable
func (ts *TimeSeries) editable() bool {
	return ts.session.State == StateCheckedOut || ts.session.State == StateNew
}

// CheckOut makes the run editable. timeseriesOnly restricts the checkout
// to time-series and geodata writes, which a Scenario uses to guard
// structural edits on solved runs. Checking out an already-editable
// handle is an error.
func (ts *TimeSeries) CheckOut(ctx context.Context, timeseriesOnly bool) error {
	if ts.session.State == StateCheckedOut {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    ts.session.Model,
			"scenario": ts.session.Scenario,
			"reason":   "handle is already checked out",
		})
	}
	b, err := ts.backend()
	if err != nil {
		return err
	}
	if ts.session.State == StateNew {
		// A new run is already editable; record the restriction only
		ts.tsOnly = timeseriesOnly
		return nil
	}
	if err := b.CheckOut(ctx, ts.session); err != nil {
		return err
	}
	ts.session.State = StateCheckedOut
	ts.tsOnly = timeseriesOnly
	return nil
}

// Commit writes pending changes durably. On a handle that is neither new
// nor checked out this is a no-op reporting false. After a successful
// commit the handle is read-only again; for a first commit the assigned
// version is readable from Version.
func (ts *TimeSeries) Commit(ctx context.Context, comment string) (bool, error) {
	if !ts.editable() {
		return false, nil
	}
	b, err := ts.backend()
	if err != nil {
		return false, err
	}
	if err := b.Commit(ctx, ts.session, comment); err != nil {
		// Still checked out; the caller may retry or discard
		return false, err
	}
	ts.session.State = StateLoaded
	ts.tsOnly = false
	return true, nil
}

// DiscardChanges reverts uncommitted changes and releases the checkout.
// Discarding a handle that holds no checkout still leaves the run
// unlocked.
func (ts *TimeSeries) DiscardChanges(ctx context.Context) error {
	b, err := ts.backend()
	if err != nil {
		return err
	}
	if err := b.DiscardChanges(ctx, ts.session); err != nil {
		return err
	}
	ts.session.State = StateLoaded
	ts.tsOnly = false
	return nil
}

// Transact runs fn with the handle checked out and commits afterwards;
// on error from fn the changes are discarded and fn's error returned.
// A handle already editable on entry stays editable, the commit is left
// to the caller.
func (ts *TimeSeries) Transact(ctx context.Context, comment string, fn func() error) error {
	return ts.transact(ctx, comment, ts.CheckOut, fn)
}

// transact implements Transact with the caller's checkout function, so
// wrapping types can enforce their own checkout preconditions.
func (ts *TimeSeries) transact(ctx context.Context, comment string, checkOut func(context.Context, bool) error, fn func() error) error {
	alreadyEditable := ts.editable()
	if !alreadyEditable {
		if err := checkOut(ctx, false); err != nil {
			return err
		}
	}
	if err := fn(); err != nil {
		if !alreadyEditable {
			if derr := ts.DiscardChanges(ctx); derr != nil {
				ts.logger.Warn("discard after failed transact", "error", derr)
			}
		}
		return err
	}
	if alreadyEditable {
		return nil
	}
	_, err := ts.Commit(ctx, comment)
	return err
}

// SetAsDefault flags this committed version as the default for its
// (model, scenario)
func (ts *TimeSeries) SetAsDefault(ctx context.Context) error {
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.SetAsDefault(ctx, ts.session)
}

// IsDefault reports whether this version is the default
func (ts *TimeSeries) IsDefault(ctx context.Context) (bool, error) {
	b, err := ts.backend()
	if err != nil {
		return false, err
	}
	return b.IsDefault(ctx, ts.session)
}

// LastUpdate returns the run's last modification time
func (ts *TimeSeries) LastUpdate(ctx context.Context) (time.Time, error) {
	b, err := ts.backend()
	if err != nil {
		return time.Time{}, err
	}
	return b.LastUpdate(ctx, ts.session)
}

// requireEditable guards writes
func (ts *TimeSeries) requireEditable() error {
	if !ts.editable() {
		return WithContext(ErrCheckoutRequired, map[string]interface{}{
			"model":    ts.session.Model,
			"scenario": ts.session.Scenario,
		})
	}
	return nil
}

// AddTimeseries stores year->value observations for one series. meta
// flags the rows as persistent metadata that survives cloning without a
// solution.
func (ts *TimeSeries) AddTimeseries(ctx context.Context, region, variable, unit, subannual string, data map[int]float64, meta bool) error {
	if err := ts.requireEditable(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.SetData(ctx, ts.session, region, variable, unit, subannual, data, meta)
}

// Timeseries reads stored rows; empty slices match everything
func (ts *TimeSeries) Timeseries(ctx context.Context, regions, variables, units []string, years []int) ([]DataRow, error) {
	b, err := ts.backend()
	if err != nil {
		return nil, err
	}
	return b.GetData(ctx, ts.session, regions, variables, units, years)
}

// RemoveTimeseries deletes rows of one series; an empty years slice
// removes every year
func (ts *TimeSeries) RemoveTimeseries(ctx context.Context, region, variable, unit, subannual string, years []int) error {
	if err := ts.requireEditable(); err != nil {
		return err
	}
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.DeleteData(ctx, ts.session, region, variable, subannual, years, unit)
}

// AddGeodata stores geodata rows, replacing rows with matching
// coordinates
func (ts *TimeSeries) AddGeodata(ctx context.Context, rows []GeoRow) error {
	if err := ts.requireEditable(); err != nil {
		return err
	}
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.SetGeoData(ctx, ts.session, rows)
}

// Geodata reads all stored geodata rows
func (ts *TimeSeries) Geodata(ctx context.Context) ([]GeoRow, error) {
	b, err := ts.backend()
	if err != nil {
		return nil, err
	}
	return b.GetGeoData(ctx, ts.session)
}

// RemoveGeodata deletes geodata rows of one series
func (ts *TimeSeries) RemoveGeodata(ctx context.Context, region, variable, unit, subannual string, years []int) error {
	if err := ts.requireEditable(); err != nil {
		return err
	}
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.DeleteGeoData(ctx, ts.session, region, variable, subannual, years, unit)
}

// GetMeta reads annotations scoped to this run's version
func (ts *TimeSeries) GetMeta(ctx context.Context) (map[string]interface{}, error) {
	b, err := ts.backend()
	if err != nil {
		return nil, err
	}
	return b.GetMeta(ctx, ts.session.Model, ts.session.Scenario, ts.session.Version)
}

// SetMeta writes annotations scoped to this run's version
func (ts *TimeSeries) SetMeta(ctx context.Context, meta map[string]interface{}) error {
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.SetMeta(ctx, ts.session.Model, ts.session.Scenario, ts.session.Version, meta)
}

// RemoveMeta deletes annotation keys scoped to this run's version
func (ts *TimeSeries) RemoveMeta(ctx context.Context, keys []string) error {
	b, err := ts.backend()
	if err != nil {
		return err
	}
	return b.RemoveMeta(ctx, ts.session.Model, ts.session.Scenario, ts.session.Version, keys)
}

// Close releases the handle: an open checkout is discarded and cache
// entries scoped to the handle are dropped. The run itself stays stored.
func (ts *TimeSeries) Close(ctx context.Context) error {
	b, err := ts.backend()
	if err != nil {
		// Detached handles have nothing to release
		if IsDetached(err) {
			return nil
		}
		return err
	}
	if ts.editable() {
		if err := b.DiscardChanges(ctx, ts.session); err != nil && !IsNotFound(err) {
			return err
		}
		ts.session.State = StateLoaded
		ts.tsOnly = false
	}
	if cb, ok := b.(*CachedBackend); ok {
		return cb.InvalidateSession(ctx, ts.session.HandleID)
	}
	return nil
}

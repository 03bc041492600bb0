package ixmp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	RegisterBackend("postgres", func(kwargs map[string]interface{}) (Backend, error) {
		return NewPostgresBackend(context.Background(), kwargs)
	})
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS ixmp_registry (
	id  INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS ixmp_runs (
	id          BIGSERIAL PRIMARY KEY,
	model       TEXT NOT NULL,
	scenario    TEXT NOT NULL,
	scheme      TEXT NOT NULL DEFAULT '',
	version     INT NOT NULL DEFAULT 0,
	is_default  BOOLEAN NOT NULL DEFAULT FALSE,
	annotation  TEXT NOT NULL DEFAULT '',
	create_user TEXT NOT NULL DEFAULT '',
	create_date TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_user TEXT NOT NULL DEFAULT '',
	update_date TIMESTAMPTZ NOT NULL DEFAULT now(),
	lock_user   TEXT NOT NULL DEFAULT '',
	lock_date   TIMESTAMPTZ,
	locked_by   TEXT NOT NULL DEFAULT '',
	committed   JSONB NOT NULL,
	working     JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS ixmp_runs_version_idx
	ON ixmp_runs (model, scenario, version) WHERE version > 0;
CREATE UNIQUE INDEX IF NOT EXISTS ixmp_runs_default_idx
	ON ixmp_runs (model, scenario) WHERE is_default;

INSERT INTO ixmp_registry (id, doc) VALUES (1, '{}') ON CONFLICT (id) DO NOTHING;
`

// PostgresBackend stores the platform in PostgreSQL. Queryable run
// attributes live in relational columns; the run content (items,
// time-series rows, geodata) is a JSONB document per run, committed and
// working copies side by side. Checkout arbitration is a conditional
// UPDATE on locked_by, so the lock holds across processes sharing the
// database.
type PostgresBackend struct {
	pool     *pgxpool.Pool
	user     string
	logger   Logger
	metrics  Metrics
	logLevel string
}

// NewPostgresBackend connects and bootstraps the schema. Supported
// kwargs: "dsn" (string, required), "user" and "log_level" as for the
// other engines.
func NewPostgresBackend(ctx context.Context, kwargs map[string]interface{}) (*PostgresBackend, error) {
	if err := rejectUnknownKwargs(kwargs, "dsn", "user", "log_level"); err != nil {
		return nil, err
	}
	dsn, err := stringKwarg(kwargs, "dsn")
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"key":    "dsn",
			"reason": "postgres backend requires a dsn",
		})
	}
	user, err := stringKwarg(kwargs, "user")
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = "local"
	}
	level, err := stringKwarg(kwargs, "log_level")
	if err != nil {
		return nil, err
	}
	if level == "" {
		level = "info"
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{"error": err.Error()})
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{"error": err.Error()})
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"reason": "schema bootstrap failed",
		})
	}
	return &PostgresBackend{
		pool:     pool,
		user:     user,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		logLevel: level,
	}, nil
}

// SetLogger replaces the backend logger
func (b *PostgresBackend) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetMetrics replaces the backend metrics sink
func (b *PostgresBackend) SetMetrics(metrics Metrics) {
	if metrics != nil {
		b.metrics = metrics
	}
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) SetLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		b.logLevel = level
		return nil
	}
	return WithContext(ErrInvalidConfig, map[string]interface{}{"log_level": level})
}

func (b *PostgresBackend) LogLevel() string { return b.logLevel }

func (b *PostgresBackend) CheckAccess(ctx context.Context, user string, models []string, kind string) (map[string]bool, error) {
	// No row-level access control; everything is granted
	out := make(map[string]bool, len(models))
	for _, m := range models {
		out[m] = true
	}
	return out, nil
}

// withRegistry runs fn against the registry document inside a
// transaction, writing the document back when fn mutated without error
func (b *PostgresBackend) withRegistry(ctx context.Context, fn func(*registryState) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM ixmp_registry WHERE id = 1 FOR UPDATE`).Scan(&raw); err != nil {
		return pgErr(err)
	}
	var reg registryState
	if err := json.Unmarshal(raw, &reg); err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	if err := fn(&reg); err != nil {
		return err
	}
	out, err := json.Marshal(&reg)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE ixmp_registry SET doc = $1 WHERE id = 1`, out); err != nil {
		return pgErr(err)
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) readRegistry(ctx context.Context) (*registryState, error) {
	var raw []byte
	if err := b.pool.QueryRow(ctx, `SELECT doc FROM ixmp_registry WHERE id = 1`).Scan(&raw); err != nil {
		return nil, pgErr(err)
	}
	var reg registryState
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	return &reg, nil
}

func pgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return WithContext(ErrBackendUnavailable, map[string]interface{}{"error": err.Error()})
}

// Registries

func (b *PostgresBackend) AddModelName(ctx context.Context, name string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_model_name")
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddModelName(reg, name)
	})
}

func (b *PostgresBackend) ModelNames(ctx context.Context) ([]string, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ModelNames, nil
}

func (b *PostgresBackend) AddScenarioName(ctx context.Context, name string) error {
	b.metrics.Increment(MetricBackendOps, "op", "add_scenario_name")
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddScenarioName(reg, name)
	})
}

func (b *PostgresBackend) ScenarioNames(ctx context.Context) ([]string, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ScenarioNames, nil
}

func (b *PostgresBackend) AddUnit(ctx context.Context, name, comment string) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddUnit(reg, name, comment)
	})
}

func (b *PostgresBackend) Units(ctx context.Context) ([]string, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(reg.Units))
	for i, u := range reg.Units {
		out[i] = u.Name
	}
	return out, nil
}

func (b *PostgresBackend) AddRegion(ctx context.Context, name, hierarchy, parent string) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddRegion(reg, name, hierarchy, parent)
	})
}

func (b *PostgresBackend) AddRegionSynonym(ctx context.Context, name, mappedTo string) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddRegionSynonym(reg, name, mappedTo)
	})
}

func (b *PostgresBackend) Regions(ctx context.Context) ([]Region, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Regions, nil
}

func (b *PostgresBackend) AddTimeslice(ctx context.Context, name, category string, duration float64) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regAddTimeslice(reg, name, category, duration)
	})
}

func (b *PostgresBackend) Timeslices(ctx context.Context) ([]Timeslice, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Timeslices, nil
}

const scenarioCols = `model, scenario, scheme, is_default, locked_by <> '', create_user, create_date,
	update_user, update_date, lock_user, COALESCE(lock_date, 'epoch'::timestamptz), annotation, version`

func (b *PostgresBackend) Scenarios(ctx context.Context, defaultOnly bool, model, scenario string) ([]ScenarioRow, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+scenarioCols+`
		FROM ixmp_runs
		WHERE ($1 = '' OR model = $1)
		  AND ($2 = '' OR scenario = $2)
		  AND (NOT $3 OR is_default)
		ORDER BY model, scenario, version`, model, scenario, defaultOnly)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	out := make([]ScenarioRow, 0)
	for rows.Next() {
		var r ScenarioRow
		if err := rows.Scan(&r.Model, &r.Scenario, &r.Scheme, &r.IsDefault, &r.IsLocked,
			&r.CreateUser, &r.CreateDate, &r.UpdateUser, &r.UpdateDate,
			&r.LockUser, &r.LockDate, &r.Annotation, &r.Version); err != nil {
			return nil, pgErr(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session lifecycle

func (b *PostgresBackend) Init(ctx context.Context, s *Session, annotation string) error {
	b.metrics.Increment(MetricSessionInit, "engine", "postgres")
	empty, _ := json.Marshal(newRunState())
	err := b.pool.QueryRow(ctx, `
		INSERT INTO ixmp_runs (model, scenario, scheme, version, annotation,
			create_user, update_user, lock_user, lock_date, locked_by, committed, working)
		VALUES ($1, $2, $3, 0, $4, $5, $5, $5, now(), $6, $7, $7)
		RETURNING id`,
		s.Model, s.Scenario, s.Scheme, annotation, b.user, s.HandleID, empty).Scan(&s.RunID)
	if err != nil {
		return pgErr(err)
	}
	s.Version = VersionNew
	if err := b.withRegistry(ctx, func(reg *registryState) error {
		reg.ModelNames = appendUnique(reg.ModelNames, s.Model)
		reg.ScenarioNames = appendUnique(reg.ScenarioNames, s.Scenario)
		return nil
	}); err != nil {
		return err
	}
	b.logger.Info("run initialized", "model", s.Model, "scenario", s.Scenario, "run_id", s.RunID)
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, s *Session) error {
	var row pgx.Row
	switch {
	case s.Version == VersionDefault:
		row = b.pool.QueryRow(ctx, `
			SELECT id, version, scheme FROM ixmp_runs
			WHERE model = $1 AND scenario = $2 AND is_default`, s.Model, s.Scenario)
	case s.Version >= 1:
		row = b.pool.QueryRow(ctx, `
			SELECT id, version, scheme FROM ixmp_runs
			WHERE model = $1 AND scenario = $2 AND version = $3`, s.Model, s.Scenario, s.Version)
	default:
		return WithContext(ErrInvalidData, map[string]interface{}{
			"version": s.Version,
			"reason":  "version must be positive or the default sentinel",
		})
	}
	if err := row.Scan(&s.RunID, &s.Version, &s.Scheme); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{
				"model":    s.Model,
				"scenario": s.Scenario,
				"version":  s.Version,
			})
		}
		return pgErr(err)
	}
	return nil
}

func (b *PostgresBackend) CheckOut(ctx context.Context, s *Session) error {
	b.metrics.Increment(MetricSessionCheckout, "engine", "postgres")
	tag, err := b.pool.Exec(ctx, `
		UPDATE ixmp_runs
		SET locked_by = $1, lock_user = $2, lock_date = now(), working = committed
		WHERE id = $3 AND locked_by = ''`, s.HandleID, b.user, s.RunID)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var lockedBy string
	if err := b.pool.QueryRow(ctx, `SELECT locked_by FROM ixmp_runs WHERE id = $1`, s.RunID).Scan(&lockedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return pgErr(err)
	}
	if lockedBy == s.HandleID {
		return nil
	}
	return WithContext(ErrCheckedOut, map[string]interface{}{
		"model":    s.Model,
		"scenario": s.Scenario,
		"version":  s.Version,
	})
}

func (b *PostgresBackend) Commit(ctx context.Context, s *Session, comment string) error {
	start := time.Now()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var lockedBy string
	var version int
	var working []byte
	err = tx.QueryRow(ctx, `
		SELECT locked_by, version, working FROM ixmp_runs WHERE id = $1 FOR UPDATE`,
		s.RunID).Scan(&lockedBy, &version, &working)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return pgErr(err)
	}
	if lockedBy != s.HandleID || working == nil {
		return WithContext(ErrNotCheckedOut, map[string]interface{}{
			"model":    s.Model,
			"scenario": s.Scenario,
		})
	}

	if version == VersionNew {
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM ixmp_runs
			WHERE model = $1 AND scenario = $2`, s.Model, s.Scenario).Scan(&version)
		if err != nil {
			return pgErr(err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE ixmp_runs
		SET committed = working, working = NULL,
			locked_by = '', lock_user = '', lock_date = NULL,
			version = $1, update_user = $2, update_date = now(),
			annotation = CASE WHEN $3 <> '' THEN $3 ELSE annotation END
		WHERE id = $4`, version, b.user, comment, s.RunID)
	if err != nil {
		return pgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr(err)
	}
	s.Version = version
	b.metrics.Increment(MetricSessionCommit, "engine", "postgres")
	b.metrics.Timing(MetricBackendLatency, time.Since(start), "op", "commit")
	b.logger.Info("run committed", "model", s.Model, "scenario", s.Scenario, "version", version)
	return nil
}

func (b *PostgresBackend) DiscardChanges(ctx context.Context, s *Session) error {
	b.metrics.Increment(MetricSessionDiscard, "engine", "postgres")
	tag, err := b.pool.Exec(ctx, `
		UPDATE ixmp_runs
		SET working = NULL, locked_by = '', lock_user = '', lock_date = NULL
		WHERE id = $1 AND (locked_by = '' OR locked_by = $2)`, s.RunID, s.HandleID)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ixmp_runs WHERE id = $1)`, s.RunID).Scan(&exists); err != nil {
		return pgErr(err)
	}
	if !exists {
		return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
	}
	return WithContext(ErrCheckedOut, map[string]interface{}{
		"model":    s.Model,
		"scenario": s.Scenario,
	})
}

func (b *PostgresBackend) SetAsDefault(ctx context.Context, s *Session) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM ixmp_runs WHERE id = $1 FOR UPDATE`, s.RunID).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return pgErr(err)
	}
	if version == VersionNew {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"model":    s.Model,
			"scenario": s.Scenario,
			"reason":   "cannot set an uncommitted run as default",
		})
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ixmp_runs SET is_default = FALSE
		WHERE model = $1 AND scenario = $2 AND is_default`, s.Model, s.Scenario); err != nil {
		return pgErr(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE ixmp_runs SET is_default = TRUE WHERE id = $1`, s.RunID); err != nil {
		return pgErr(err)
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) IsDefault(ctx context.Context, s *Session) (bool, error) {
	var isDefault bool
	err := b.pool.QueryRow(ctx, `SELECT is_default FROM ixmp_runs WHERE id = $1`, s.RunID).Scan(&isDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return false, pgErr(err)
	}
	return isDefault, nil
}

func (b *PostgresBackend) LastUpdate(ctx context.Context, s *Session) (time.Time, error) {
	var t time.Time
	err := b.pool.QueryRow(ctx, `SELECT update_date FROM ixmp_runs WHERE id = $1`, s.RunID).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return time.Time{}, pgErr(err)
	}
	return t, nil
}

func (b *PostgresBackend) RunID(ctx context.Context, s *Session) (int64, error) {
	return s.RunID, nil
}

// withWorking runs fn against the working document of a checked-out run
// inside a transaction
func (b *PostgresBackend) withWorking(ctx context.Context, s *Session, fn func(*runState) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var lockedBy string
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT locked_by, working FROM ixmp_runs WHERE id = $1 FOR UPDATE`, s.RunID).
		Scan(&lockedBy, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return pgErr(err)
	}
	if lockedBy != s.HandleID || raw == nil {
		return WithContext(ErrCheckoutRequired, map[string]interface{}{
			"model":    s.Model,
			"scenario": s.Scenario,
		})
	}
	var state runState
	if err := json.Unmarshal(raw, &state); err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	state.normalize()
	if err := fn(&state); err != nil {
		return err
	}
	out, err := json.Marshal(&state)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE ixmp_runs SET working = $1 WHERE id = $2`, out, s.RunID); err != nil {
		return pgErr(err)
	}
	return tx.Commit(ctx)
}

// readRunState loads what reads should see: the working document when
// the session holds the checkout, the committed document otherwise
func (b *PostgresBackend) readRunState(ctx context.Context, s *Session) (*runState, error) {
	var lockedBy string
	var committed, working []byte
	err := b.pool.QueryRow(ctx, `SELECT locked_by, committed, working FROM ixmp_runs WHERE id = $1`, s.RunID).
		Scan(&lockedBy, &committed, &working)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return nil, pgErr(err)
	}
	raw := committed
	if lockedBy == s.HandleID && working != nil {
		raw = working
	}
	var state runState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	state.normalize()
	return &state, nil
}

// Time-series data

func (b *PostgresBackend) SetData(ctx context.Context, s *Session, region, variable, unit, subannual string, data map[int]float64, meta bool) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		state.setTSData(region, variable, unit, subannual, data, meta)
		return nil
	})
}

func (b *PostgresBackend) GetData(ctx context.Context, s *Session, regions, variables, units []string, years []int) ([]DataRow, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return nil, err
	}
	return state.getTSData(regions, variables, units, years), nil
}

func (b *PostgresBackend) DeleteData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		state.deleteTSData(region, variable, subannual, years, unit)
		return nil
	})
}

func (b *PostgresBackend) SetGeoData(ctx context.Context, s *Session, rows []GeoRow) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		state.setGeo(rows)
		return nil
	})
}

func (b *PostgresBackend) GetGeoData(ctx context.Context, s *Session) ([]GeoRow, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return nil, err
	}
	return state.GeoData, nil
}

func (b *PostgresBackend) DeleteGeoData(ctx context.Context, s *Session, region, variable, subannual string, years []int, unit string) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		state.deleteGeo(region, variable, subannual, years, unit)
		return nil
	})
}

// Items

func (b *PostgresBackend) ListItems(ctx context.Context, s *Session, kind ItemType) ([]string, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return nil, err
	}
	return state.listItems(kind), nil
}

func (b *PostgresBackend) InitItem(ctx context.Context, s *Session, kind ItemType, name string, indexSets, indexNames []string) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		return state.initItem(kind, name, indexSets, indexNames)
	})
}

func (b *PostgresBackend) DeleteItem(ctx context.Context, s *Session, kind ItemType, name string) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		return state.deleteItem(kind, name)
	})
}

func (b *PostgresBackend) ItemIndex(ctx context.Context, s *Session, name, dim string) ([]string, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return nil, err
	}
	return state.itemIndex(name, dim)
}

func (b *PostgresBackend) ItemGetElements(ctx context.Context, s *Session, kind ItemType, name string, filters map[string][]string) (*ItemData, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return nil, err
	}
	return state.itemGetElements(kind, name, filters)
}

func (b *PostgresBackend) ItemSetElements(ctx context.Context, s *Session, kind ItemType, name string, elements []Element) error {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return err
	}
	return b.withWorking(ctx, s, func(state *runState) error {
		return state.setElements(kind, name, elements, func(unit string) bool {
			return regHasUnit(reg, unit)
		})
	})
}

func (b *PostgresBackend) ItemDeleteElements(ctx context.Context, s *Session, kind ItemType, name string, keys [][]string) error {
	return b.withWorking(ctx, s, func(state *runState) error {
		return state.deleteElements(kind, name, keys)
	})
}

// Solution

func (b *PostgresBackend) HasSolution(ctx context.Context, s *Session) (bool, error) {
	state, err := b.readRunState(ctx, s)
	if err != nil {
		return false, err
	}
	return state.hasSolution(), nil
}

func (b *PostgresBackend) ClearSolution(ctx context.Context, s *Session, fromYear int) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	var lockedBy string
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT locked_by, committed FROM ixmp_runs WHERE id = $1 FOR UPDATE`, s.RunID).
		Scan(&lockedBy, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return pgErr(err)
	}
	if lockedBy != "" {
		return WithContext(ErrCheckedOut, map[string]interface{}{
			"model":    s.Model,
			"scenario": s.Scenario,
			"reason":   "cannot clear the solution of a checked-out run",
		})
	}
	var state runState
	if err := json.Unmarshal(raw, &state); err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	state.normalize()
	state.clearSolution(fromYear)
	out, err := json.Marshal(&state)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE ixmp_runs SET committed = $1 WHERE id = $2`, out, s.RunID); err != nil {
		return pgErr(err)
	}
	return tx.Commit(ctx)
}

// Clone

// Clone copies a run within the same database. Bridging to another
// engine is not supported from postgres.
func (b *PostgresBackend) Clone(ctx context.Context, s *Session, dest Backend, model, scenario, annotation string, keepSolution bool, firstModelYear int) (*Session, error) {
	b.metrics.Increment(MetricSessionClone, "engine", "postgres")
	destPG, ok := unwrapBackend(dest).(*PostgresBackend)
	if !ok || destPG.pool != b.pool {
		return nil, WithContext(ErrUnsupported, map[string]interface{}{
			"reason": "postgres clones only within the same database",
		})
	}

	var raw []byte
	var scheme string
	err := b.pool.QueryRow(ctx, `SELECT committed, scheme FROM ixmp_runs WHERE id = $1`, s.RunID).
		Scan(&raw, &scheme)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, WithContext(ErrRunNotFound, map[string]interface{}{"run_id": s.RunID})
		}
		return nil, pgErr(err)
	}
	var src runState
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"error": err.Error()})
	}
	src.normalize()
	state := src.cloneState(keepSolution, firstModelYear)
	out, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, pgErr(err)
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM ixmp_runs
		WHERE model = $1 AND scenario = $2`, model, scenario).Scan(&version)
	if err != nil {
		return nil, pgErr(err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ixmp_runs SET is_default = FALSE
		WHERE model = $1 AND scenario = $2 AND is_default`, model, scenario); err != nil {
		return nil, pgErr(err)
	}
	cloned := NewSession(model, scenario, version)
	cloned.Scheme = scheme
	cloned.State = StateLoaded
	err = tx.QueryRow(ctx, `
		INSERT INTO ixmp_runs (model, scenario, scheme, version, is_default, annotation,
			create_user, update_user, committed)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $6, $7)
		RETURNING id`,
		model, scenario, scheme, version, annotation, b.user, out).Scan(&cloned.RunID)
	if err != nil {
		return nil, pgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgErr(err)
	}

	if err := b.withRegistry(ctx, func(reg *registryState) error {
		reg.ModelNames = appendUnique(reg.ModelNames, model)
		reg.ScenarioNames = appendUnique(reg.ScenarioNames, scenario)
		return nil
	}); err != nil {
		return nil, err
	}
	return cloned, nil
}

// Meta

func (b *PostgresBackend) GetMeta(ctx context.Context, model, scenario string, version int) (map[string]interface{}, error) {
	reg, err := b.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return regGetMeta(reg, newMetaScope(model, scenario, version))
}

func (b *PostgresBackend) SetMeta(ctx context.Context, model, scenario string, version int, meta map[string]interface{}) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regSetMeta(reg, newMetaScope(model, scenario, version), meta)
	})
}

func (b *PostgresBackend) RemoveMeta(ctx context.Context, model, scenario string, version int, keys []string) error {
	return b.withRegistry(ctx, func(reg *registryState) error {
		return regRemoveMeta(reg, newMetaScope(model, scenario, version), keys)
	})
}

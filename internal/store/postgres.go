package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/experiment-cli/internal/model"
)

// Pool abstracts the pgx connection pool so the Postgres store can be
// tested against pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'draft',
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assignments (
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	user_id       TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	method        TEXT NOT NULL,
	assigned_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (experiment_id, user_id)
);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	experiment_id   TEXT NOT NULL REFERENCES experiments(id),
	user_id         TEXT NOT NULL,
	metric_id       TEXT,
	kind            TEXT NOT NULL,
	value           DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata        JSONB,
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idem
	ON events(experiment_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Experiments ---

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	defJSON, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiments (id, status, definition, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		exp.ID, string(exp.Status), defJSON, now, now,
	)
	return eris.Wrapf(err, "postgres: insert experiment %s", exp.ID)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	var status string
	var defJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status, definition FROM experiments WHERE id = $1`, id,
	).Scan(&status, &defJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrUnknownExperiment, "postgres: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}
	return unmarshalExperiment(status, string(defJSON))
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT status, definition FROM experiments`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var exps []model.Experiment
	skipped := 0
	for rows.Next() {
		if filter.Offset > 0 && skipped < filter.Offset {
			skipped++
			continue
		}
		if len(exps) >= limit {
			break
		}
		var status string
		var defJSON []byte
		if err := rows.Scan(&status, &defJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		exp, err := unmarshalExperiment(status, string(defJSON))
		if err != nil {
			return nil, err
		}
		exps = append(exps, *exp)
	}
	return exps, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, exp *model.Experiment) error {
	defJSON, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET status = $1, definition = $2, updated_at = $3 WHERE id = $4`,
		string(exp.Status), defJSON, time.Now().UTC(), exp.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update experiment %s", exp.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrUnknownExperiment, "postgres: %s", exp.ID)
	}
	return nil
}

// --- Assignments ---

func (s *PostgresStore) InsertAssignmentIfAbsent(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (experiment_id, user_id, variant_id, method, assigned_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (experiment_id, user_id) DO NOTHING`,
		a.ExperimentID, a.UserID, a.VariantID, string(a.Method), a.AssignedAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert assignment %s/%s", a.ExperimentID, a.UserID)
	}
	if tag.RowsAffected() > 0 {
		return &a, true, nil
	}
	existing, err := s.GetAssignment(ctx, a.ExperimentID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("postgres: assignment %s/%s vanished after conflict", a.ExperimentID, a.UserID)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, experimentID, userID string) (*model.Assignment, error) {
	var a model.Assignment
	var method string
	err := s.pool.QueryRow(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE experiment_id = $1 AND user_id = $2`,
		experimentID, userID,
	).Scan(&a.ExperimentID, &a.UserID, &a.VariantID, &method, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get assignment %s/%s", experimentID, userID)
	}
	a.Method = model.AssignmentMethod(method)
	return &a, nil
}

func (s *PostgresStore) ListAssignmentsByExperiment(ctx context.Context, experimentID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE experiment_id = $1`,
		experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list assignments for %s", experimentID)
	}
	defer rows.Close()
	return scanPgAssignments(rows)
}

func (s *PostgresStore) ListAssignmentsByUser(ctx context.Context, userID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list assignments for user %s", userID)
	}
	defer rows.Close()
	return scanPgAssignments(rows)
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.Event) (*model.Event, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var metaJSON []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: marshal event metadata")
		}
		metaJSON = b
	}
	var idemKey *string
	if ev.IdempotencyKey != "" {
		idemKey = &ev.IdempotencyKey
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		ev.ID, ev.ExperimentID, ev.UserID, ev.MetricID, string(ev.Kind), ev.Value, metaJSON, idemKey, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: append event for %s", ev.ExperimentID)
	}
	if tag.RowsAffected() > 0 {
		return &ev, true, nil
	}

	var existing model.Event
	var kind string
	var metricID, storedIdem *string
	var storedMeta []byte
	err = s.pool.QueryRow(ctx,
		`SELECT id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at
		 FROM events WHERE experiment_id = $1 AND idempotency_key = $2`,
		ev.ExperimentID, ev.IdempotencyKey,
	).Scan(&existing.ID, &existing.ExperimentID, &existing.UserID, &metricID, &kind, &existing.Value, &storedMeta, &storedIdem, &existing.CreatedAt)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: read back event %s/%s", ev.ExperimentID, ev.IdempotencyKey)
	}
	existing.Kind = model.EventKind(kind)
	if metricID != nil {
		existing.MetricID = *metricID
	}
	if storedIdem != nil {
		existing.IdempotencyKey = *storedIdem
	}
	if len(storedMeta) > 0 {
		if err := json.Unmarshal(storedMeta, &existing.Metadata); err != nil {
			return nil, false, eris.Wrap(err, "postgres: unmarshal event metadata")
		}
	}
	return &existing, false, nil
}

func (s *PostgresStore) ListEventsByExperiment(ctx context.Context, experimentID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at
		 FROM events WHERE experiment_id = $1`,
		experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events for %s", experimentID)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var kind string
		var metricID, idemKey *string
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.ExperimentID, &ev.UserID, &metricID, &kind, &ev.Value, &metaJSON, &idemKey, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Kind = model.EventKind(kind)
		if metricID != nil {
			ev.MetricID = *metricID
		}
		if idemKey != nil {
			ev.IdempotencyKey = *idemKey
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event metadata")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) CountEventsByExperiment(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE experiment_id = $1`, experimentID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count events for %s", experimentID)
}

func scanPgAssignments(rows pgx.Rows) ([]model.Assignment, error) {
	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var method string
		if err := rows.Scan(&a.ExperimentID, &a.UserID, &a.VariantID, &method, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		a.Method = model.AssignmentMethod(method)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: scan assignments iterate")
}

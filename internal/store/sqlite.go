package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/experiment-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend: a single binary with a local file is fully durable, which is
// all assignment persistence requires.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'draft',
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS assignments (
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	user_id       TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	method        TEXT NOT NULL,
	assigned_at   DATETIME NOT NULL,
	PRIMARY KEY (experiment_id, user_id)
);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	experiment_id   TEXT NOT NULL REFERENCES experiments(id),
	user_id         TEXT NOT NULL,
	metric_id       TEXT,
	kind            TEXT NOT NULL,
	value           REAL NOT NULL DEFAULT 0,
	metadata        TEXT,
	idempotency_key TEXT,
	created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idem
	ON events(experiment_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Experiments ---

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	defJSON, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, status, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		exp.ID, string(exp.Status), string(defJSON), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert experiment %s", exp.ID)
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, definition FROM experiments WHERE id = ?`, id,
	)
	var status, defJSON string
	err := row.Scan(&status, &defJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrUnknownExperiment, "sqlite: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get experiment %s", id)
	}
	return unmarshalExperiment(status, defJSON)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT status, definition FROM experiments WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	var exps []model.Experiment
	for rows.Next() {
		var status, defJSON string
		if err := rows.Scan(&status, &defJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		exp, err := unmarshalExperiment(status, defJSON)
		if err != nil {
			return nil, err
		}
		exps = append(exps, *exp)
	}
	return exps, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, exp *model.Experiment) error {
	defJSON, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, definition = ?, updated_at = ? WHERE id = ?`,
		string(exp.Status), string(defJSON), time.Now().UTC(), exp.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update experiment %s", exp.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrUnknownExperiment, "sqlite: %s", exp.ID)
	}
	return nil
}

// --- Assignments ---

func (s *SQLiteStore) InsertAssignmentIfAbsent(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (experiment_id, user_id, variant_id, method, assigned_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id, user_id) DO NOTHING`,
		a.ExperimentID, a.UserID, a.VariantID, string(a.Method), a.AssignedAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert assignment %s/%s", a.ExperimentID, a.UserID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return &a, true, nil
	}
	// Lost the race: read back the winning row.
	existing, err := s.GetAssignment(ctx, a.ExperimentID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("sqlite: assignment %s/%s vanished after conflict", a.ExperimentID, a.UserID)
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, experimentID, userID string) (*model.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE experiment_id = ? AND user_id = ?`,
		experimentID, userID,
	)
	var a model.Assignment
	var method string
	err := row.Scan(&a.ExperimentID, &a.UserID, &a.VariantID, &method, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get assignment %s/%s", experimentID, userID)
	}
	a.Method = model.AssignmentMethod(method)
	return &a, nil
}

func (s *SQLiteStore) ListAssignmentsByExperiment(ctx context.Context, experimentID string) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE experiment_id = ?`,
		experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list assignments for %s", experimentID)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func (s *SQLiteStore) ListAssignmentsByUser(ctx context.Context, userID string) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, user_id, variant_id, method, assigned_at
		 FROM assignments WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list assignments for user %s", userID)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.Event) (*model.Event, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var metaJSON sql.NullString
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: marshal event metadata")
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}
	var idemKey sql.NullString
	if ev.IdempotencyKey != "" {
		idemKey = sql.NullString{String: ev.IdempotencyKey, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExperimentID, ev.UserID, ev.MetricID, string(ev.Kind), ev.Value, metaJSON, idemKey, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: append event for %s", ev.ExperimentID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return &ev, true, nil
	}

	// Dropped by the idempotency index: return the original row.
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at
		 FROM events WHERE experiment_id = ? AND idempotency_key = ?`,
		ev.ExperimentID, ev.IdempotencyKey,
	)
	existing, err := scanEvent(row)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: read back event %s/%s", ev.ExperimentID, ev.IdempotencyKey)
	}
	return existing, false, nil
}

func (s *SQLiteStore) ListEventsByExperiment(ctx context.Context, experimentID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, user_id, metric_id, kind, value, metadata, idempotency_key, created_at
		 FROM events WHERE experiment_id = ?`,
		experimentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events for %s", experimentID)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) CountEventsByExperiment(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE experiment_id = ?`, experimentID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count events for %s", experimentID)
}

// --- helpers ---

func unmarshalExperiment(status, defJSON string) (*model.Experiment, error) {
	var exp model.Experiment
	if err := json.Unmarshal([]byte(defJSON), &exp); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal experiment")
	}
	// The status column is authoritative over the serialized copy.
	exp.Status = model.Status(status)
	return &exp, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*model.Event, error) {
	var ev model.Event
	var kind string
	var metricID, metaJSON, idemKey sql.NullString

	err := row.Scan(&ev.ID, &ev.ExperimentID, &ev.UserID, &metricID, &kind, &ev.Value, &metaJSON, &idemKey, &ev.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan event")
	}
	ev.Kind = model.EventKind(kind)
	ev.MetricID = metricID.String
	ev.IdempotencyKey = idemKey.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal event metadata")
		}
	}
	return &ev, nil
}

func scanAssignments(rows *sql.Rows) ([]model.Assignment, error) {
	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var method string
		if err := rows.Scan(&a.ExperimentID, &a.UserID, &a.VariantID, &method, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan assignment")
		}
		a.Method = model.AssignmentMethod(method)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "store: scan assignments iterate")
}

// Package store persists experiments, assignments and events. Assignments
// must survive process restarts: losing them would re-randomize users and
// corrupt running experiments.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/experiment-cli/internal/model"
)

// ExperimentFilter specifies criteria for listing experiments.
type ExperimentFilter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the experimentation engine.
type Store interface {
	// Experiments
	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error)
	// UpdateExperiment rewrites the stored row. The lifecycle controller is
	// the only caller and guards which fields may change in which state.
	UpdateExperiment(ctx context.Context, exp *model.Experiment) error

	// Assignments. InsertAssignmentIfAbsent is the engine's single point of
	// concurrency coordination: when two callers race, exactly one row is
	// created and both receive it. The returned flag is true for the caller
	// whose row won.
	InsertAssignmentIfAbsent(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error)
	GetAssignment(ctx context.Context, experimentID, userID string) (*model.Assignment, error)
	ListAssignmentsByExperiment(ctx context.Context, experimentID string) ([]model.Assignment, error)
	ListAssignmentsByUser(ctx context.Context, userID string) ([]model.Assignment, error)

	// Events. AppendEvent dedupes on (experiment, idempotency key) when a
	// key is present and returns the surviving row; the flag is true when a
	// new row was appended. Events are never updated or deleted.
	AppendEvent(ctx context.Context, ev model.Event) (*model.Event, bool, error)
	ListEventsByExperiment(ctx context.Context, experimentID string) ([]model.Event, error)
	CountEventsByExperiment(ctx context.Context, experimentID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New opens a store for the given driver ("sqlite", "postgres" or
// "memory").
func New(ctx context.Context, driver, url string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(url)
	case "postgres":
		return NewPostgres(ctx, url, nil)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

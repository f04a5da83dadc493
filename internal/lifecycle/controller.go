// Package lifecycle owns experiment state transitions and is the façade
// the API layer and CLI consume.
package lifecycle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/analysis"
	"github.com/sells-group/experiment-cli/internal/assign"
	"github.com/sells-group/experiment-cli/internal/events"
	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/stats"
	"github.com/sells-group/experiment-cli/internal/store"
)

// Controller wires the resolver, recorder and analyzer over one store and
// enforces the experiment state machine:
//
//	draft -> running -> paused -> running
//	running|paused -> stopped -> completed
type Controller struct {
	store    store.Store
	resolver *assign.Resolver
	recorder *events.Recorder
	analyzer *analysis.Analyzer
	now      func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithResolver overrides the default resolver.
func WithResolver(r *assign.Resolver) ControllerOption {
	return func(c *Controller) { c.resolver = r }
}

// WithRecorder overrides the default recorder.
func WithRecorder(r *events.Recorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// WithAnalyzer overrides the default analyzer.
func WithAnalyzer(a *analysis.Analyzer) ControllerOption {
	return func(c *Controller) { c.analyzer = a }
}

// WithControllerClock overrides the time source, used in tests.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(s store.Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = assign.NewResolver(s)
	}
	if c.recorder == nil {
		c.recorder = events.NewRecorder(s)
	}
	if c.analyzer == nil {
		c.analyzer = analysis.NewAnalyzer(s)
	}
	return c
}

// Recorder exposes the wired recorder, mainly for integrity snapshots.
func (c *Controller) Recorder() *events.Recorder { return c.recorder }

// --- State machine ---

// Create validates a Draft definition and persists it.
func (c *Controller) Create(ctx context.Context, exp *model.Experiment) error {
	if exp.Status == "" {
		exp.Status = model.StatusDraft
	}
	if exp.Status != model.StatusDraft {
		return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: create requires draft, got %s", exp.Status)
	}
	if err := exp.Validate(); err != nil {
		return err
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = c.now()
	}
	if err := c.store.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	zap.L().Info("experiment created", zap.String("experiment_id", exp.ID))
	return nil
}

// Start re-validates and moves a Draft experiment to Running.
func (c *Controller) Start(ctx context.Context, id string) (*model.Experiment, error) {
	return c.transition(ctx, id, model.StatusRunning, func(exp *model.Experiment) error {
		if exp.Status != model.StatusDraft {
			return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: start from %s", exp.Status)
		}
		if err := exp.Validate(); err != nil {
			return err
		}
		now := c.now()
		exp.StartedAt = &now
		return nil
	})
}

// Pause stops a Running experiment from taking on new users. Existing
// assignments stay honored and their events keep flowing.
func (c *Controller) Pause(ctx context.Context, id string) (*model.Experiment, error) {
	return c.transition(ctx, id, model.StatusPaused, func(exp *model.Experiment) error {
		if exp.Status != model.StatusRunning {
			return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: pause from %s", exp.Status)
		}
		return nil
	})
}

// Resume moves a Paused experiment back to Running. Existing assignments
// are untouched, so returning users keep their variant.
func (c *Controller) Resume(ctx context.Context, id string) (*model.Experiment, error) {
	return c.transition(ctx, id, model.StatusRunning, func(exp *model.Experiment) error {
		if exp.Status != model.StatusPaused {
			return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: resume from %s", exp.Status)
		}
		return nil
	})
}

// Stop ends a Running or Paused experiment, recording why.
func (c *Controller) Stop(ctx context.Context, id, reason string) (*model.Experiment, error) {
	return c.transition(ctx, id, model.StatusStopped, func(exp *model.Experiment) error {
		if exp.Status != model.StatusRunning && exp.Status != model.StatusPaused {
			return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: stop from %s", exp.Status)
		}
		now := c.now()
		exp.StoppedAt = &now
		exp.StopReason = reason
		return nil
	})
}

// Complete archives a Stopped experiment.
func (c *Controller) Complete(ctx context.Context, id string) (*model.Experiment, error) {
	return c.transition(ctx, id, model.StatusCompleted, func(exp *model.Experiment) error {
		if exp.Status != model.StatusStopped {
			return eris.Wrapf(model.ErrInvalidTransition, "lifecycle: complete from %s", exp.Status)
		}
		return nil
	})
}

func (c *Controller) transition(ctx context.Context, id string, to model.Status, check func(*model.Experiment) error) (*model.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	from := exp.Status
	if err := check(exp); err != nil {
		return nil, err
	}
	exp.Status = to
	if err := c.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	zap.L().Info("experiment transition",
		zap.String("experiment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return exp, nil
}

// --- Façade ---

// Get returns one experiment by id.
func (c *Controller) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return c.store.GetExperiment(ctx, id)
}

// List returns experiments matching the filter.
func (c *Controller) List(ctx context.Context, filter store.ExperimentFilter) ([]model.Experiment, error) {
	return c.store.ListExperiments(ctx, filter)
}

// GetAssignment resolves (and possibly creates) the user's assignment for
// one experiment. Nil with nil error means not eligible.
func (c *Controller) GetAssignment(ctx context.Context, experimentID string, user model.UserContext) (*model.Assignment, error) {
	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return c.resolver.Resolve(ctx, exp, user)
}

// GetAllAssignments resolves the user against every running experiment.
func (c *Controller) GetAllAssignments(ctx context.Context, user model.UserContext) ([]model.Assignment, error) {
	return c.resolver.ResolveAll(ctx, user)
}

// RecordEvent validates and appends one event, returning the event id.
func (c *Controller) RecordEvent(ctx context.Context, req events.RecordRequest) (string, error) {
	return c.recorder.Record(ctx, req)
}

// GetResults computes (or returns cached) analysis for an experiment.
func (c *Controller) GetResults(ctx context.Context, experimentID string) (*model.AnalysisResult, error) {
	return c.analyzer.Analyze(ctx, experimentID)
}

// CalculateSampleSize returns the required per-arm sample size.
func (c *Controller) CalculateSampleSize(baselineRate, mde, power, alpha float64) (int, error) {
	return stats.SampleSizePerArm(baselineRate, mde, power, alpha)
}

// EstimateDuration returns the estimated days for an experiment to reach
// its declared minimum per-arm sample size, given total daily eligible
// traffic split evenly across its variants.
func (c *Controller) EstimateDuration(ctx context.Context, experimentID string, dailyTraffic int) (int, error) {
	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return 0, err
	}
	if exp.MinSampleSize <= 0 {
		return 0, eris.Errorf("lifecycle: experiment %s declares no minimum sample size", experimentID)
	}
	return stats.EstimateDurationDays(exp.MinSampleSize, dailyTraffic, len(exp.Variants))
}

// Package events validates and persists the immutable event log that all
// analysis is computed from.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/store"
)

// DefaultGraceWindow is how long after an experiment stops that conversion
// events are still accepted. Conversions attributable to an exposure that
// happened while the experiment ran can arrive late.
const DefaultGraceWindow = 72 * time.Hour

// RecordRequest carries one incoming event.
type RecordRequest struct {
	ExperimentID   string            `json:"experiment_id"`
	UserID         string            `json:"user_id"`
	MetricID       string            `json:"metric_id,omitempty"`
	Kind           model.EventKind   `json:"kind"`
	Value          float64           `json:"value,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IntegrityCounters tracks rejected events in-process. A growing
// NotAssigned count usually means exposures are being logged before
// assignment, which silently corrupts analysis if left unwatched.
type IntegrityCounters struct {
	Accepted          int64 `json:"accepted"`
	Deduplicated      int64 `json:"deduplicated"`
	UnknownExperiment int64 `json:"unknown_experiment"`
	UnknownMetric     int64 `json:"unknown_metric"`
	NotAssigned       int64 `json:"not_assigned"`
	InvalidState      int64 `json:"invalid_state"`
}

// Recorder validates events against experiment state before appending them.
type Recorder struct {
	store       store.Store
	graceWindow time.Duration
	now         func() time.Time

	mu       sync.Mutex
	counters IntegrityCounters
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithGraceWindow overrides the post-stop window for conversion events.
func WithGraceWindow(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.graceWindow = d }
}

// WithRecorderClock overrides the time source, used in tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(s store.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       s,
		graceWindow: DefaultGraceWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record validates req and appends it to the event log. It returns the
// stored event id; for a request whose idempotency key was already seen,
// the original event id is returned and no new event is written.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (string, error) {
	if req.ExperimentID == "" || req.UserID == "" {
		return "", eris.New("events: experiment id and user id are required")
	}

	exp, err := r.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		if eris.Is(err, model.ErrUnknownExperiment) {
			r.bump(func(c *IntegrityCounters) { c.UnknownExperiment++ })
		}
		return "", err
	}

	if err := r.checkState(exp, req.Kind); err != nil {
		r.bump(func(c *IntegrityCounters) { c.InvalidState++ })
		return "", err
	}

	if req.Kind == model.EventExposure || req.Kind == model.EventConversion {
		// Conversions must name a metric; exposures may, in which case it
		// still has to be one the experiment declares.
		if req.Kind == model.EventConversion || req.MetricID != "" {
			if exp.MetricByID(req.MetricID) == nil {
				r.bump(func(c *IntegrityCounters) { c.UnknownMetric++ })
				return "", eris.Wrapf(model.ErrUnknownMetric, "events: %s/%s", req.ExperimentID, req.MetricID)
			}
		}
		a, err := r.store.GetAssignment(ctx, req.ExperimentID, req.UserID)
		if err != nil {
			return "", err
		}
		if a == nil {
			r.bump(func(c *IntegrityCounters) { c.NotAssigned++ })
			zap.L().Warn("event for unassigned user rejected",
				zap.String("experiment_id", req.ExperimentID),
				zap.String("user_id", req.UserID),
				zap.String("kind", string(req.Kind)))
			return "", eris.Wrapf(model.ErrNotAssigned, "events: %s/%s", req.ExperimentID, req.UserID)
		}
	}

	ev, created, err := r.store.AppendEvent(ctx, model.Event{
		ExperimentID:   req.ExperimentID,
		UserID:         req.UserID,
		MetricID:       req.MetricID,
		Kind:           req.Kind,
		Value:          req.Value,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      r.now(),
	})
	if err != nil {
		return "", err
	}
	if created {
		r.bump(func(c *IntegrityCounters) { c.Accepted++ })
	} else {
		r.bump(func(c *IntegrityCounters) { c.Deduplicated++ })
	}
	return ev.ID, nil
}

// checkState enforces that events only land while an experiment is running
// or paused, except late conversions inside the grace window after a stop.
// Paused still accepts events because the assignment-required check limits
// them to users who were admitted before the pause.
func (r *Recorder) checkState(exp *model.Experiment, kind model.EventKind) error {
	if exp.Status == model.StatusRunning || exp.Status == model.StatusPaused {
		return nil
	}
	if kind == model.EventConversion &&
		(exp.Status == model.StatusStopped || exp.Status == model.StatusCompleted) &&
		exp.StoppedAt != nil &&
		r.now().Sub(*exp.StoppedAt) <= r.graceWindow {
		return nil
	}
	return eris.Wrapf(model.ErrInvalidState, "events: experiment %s is %s", exp.ID, exp.Status)
}

// IntegritySnapshot returns a copy of the rejection counters.
func (r *Recorder) IntegritySnapshot() IntegrityCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *Recorder) bump(f func(*IntegrityCounters)) {
	r.mu.Lock()
	f(&r.counters)
	r.mu.Unlock()
}

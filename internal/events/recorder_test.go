package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRecorder(t *testing.T, opts ...RecorderOption) (*Recorder, store.Store) {
	t.Helper()
	s := store.NewMemory()
	exp := &model.Experiment{
		ID:     "cta-color",
		Name:   "CTA color",
		Status: model.StatusRunning,
		Method: model.MethodDeterministic,
		Variants: []model.Variant{
			{ID: "control", Name: "Control", Weight: 0.5, IsControl: true},
			{ID: "treatment", Name: "Treatment", Weight: 0.5},
		},
		Metrics: []model.Metric{
			{ID: "signup", Name: "Signup", Type: model.MetricConversion, EventName: "signup", IsPrimary: true},
		},
	}
	require.NoError(t, s.CreateExperiment(context.Background(), exp))
	return NewRecorder(s, opts...), s
}

func assign(t *testing.T, s store.Store, userID string) {
	t.Helper()
	_, _, err := s.InsertAssignmentIfAbsent(context.Background(), model.Assignment{
		ExperimentID: "cta-color",
		UserID:       userID,
		VariantID:    "control",
		Method:       model.MethodDeterministic,
		AssignedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestRecordExposureAndConversion(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	assign(t, s, "user-1")

	id, err := r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", Kind: model.EventExposure,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	id, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "signup",
		Kind: model.EventConversion, Value: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap := r.IntegritySnapshot()
	assert.Equal(t, int64(2), snap.Accepted)
}

func TestRecordUnknownExperiment(t *testing.T) {
	r, _ := newTestRecorder(t)

	_, err := r.Record(context.Background(), RecordRequest{
		ExperimentID: "ghost", UserID: "user-1", Kind: model.EventExposure,
	})
	assert.True(t, errors.Is(err, model.ErrUnknownExperiment))
	assert.Equal(t, int64(1), r.IntegritySnapshot().UnknownExperiment)
}

func TestRecordUnknownMetric(t *testing.T) {
	r, s := newTestRecorder(t)
	assign(t, s, "user-1")

	_, err := r.Record(context.Background(), RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "revenue",
		Kind: model.EventConversion, Value: 1,
	})
	assert.True(t, errors.Is(err, model.ErrUnknownMetric))
	assert.Equal(t, int64(1), r.IntegritySnapshot().UnknownMetric)
}

func TestRecordNotAssigned(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	_, err := r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "stranger", Kind: model.EventExposure,
	})
	assert.True(t, errors.Is(err, model.ErrNotAssigned))

	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "stranger", MetricID: "signup",
		Kind: model.EventConversion, Value: 1,
	})
	assert.True(t, errors.Is(err, model.ErrNotAssigned))
	assert.Equal(t, int64(2), r.IntegritySnapshot().NotAssigned)

	// Rejected events never reach the log.
	count, err := s.CountEventsByExperiment(ctx, "cta-color")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecordPausedStillAcceptsAssignedUsers(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	assign(t, s, "user-1")

	exp, err := s.GetExperiment(ctx, "cta-color")
	require.NoError(t, err)
	exp.Status = model.StatusPaused
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	// Previously-assigned users keep recording through a pause.
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", Kind: model.EventExposure,
	})
	require.NoError(t, err)
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "signup",
		Kind: model.EventConversion, Value: 1,
	})
	require.NoError(t, err)

	// Users never admitted before the pause still cannot record.
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "stranger", Kind: model.EventExposure,
	})
	assert.True(t, errors.Is(err, model.ErrNotAssigned))
}

func TestRecordRejectsDraftAndCompleted(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	assign(t, s, "user-1")

	for i, status := range []model.Status{model.StatusDraft, model.StatusCompleted} {
		exp, err := s.GetExperiment(ctx, "cta-color")
		require.NoError(t, err)
		exp.Status = status
		exp.StoppedAt = nil
		require.NoError(t, s.UpdateExperiment(ctx, exp))

		_, err = r.Record(ctx, RecordRequest{
			ExperimentID: "cta-color", UserID: "user-1", Kind: model.EventExposure,
		})
		assert.True(t, errors.Is(err, model.ErrInvalidState))
		assert.Equal(t, int64(i+1), r.IntegritySnapshot().InvalidState)
	}
}

func TestRecordConversionGraceWindow(t *testing.T) {
	stoppedAt := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	now := stoppedAt.Add(24 * time.Hour)
	r, s := newTestRecorder(t, WithRecorderClock(func() time.Time { return now }))
	ctx := context.Background()
	assign(t, s, "user-1")

	exp, err := s.GetExperiment(ctx, "cta-color")
	require.NoError(t, err)
	exp.Status = model.StatusStopped
	exp.StoppedAt = &stoppedAt
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	// A late conversion inside the 72h window is accepted.
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "signup",
		Kind: model.EventConversion, Value: 1,
	})
	require.NoError(t, err)

	// Exposures never get the grace window.
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", Kind: model.EventExposure,
	})
	assert.True(t, errors.Is(err, model.ErrInvalidState))

	// Past the window, conversions are rejected too.
	now = stoppedAt.Add(73 * time.Hour)
	_, err = r.Record(ctx, RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "signup",
		Kind: model.EventConversion, Value: 1,
	})
	assert.True(t, errors.Is(err, model.ErrInvalidState))
}

func TestRecordIdempotencyKeyDedupe(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	assign(t, s, "user-1")

	req := RecordRequest{
		ExperimentID: "cta-color", UserID: "user-1", MetricID: "signup",
		Kind: model.EventConversion, Value: 1, IdempotencyKey: "order-77",
	}
	first, err := r.Record(ctx, req)
	require.NoError(t, err)
	second, err := r.Record(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count, err := s.CountEventsByExperiment(ctx, "cta-color")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	snap := r.IntegritySnapshot()
	assert.Equal(t, int64(1), snap.Accepted)
	assert.Equal(t, int64(1), snap.Deduplicated)
}

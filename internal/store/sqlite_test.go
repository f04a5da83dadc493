package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/experiment-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func fixtureExperiment(id string) *model.Experiment {
	return &model.Experiment{
		ID:     id,
		Name:   "Checkout CTA",
		Status: model.StatusDraft,
		Method: model.MethodDeterministic,
		Variants: []model.Variant{
			{ID: "control", Name: "Control", Weight: 0.5, IsControl: true},
			{ID: "treatment", Name: "Treatment", Weight: 0.5},
		},
		Metrics: []model.Metric{
			{ID: "purchase", Name: "Purchase", Type: model.MetricConversion, EventName: "purchase", IsPrimary: true},
		},
	}
}

func TestSQLiteExperimentRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	exp := fixtureExperiment("checkout-cta")
	require.NoError(t, s.CreateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, "checkout-cta", got.ID)
	assert.Equal(t, model.StatusDraft, got.Status)
	require.Len(t, got.Variants, 2)
	assert.True(t, got.Variants[0].IsControl)
	assert.Equal(t, 0.5, got.Variants[1].Weight)
	require.Len(t, got.Metrics, 1)
	assert.Equal(t, model.MetricConversion, got.Metrics[0].Type)
}

func TestSQLiteGetExperimentUnknown(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.GetExperiment(context.Background(), "nope")
	assert.True(t, errors.Is(err, model.ErrUnknownExperiment))
}

func TestSQLiteUpdateExperiment(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	exp := fixtureExperiment("checkout-cta")
	require.NoError(t, s.CreateExperiment(ctx, exp))

	exp.Status = model.StatusRunning
	now := time.Now().UTC()
	exp.StartedAt = &now
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestSQLiteUpdateExperimentUnknown(t *testing.T) {
	s := newTestSQLiteStore(t)

	err := s.UpdateExperiment(context.Background(), fixtureExperiment("ghost"))
	assert.True(t, errors.Is(err, model.ErrUnknownExperiment))
}

func TestSQLiteListExperimentsFilter(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	a := fixtureExperiment("exp-a")
	b := fixtureExperiment("exp-b")
	b.Status = model.StatusRunning
	require.NoError(t, s.CreateExperiment(ctx, a))
	require.NoError(t, s.CreateExperiment(ctx, b))

	all, err := s.ListExperiments(ctx, ExperimentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListExperiments(ctx, ExperimentFilter{Status: model.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "exp-b", running[0].ID)
}

func TestSQLiteInsertAssignmentIfAbsent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	first := model.Assignment{
		ExperimentID: "checkout-cta",
		UserID:       "user-1",
		VariantID:    "control",
		Method:       model.MethodDeterministic,
		AssignedAt:   time.Now().UTC(),
	}
	got, created, err := s.InsertAssignmentIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "control", got.VariantID)

	// A second insert with a different variant must return the original.
	second := first
	second.VariantID = "treatment"
	got, created, err = s.InsertAssignmentIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "control", got.VariantID)
}

func TestSQLiteGetAssignmentAbsent(t *testing.T) {
	s := newTestSQLiteStore(t)

	got, err := s.GetAssignment(context.Background(), "checkout-cta", "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteListAssignments(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("exp-a")))
	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("exp-b")))

	for _, a := range []model.Assignment{
		{ExperimentID: "exp-a", UserID: "user-1", VariantID: "control", Method: model.MethodDeterministic, AssignedAt: time.Now().UTC()},
		{ExperimentID: "exp-a", UserID: "user-2", VariantID: "treatment", Method: model.MethodDeterministic, AssignedAt: time.Now().UTC()},
		{ExperimentID: "exp-b", UserID: "user-1", VariantID: "control", Method: model.MethodSticky, AssignedAt: time.Now().UTC()},
	} {
		_, _, err := s.InsertAssignmentIfAbsent(ctx, a)
		require.NoError(t, err)
	}

	byExp, err := s.ListAssignmentsByExperiment(ctx, "exp-a")
	require.NoError(t, err)
	assert.Len(t, byExp, 2)

	byUser, err := s.ListAssignmentsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, byUser, 2)
}

func TestSQLiteAppendEventIdempotency(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	ev := model.Event{
		ExperimentID:   "checkout-cta",
		UserID:         "user-1",
		MetricID:       "purchase",
		Kind:           model.EventConversion,
		Value:          1,
		IdempotencyKey: "order-9001",
		Metadata:       map[string]string{"source": "web"},
	}
	first, created, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	dup, created, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, map[string]string{"source": "web"}, dup.Metadata)

	count, err := s.CountEventsByExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteAppendEventNoIdempotencyKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	ev := model.Event{
		ExperimentID: "checkout-cta",
		UserID:       "user-1",
		Kind:         model.EventExposure,
	}
	// Without a key, repeated appends are distinct events.
	_, created, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	events, err := s.ListEventsByExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

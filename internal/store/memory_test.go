package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/experiment-cli/internal/model"
)

func TestMemoryExperimentRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	got, err := s.GetExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, "checkout-cta", got.ID)

	_, err = s.GetExperiment(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrUnknownExperiment))
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	got, err := s.GetExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	got.Status = model.StatusStopped

	again, err := s.GetExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, again.Status)
}

func TestMemoryAppendEventIdempotency(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	ev := model.Event{
		ExperimentID:   "checkout-cta",
		UserID:         "user-1",
		MetricID:       "purchase",
		Kind:           model.EventConversion,
		Value:          1,
		IdempotencyKey: "order-1",
	}
	first, created, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	count, err := s.CountEventsByExperiment(ctx, "checkout-cta")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// Many goroutines race to create a first assignment for the same user.
// Exactly one insert wins and every caller observes the same variant.
func TestMemoryConcurrentFirstAssignment(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("checkout-cta")))

	const workers = 32
	variants := []string{"control", "treatment"}

	var wg sync.WaitGroup
	results := make([]*model.Assignment, workers)
	createdFlags := make([]bool, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := model.Assignment{
				ExperimentID: "checkout-cta",
				UserID:       "user-race",
				VariantID:    variants[i%2],
				Method:       model.MethodRandom,
				AssignedAt:   time.Now().UTC(),
			}
			results[i], createdFlags[i], errs[i] = s.InsertAssignmentIfAbsent(ctx, a)
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		if createdFlags[i] {
			createdCount++
		}
		assert.Equal(t, results[0].VariantID, results[i].VariantID)
	}
	assert.Equal(t, 1, createdCount)

	stored, err := s.GetAssignment(ctx, "checkout-cta", "user-race")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, results[0].VariantID, stored.VariantID)
}

func TestMemoryListAssignments(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("exp-a")))
	require.NoError(t, s.CreateExperiment(ctx, fixtureExperiment("exp-b")))

	for _, a := range []model.Assignment{
		{ExperimentID: "exp-a", UserID: "user-1", VariantID: "control", Method: model.MethodDeterministic, AssignedAt: time.Now().UTC()},
		{ExperimentID: "exp-b", UserID: "user-1", VariantID: "treatment", Method: model.MethodDeterministic, AssignedAt: time.Now().UTC()},
		{ExperimentID: "exp-b", UserID: "user-2", VariantID: "control", Method: model.MethodDeterministic, AssignedAt: time.Now().UTC()},
	} {
		_, _, err := s.InsertAssignmentIfAbsent(ctx, a)
		require.NoError(t, err)
	}

	byUser, err := s.ListAssignmentsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byExp, err := s.ListAssignmentsByExperiment(ctx, "exp-b")
	require.NoError(t, err)
	assert.Len(t, byExp, 2)
}

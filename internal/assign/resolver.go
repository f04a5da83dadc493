// Package assign resolves which variant a user sees for an experiment.
package assign

import (
	"context"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/experiment-cli/internal/bucket"
	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/store"
	"github.com/sells-group/experiment-cli/internal/targeting"
)

// Resolver decides variant membership. A nil assignment with a nil error
// means the user is not eligible: they hold no prior assignment and the
// experiment is not taking new users, or a targeting rule excluded them.
type Resolver struct {
	store store.Store
	now   func() time.Time
	randF func() float64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRandSource overrides the uniform random source used by the random
// and sticky methods, used in tests.
func WithRandSource(f func() float64) Option {
	return func(r *Resolver) { r.randF = f }
}

func NewResolver(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		randF: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the variant assignment for user in exp, creating and
// persisting one when the user sees the experiment for the first time.
// Prior persisted assignments always win, before the status and targeting
// gates: a user already in the experiment keeps their variant while it is
// running or paused, even when a time-based rule would no longer admit
// them. Weight changes mid-flight never move already-assigned users either.
func (r *Resolver) Resolve(ctx context.Context, exp *model.Experiment, user model.UserContext) (*model.Assignment, error) {
	if user.UserID == "" {
		return nil, eris.New("assign: empty user id")
	}

	now := r.now()

	// The random method re-draws on every call and never persists, so it
	// skips the prior-assignment lookup entirely.
	if exp.Method != model.MethodRandom &&
		(exp.Status == model.StatusRunning || exp.Status == model.StatusPaused) {
		prior, err := r.store.GetAssignment(ctx, exp.ID, user.UserID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	// Only a running experiment takes on new users.
	if exp.Status != model.StatusRunning {
		return nil, nil
	}

	eligible, err := targeting.Evaluate(exp.ID, exp.Targeting, user, now)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, nil
	}

	if exp.Method == model.MethodRandom {
		v := bucket.PickVariant(exp.Variants, r.randF())
		return &model.Assignment{
			ExperimentID: exp.ID,
			UserID:       user.UserID,
			VariantID:    v.ID,
			Method:       model.MethodRandom,
			AssignedAt:   now,
		}, nil
	}

	var x float64
	switch exp.Method {
	case model.MethodDeterministic:
		x = bucket.UnitInterval(exp.ID, user.UserID)
	case model.MethodSticky:
		x = r.randF()
	case model.MethodCohort:
		// Cohorts key on signup week so an entire cohort shares a variant.
		// Users with no known creation time fall back to the week they were
		// first seen.
		cohortAt := user.CreatedAt
		if cohortAt.IsZero() {
			cohortAt = now
		}
		x = bucket.UnitInterval(exp.ID, bucket.CohortKey(cohortAt))
	default:
		return nil, eris.Errorf("assign: unknown method %q for experiment %s", exp.Method, exp.ID)
	}

	v := bucket.PickVariant(exp.Variants, x)
	stored, created, err := r.store.InsertAssignmentIfAbsent(ctx, model.Assignment{
		ExperimentID: exp.ID,
		UserID:       user.UserID,
		VariantID:    v.ID,
		Method:       exp.Method,
		AssignedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a concurrent first-assignment race; the winner's row stands.
		zap.L().Debug("assignment race lost",
			zap.String("experiment_id", exp.ID),
			zap.String("user_id", user.UserID),
			zap.String("variant_id", stored.VariantID))
	}
	return stored, nil
}

// ResolveAll resolves user against every running experiment, skipping the
// ones the user is not eligible for.
func (r *Resolver) ResolveAll(ctx context.Context, user model.UserContext) ([]model.Assignment, error) {
	exps, err := r.store.ListExperiments(ctx, store.ExperimentFilter{Status: model.StatusRunning})
	if err != nil {
		return nil, err
	}
	var out []model.Assignment
	for i := range exps {
		a, err := r.Resolve(ctx, &exps[i], user)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

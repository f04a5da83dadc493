package model

import "time"

// AssignmentMethod selects how users are bucketed into variants.
type AssignmentMethod string

const (
	// MethodDeterministic hashes (experiment id, user id) into a stable
	// bucket; the persisted assignment and the recomputed hash always agree.
	MethodDeterministic AssignmentMethod = "deterministic"
	// MethodRandom draws a fresh uniform value per request and records no
	// assignment. A user may see different variants across requests; suited
	// only to experiments that do not need session consistency, and such
	// users can never record conversions (conversion requires a persisted
	// assignment).
	MethodRandom AssignmentMethod = "random"
	// MethodSticky draws a uniform value on the user's first resolution and
	// persists the result; the persisted row is the sole source of truth,
	// with no recomputable hash behind it.
	MethodSticky AssignmentMethod = "sticky"
	// MethodCohort hashes the user's signup-week cohort instead of the user
	// id, so all members of a cohort share a variant.
	MethodCohort AssignmentMethod = "cohort"
)

// Valid reports whether the method is one of the supported strategies.
func (m AssignmentMethod) Valid() bool {
	switch m {
	case MethodDeterministic, MethodRandom, MethodSticky, MethodCohort:
		return true
	}
	return false
}

// Assignment is the one-time binding of (experiment, user) to a variant.
// At most one row ever exists per (ExperimentID, UserID) and it is never
// rewritten, even if targeting rules or weights change later.
type Assignment struct {
	ExperimentID string           `json:"experiment_id"`
	UserID       string           `json:"user_id"`
	VariantID    string           `json:"variant_id"`
	Method       AssignmentMethod `json:"method"`
	AssignedAt   time.Time        `json:"assigned_at"`
}

package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Sentinel errors returned by the engine. Callers match with errors.Is.
var (
	// ErrUnknownExperiment is returned when an experiment id does not exist.
	ErrUnknownExperiment = eris.New("unknown experiment")

	// ErrUnknownMetric is returned when an event names a metric that does
	// not belong to the experiment.
	ErrUnknownMetric = eris.New("unknown metric")

	// ErrNotAssigned is returned when an exposure or conversion event is
	// recorded for a user with no prior assignment.
	ErrNotAssigned = eris.New("user not assigned")

	// ErrInvalidTransition is returned for lifecycle violations. No state
	// change occurs when it is returned.
	ErrInvalidTransition = eris.New("invalid lifecycle transition")

	// ErrInvalidState is returned when an event is recorded against an
	// experiment that is not accepting events.
	ErrInvalidState = eris.New("experiment not accepting events")
)

// ValidationError carries the full list of problems found in an experiment
// definition. Definitions are rejected whole; nothing is persisted when
// validation fails.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid experiment definition: " + strings.Join(e.Problems, "; ")
}

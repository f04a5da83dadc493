package model

import "time"

// EventKind distinguishes the append-only event types.
type EventKind string

const (
	EventAssignment EventKind = "assignment"
	EventExposure   EventKind = "exposure"
	EventConversion EventKind = "conversion"
)

// Valid reports whether the kind is a known event type.
func (k EventKind) Valid() bool {
	switch k {
	case EventAssignment, EventExposure, EventConversion:
		return true
	}
	return false
}

// Event is an immutable record of something that happened to a user inside
// an experiment. Events are never mutated or reordered; the analysis
// pipeline tolerates out-of-timestamp-order arrival.
type Event struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	UserID       string            `json:"user_id"`
	MetricID     string            `json:"metric_id,omitempty"`
	Kind         EventKind         `json:"kind"`
	Value        float64           `json:"value"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// IdempotencyKey, when supplied by the caller, dedupes retries of the
	// same logical event. Without it, duplicate calls legitimately produce
	// duplicate events.
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

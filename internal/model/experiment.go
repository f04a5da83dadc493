package model

import (
	"fmt"
	"math"
	"time"
)

// Status represents the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// MetricType enumerates the kinds of metrics an experiment can measure.
type MetricType string

const (
	MetricConversion MetricType = "conversion"
	MetricRevenue    MetricType = "revenue"
	MetricEngagement MetricType = "engagement"
	MetricRetention  MetricType = "retention"
	MetricCustom     MetricType = "custom"
)

// Continuous reports whether the metric is analyzed as a continuous value
// (mean difference, Welch's t-test) rather than a conversion rate.
func (t MetricType) Continuous() bool {
	switch t {
	case MetricRevenue, MetricEngagement, MetricCustom:
		return true
	}
	return false
}

// Variant is one arm of an experiment, including the control. Config is an
// opaque payload handed back to callers; the engine never interprets it.
type Variant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Weight    float64        `json:"weight"`
	IsControl bool           `json:"is_control"`
	Config    map[string]any `json:"config,omitempty"`
}

// Metric describes one measured outcome of an experiment.
type Metric struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	EventName string     `json:"event_name"`
	IsPrimary bool       `json:"is_primary"`
	// MinDetectableEffect is the smallest relative effect the experiment is
	// powered to detect, as a fraction (0.2 = 20%).
	MinDetectableEffect float64 `json:"min_detectable_effect,omitempty"`
}

// Experiment is the full definition plus lifecycle state. Variants, metrics
// and targeting are immutable once status leaves Draft.
type Experiment struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Hypothesis    string           `json:"hypothesis,omitempty"`
	Status        Status           `json:"status"`
	Variants      []Variant        `json:"variants"`
	Metrics       []Metric         `json:"metrics"`
	Targeting     []TargetingRule  `json:"targeting,omitempty"`
	Method        AssignmentMethod `json:"assignment_method"`
	MinSampleSize int              `json:"min_sample_size"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	StoppedAt     *time.Time       `json:"stopped_at,omitempty"`
	StopReason    string           `json:"stop_reason,omitempty"`
}

// weightEpsilon is the floating tolerance for the weights-sum-to-one check.
const weightEpsilon = 1e-9

// Validate checks all Draft invariants. It returns a *ValidationError
// listing every problem found, or nil when the definition is valid.
func (e *Experiment) Validate() error {
	var problems []string

	if e.ID == "" {
		problems = append(problems, "experiment id is required")
	}
	if e.Name == "" {
		problems = append(problems, "experiment name is required")
	}
	if !e.Method.Valid() {
		problems = append(problems, fmt.Sprintf("unknown assignment method %q", e.Method))
	}
	if e.MinSampleSize < 0 {
		problems = append(problems, "min_sample_size must not be negative")
	}

	if len(e.Variants) < 2 {
		problems = append(problems, "at least two variants are required")
	}
	var weightSum float64
	controls := 0
	seenVariants := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.ID == "" {
			problems = append(problems, "variant id is required")
			continue
		}
		if seenVariants[v.ID] {
			problems = append(problems, fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seenVariants[v.ID] = true
		if v.Weight <= 0 || v.Weight > 1 {
			problems = append(problems, fmt.Sprintf("variant %q weight must be in (0,1]", v.ID))
		}
		weightSum += v.Weight
		if v.IsControl {
			controls++
		}
	}
	if len(e.Variants) >= 2 && math.Abs(weightSum-1.0) > weightEpsilon {
		problems = append(problems, fmt.Sprintf("variant weights sum to %g, expected 1.0", weightSum))
	}
	if controls != 1 {
		problems = append(problems, fmt.Sprintf("exactly one control variant is required, found %d", controls))
	}

	if len(e.Metrics) == 0 {
		problems = append(problems, "at least one metric is required")
	}
	primaries := 0
	seenMetrics := make(map[string]bool, len(e.Metrics))
	for _, m := range e.Metrics {
		if m.ID == "" {
			problems = append(problems, "metric id is required")
			continue
		}
		if seenMetrics[m.ID] {
			problems = append(problems, fmt.Sprintf("duplicate metric id %q", m.ID))
		}
		seenMetrics[m.ID] = true
		switch m.Type {
		case MetricConversion, MetricRevenue, MetricEngagement, MetricRetention, MetricCustom:
		default:
			problems = append(problems, fmt.Sprintf("metric %q has unknown type %q", m.ID, m.Type))
		}
		if m.IsPrimary {
			primaries++
		}
	}
	if len(e.Metrics) > 0 && primaries != 1 {
		problems = append(problems, fmt.Sprintf("exactly one primary metric is required, found %d", primaries))
	}

	for i, r := range e.Targeting {
		if !r.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("targeting rule %d has unknown kind %q", i, r.Kind))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Control returns the control variant. It assumes a validated experiment.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// VariantByID returns the variant with the given id, or nil.
func (e *Experiment) VariantByID(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// MetricByID returns the metric with the given id, or nil.
func (e *Experiment) MetricByID(id string) *Metric {
	for i := range e.Metrics {
		if e.Metrics[i].ID == id {
			return &e.Metrics[i]
		}
	}
	return nil
}

// PrimaryMetric returns the metric flagged is_primary. It assumes a
// validated experiment.
func (e *Experiment) PrimaryMetric() *Metric {
	for i := range e.Metrics {
		if e.Metrics[i].IsPrimary {
			return &e.Metrics[i]
		}
	}
	return nil
}

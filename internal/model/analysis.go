package model

import "time"

// AnalysisResult is derived from the event log on demand; it is never the
// source of truth. Rates are fractions in [0,1].
type AnalysisResult struct {
	ExperimentID   string           `json:"experiment_id"`
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalExposures int              `json:"total_exposures"`
	SampleRatio    SRMResult        `json:"sample_ratio"`
	Metrics        []MetricAnalysis `json:"metrics"`
}

// SRMResult is the sample-ratio-mismatch diagnostic: a chi-square
// goodness-of-fit test of observed exposure counts against the counts
// implied by variant weights. Mismatch indicates an assignment-pipeline
// bug, not a treatment effect.
type SRMResult struct {
	ChiSquare float64            `json:"chi_square"`
	PValue    float64            `json:"p_value"`
	Mismatch  bool               `json:"mismatch"`
	Observed  map[string]int     `json:"observed"`
	Expected  map[string]float64 `json:"expected"`
}

// MetricAnalysis holds per-variant aggregates and vs.-control comparisons
// for one metric.
type MetricAnalysis struct {
	MetricID    string         `json:"metric_id"`
	MetricName  string         `json:"metric_name"`
	Type        MetricType     `json:"type"`
	IsPrimary   bool           `json:"is_primary"`
	Variants    []VariantStats `json:"variants"`
	Comparisons []Comparison   `json:"comparisons"`
}

// VariantStats is the aggregate for one variant under one metric.
type VariantStats struct {
	VariantID string  `json:"variant_id"`
	Name      string  `json:"variant_name"`
	IsControl bool    `json:"is_control"`
	Exposures int     `json:"exposures"`
	// Conversions is the distinct-user conversion count for conversion
	// metrics; for continuous metrics it is the observation count.
	Conversions int     `json:"conversions"`
	ValueSum    float64 `json:"value_sum,omitempty"`
	// Rate is the conversion rate for conversion metrics and the mean for
	// continuous metrics.
	Rate             float64  `json:"rate"`
	CILow            *float64 `json:"ci_low,omitempty"`
	CIHigh           *float64 `json:"ci_high,omitempty"`
	InsufficientData bool     `json:"insufficient_data"`
}

// Comparison is one treatment arm tested against the control.
type Comparison struct {
	VariantID    string  `json:"variant_id"`
	AbsoluteLift float64 `json:"absolute_lift"`
	// RelativeLift is nil when the control rate is zero (undefined, not 0).
	RelativeLift *float64 `json:"relative_lift"`
	Statistic    float64  `json:"statistic"`
	PValue       float64  `json:"p_value"`
	CILow        float64  `json:"ci_low"`
	CIHigh       float64  `json:"ci_high"`
	// IsSignificant requires p below the configured level and min sample
	// size reached in both arms; it is never true early.
	IsSignificant    bool `json:"is_significant"`
	InsufficientData bool `json:"insufficient_data"`
}

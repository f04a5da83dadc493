// Package analysis computes experiment results from the event log.
package analysis

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/experiment-cli/internal/model"
	"github.com/sells-group/experiment-cli/internal/stats"
	"github.com/sells-group/experiment-cli/internal/store"
)

const (
	// DefaultSignificanceLevel is the two-sided alpha for all tests.
	DefaultSignificanceLevel = 0.05
	// DefaultSRMThreshold is deliberately strict: a sample-ratio mismatch
	// means a broken assignment pipeline, so false alarms must be rare.
	DefaultSRMThreshold = 0.001
)

// Analyzer derives AnalysisResults on demand. Results are cached per
// experiment keyed on the event-count watermark, so a fresh append
// invalidates the cache on the next call.
type Analyzer struct {
	store        store.Store
	significance float64
	srmThreshold float64
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]cachedResult
}

type cachedResult struct {
	watermark int
	result    *model.AnalysisResult
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithSignificanceLevel overrides the default alpha of 0.05.
func WithSignificanceLevel(alpha float64) AnalyzerOption {
	return func(a *Analyzer) { a.significance = alpha }
}

// WithSRMThreshold overrides the sample-ratio-mismatch p-value threshold.
func WithSRMThreshold(p float64) AnalyzerOption {
	return func(a *Analyzer) { a.srmThreshold = p }
}

// WithAnalyzerClock overrides the time source, used in tests.
func WithAnalyzerClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(s store.Store, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		store:        s,
		significance: DefaultSignificanceLevel,
		srmThreshold: DefaultSRMThreshold,
		now:          func() time.Time { return time.Now().UTC() },
		cache:        make(map[string]cachedResult),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// variantAgg is the per-variant rollup for one metric.
type variantAgg struct {
	exposures  int
	converters int // distinct users for conversion metrics
	obsCount   int // observation count for continuous metrics
	valueSum   float64
	valueSumSq float64
}

// Analyze computes the full result set for an experiment: per-metric
// per-variant aggregates, treatment-vs-control tests, and the SRM check.
func (a *Analyzer) Analyze(ctx context.Context, experimentID string) (*model.AnalysisResult, error) {
	exp, err := a.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	watermark, err := a.store.CountEventsByExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if c, ok := a.cache[experimentID]; ok && c.watermark == watermark {
		a.mu.Unlock()
		return c.result, nil
	}
	a.mu.Unlock()

	assignments, err := a.store.ListAssignmentsByExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	variantOf := make(map[string]string, len(assignments))
	for _, asn := range assignments {
		variantOf[asn.UserID] = asn.VariantID
	}

	events, err := a.store.ListEventsByExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	// Exposure counts are distinct users per variant. Users without a
	// persisted assignment are dropped; the recorder should have rejected
	// their events already.
	exposedUsers := make(map[string]map[string]bool, len(exp.Variants))
	for _, v := range exp.Variants {
		exposedUsers[v.ID] = make(map[string]bool)
	}
	for _, ev := range events {
		if ev.Kind != model.EventExposure {
			continue
		}
		vid, ok := variantOf[ev.UserID]
		if !ok {
			continue
		}
		if set, ok := exposedUsers[vid]; ok {
			set[ev.UserID] = true
		}
	}
	exposures := make(map[string]int, len(exp.Variants))
	total := 0
	for vid, set := range exposedUsers {
		exposures[vid] = len(set)
		total += len(set)
	}

	result := &model.AnalysisResult{
		ExperimentID:   experimentID,
		GeneratedAt:    a.now(),
		TotalExposures: total,
		SampleRatio:    a.sampleRatio(exp, exposures, total),
		Metrics:        make([]model.MetricAnalysis, len(exp.Metrics)),
	}

	g, _ := errgroup.WithContext(ctx)
	for i := range exp.Metrics {
		g.Go(func() error {
			result.Metrics[i] = a.analyzeMetric(exp, &exp.Metrics[i], events, variantOf, exposures)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[experimentID] = cachedResult{watermark: watermark, result: result}
	a.mu.Unlock()
	return result, nil
}

// sampleRatio runs the chi-square goodness-of-fit test of observed
// exposure counts against the counts the variant weights imply.
func (a *Analyzer) sampleRatio(exp *model.Experiment, exposures map[string]int, total int) model.SRMResult {
	srm := model.SRMResult{
		Observed: make(map[string]int, len(exp.Variants)),
		Expected: make(map[string]float64, len(exp.Variants)),
	}
	observed := make([]int, len(exp.Variants))
	expected := make([]float64, len(exp.Variants))
	for i, v := range exp.Variants {
		observed[i] = exposures[v.ID]
		expected[i] = float64(total) * v.Weight
		srm.Observed[v.ID] = observed[i]
		srm.Expected[v.ID] = expected[i]
	}
	if total == 0 {
		srm.PValue = 1
		return srm
	}
	gof := stats.ChiSquareGOF(observed, expected)
	if !gof.Defined {
		srm.PValue = 1
		return srm
	}
	srm.ChiSquare = gof.ChiSquare
	srm.PValue = gof.PValue
	srm.Mismatch = gof.PValue < a.srmThreshold
	return srm
}

func (a *Analyzer) analyzeMetric(
	exp *model.Experiment,
	metric *model.Metric,
	events []model.Event,
	variantOf map[string]string,
	exposures map[string]int,
) model.MetricAnalysis {
	aggs := make(map[string]*variantAgg, len(exp.Variants))
	for _, v := range exp.Variants {
		aggs[v.ID] = &variantAgg{exposures: exposures[v.ID]}
	}

	convertedUsers := make(map[string]map[string]bool, len(exp.Variants))
	for _, v := range exp.Variants {
		convertedUsers[v.ID] = make(map[string]bool)
	}
	for _, ev := range events {
		if ev.Kind != model.EventConversion || ev.MetricID != metric.ID {
			continue
		}
		vid, ok := variantOf[ev.UserID]
		if !ok {
			continue
		}
		agg, ok := aggs[vid]
		if !ok {
			continue
		}
		convertedUsers[vid][ev.UserID] = true
		agg.obsCount++
		agg.valueSum += ev.Value
		agg.valueSumSq += ev.Value * ev.Value
	}
	for vid, set := range convertedUsers {
		aggs[vid].converters = len(set)
	}

	ma := model.MetricAnalysis{
		MetricID:   metric.ID,
		MetricName: metric.Name,
		Type:       metric.Type,
		IsPrimary:  metric.IsPrimary,
		Variants:   make([]model.VariantStats, 0, len(exp.Variants)),
	}

	minRequired := exp.MinSampleSize
	continuous := metric.Type.Continuous()

	for _, v := range exp.Variants {
		agg := aggs[v.ID]
		vs := model.VariantStats{
			VariantID: v.ID,
			Name:      v.Name,
			IsControl: v.IsControl,
			Exposures: agg.exposures,
		}
		if continuous {
			vs.Conversions = agg.obsCount
			vs.ValueSum = agg.valueSum
			if agg.obsCount > 0 {
				vs.Rate = agg.valueSum / float64(agg.obsCount)
			}
			if agg.obsCount >= 2 {
				mean, variance := meanVar(agg)
				tc := stats.StudentTQuantile(a.significance, float64(agg.obsCount-1))
				half := tc * sqrtF(variance/float64(agg.obsCount))
				lo, hi := mean-half, mean+half
				vs.CILow, vs.CIHigh = &lo, &hi
			}
			vs.InsufficientData = agg.exposures == 0 || agg.obsCount < 2 ||
				(minRequired > 0 && agg.exposures < minRequired)
		} else {
			vs.Conversions = agg.converters
			if agg.exposures > 0 {
				vs.Rate = float64(agg.converters) / float64(agg.exposures)
			}
			if lo, hi, ok := stats.WilsonCI(agg.converters, agg.exposures, a.significance); ok {
				vs.CILow, vs.CIHigh = &lo, &hi
			}
			vs.InsufficientData = agg.exposures == 0 ||
				(minRequired > 0 && agg.exposures < minRequired)
		}
		ma.Variants = append(ma.Variants, vs)
	}

	control := exp.Control()
	if control == nil {
		return ma
	}
	ctl := aggs[control.ID]

	for _, v := range exp.Variants {
		if v.ID == control.ID {
			continue
		}
		agg := aggs[v.ID]
		// An arm nobody has seen yet contributes no comparison row; the
		// per-variant stats above already carry its InsufficientData flag.
		if ctl.exposures == 0 || agg.exposures == 0 {
			continue
		}
		cmp := model.Comparison{VariantID: v.ID}
		sizeOK := minRequired == 0 || (ctl.exposures >= minRequired && agg.exposures >= minRequired)

		if continuous {
			ctlMean, ctlVar := meanVar(ctl)
			trtMean, trtVar := meanVar(agg)
			cmp.AbsoluteLift = trtMean - ctlMean
			if ctlMean != 0 {
				rel := (trtMean - ctlMean) / ctlMean
				cmp.RelativeLift = &rel
			}
			w := stats.WelchTTest(ctl.obsCount, ctlMean, ctlVar, agg.obsCount, trtMean, trtVar, a.significance)
			if w.Defined {
				cmp.Statistic = w.T
				cmp.PValue = w.PValue
				cmp.CILow = w.CILow
				cmp.CIHigh = w.CIHigh
				cmp.IsSignificant = sizeOK && w.PValue < a.significance
			}
			cmp.InsufficientData = !w.Defined || !sizeOK
		} else {
			var ctlRate, trtRate float64
			if ctl.exposures > 0 {
				ctlRate = float64(ctl.converters) / float64(ctl.exposures)
			}
			if agg.exposures > 0 {
				trtRate = float64(agg.converters) / float64(agg.exposures)
			}
			cmp.AbsoluteLift = trtRate - ctlRate
			if ctlRate != 0 {
				rel := (trtRate - ctlRate) / ctlRate
				cmp.RelativeLift = &rel
			}
			zt := stats.TwoProportionZTest(ctl.converters, ctl.exposures, agg.converters, agg.exposures, a.significance)
			if zt.Defined {
				cmp.Statistic = zt.Z
				cmp.PValue = zt.PValue
				cmp.CILow = zt.CILow
				cmp.CIHigh = zt.CIHigh
				cmp.IsSignificant = sizeOK && zt.PValue < a.significance
			}
			cmp.InsufficientData = !zt.Defined || !sizeOK
		}
		ma.Comparisons = append(ma.Comparisons, cmp)
	}
	sort.Slice(ma.Comparisons, func(i, j int) bool {
		return ma.Comparisons[i].VariantID < ma.Comparisons[j].VariantID
	})
	return ma
}

// meanVar returns the mean and unbiased sample variance from running sums.
func meanVar(agg *variantAgg) (mean, variance float64) {
	n := float64(agg.obsCount)
	if n == 0 {
		return 0, 0
	}
	mean = agg.valueSum / n
	if n < 2 {
		return mean, 0
	}
	variance = (agg.valueSumSq - agg.valueSum*agg.valueSum/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

func sqrtF(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}

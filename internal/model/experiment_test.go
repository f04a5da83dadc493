package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validExperiment() *Experiment {
	return &Experiment{
		ID:     "checkout-cta",
		Name:   "Checkout CTA copy",
		Status: StatusDraft,
		Method: MethodDeterministic,
		Variants: []Variant{
			{ID: "control", Name: "Control", Weight: 0.5, IsControl: true},
			{ID: "treatment", Name: "Treatment", Weight: 0.5},
		},
		Metrics: []Metric{
			{ID: "purchase", Name: "Purchase", Type: MetricConversion, EventName: "purchase", IsPrimary: true},
		},
		MinSampleSize: 100,
	}
}

func TestExperiment_Validate_OK(t *testing.T) {
	require.NoError(t, validExperiment().Validate())
}

func TestExperiment_Validate_WeightsMustSumToOne(t *testing.T) {
	exp := validExperiment()
	exp.Variants[1].Weight = 0.4

	err := exp.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "weights sum")
}

func TestExperiment_Validate_WeightTolerance(t *testing.T) {
	exp := validExperiment()
	// A three-way split sums to 1.0 only within floating error; the 1e-9
	// tolerance must accept it.
	exp.Variants = []Variant{
		{ID: "a", Weight: 1.0 / 3.0, IsControl: true},
		{ID: "b", Weight: 1.0 / 3.0},
		{ID: "c", Weight: 1.0 / 3.0},
	}
	assert.NoError(t, exp.Validate())
}

func TestExperiment_Validate_ExactlyOneControl(t *testing.T) {
	exp := validExperiment()
	exp.Variants[1].IsControl = true
	err := exp.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control")

	exp = validExperiment()
	exp.Variants[0].IsControl = false
	require.Error(t, exp.Validate())
}

func TestExperiment_Validate_DuplicateVariantIDs(t *testing.T) {
	exp := validExperiment()
	exp.Variants[1].ID = "control"
	exp.Variants[1].IsControl = false
	err := exp.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate variant id")
}

func TestExperiment_Validate_AtLeastTwoVariants(t *testing.T) {
	exp := validExperiment()
	exp.Variants = exp.Variants[:1]
	exp.Variants[0].Weight = 1.0
	require.Error(t, exp.Validate())
}

func TestExperiment_Validate_ExactlyOnePrimaryMetric(t *testing.T) {
	exp := validExperiment()
	exp.Metrics = append(exp.Metrics, Metric{
		ID: "revenue", Name: "Revenue", Type: MetricRevenue, EventName: "purchase", IsPrimary: true,
	})
	require.Error(t, exp.Validate())

	exp = validExperiment()
	exp.Metrics[0].IsPrimary = false
	require.Error(t, exp.Validate())
}

func TestExperiment_Validate_UnknownRuleKind(t *testing.T) {
	exp := validExperiment()
	exp.Targeting = []TargetingRule{{Kind: "geofence"}}
	err := exp.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestExperiment_Validate_CollectsAllProblems(t *testing.T) {
	exp := &Experiment{Status: StatusDraft}
	err := exp.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Problems), 4)
}

func TestExperiment_Lookups(t *testing.T) {
	exp := validExperiment()
	require.NotNil(t, exp.Control())
	assert.Equal(t, "control", exp.Control().ID)
	assert.Nil(t, exp.VariantByID("missing"))
	assert.Equal(t, "purchase", exp.PrimaryMetric().ID)
	assert.Nil(t, exp.MetricByID("missing"))
}

func TestMetricType_Continuous(t *testing.T) {
	assert.False(t, MetricConversion.Continuous())
	assert.False(t, MetricRetention.Continuous())
	assert.True(t, MetricRevenue.Continuous())
	assert.True(t, MetricEngagement.Continuous())
	assert.True(t, MetricCustom.Continuous())
}

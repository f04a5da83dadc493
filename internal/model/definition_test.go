package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
id: pricing-page-v2
name: Pricing page redesign
hypothesis: The simplified pricing page increases signups
assignment_method: sticky
min_sample_size: 2000
variants:
  - id: control
    name: Current page
    weight: 0.5
    is_control: true
  - id: simplified
    name: Simplified page
    weight: 0.5
    config:
      layout: single-column
      highlight: annual
metrics:
  - id: signup
    name: Signup rate
    type: conversion
    event_name: signup_completed
    is_primary: true
    min_detectable_effect: 0.1
  - id: arpu
    name: Revenue per user
    type: revenue
    event_name: purchase
targeting:
  - kind: subscription_tier_in
    tiers: [free, trial]
  - kind: percentage_rollout
    percentage: 50
`

func TestParseDefinition(t *testing.T) {
	exp, err := ParseDefinition(strings.NewReader(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, "pricing-page-v2", exp.ID)
	assert.Equal(t, StatusDraft, exp.Status)
	assert.Equal(t, MethodSticky, exp.Method)
	assert.Equal(t, 2000, exp.MinSampleSize)

	require.Len(t, exp.Variants, 2)
	assert.True(t, exp.Variants[0].IsControl)
	assert.Equal(t, "single-column", exp.Variants[1].Config["layout"])

	require.Len(t, exp.Metrics, 2)
	assert.Equal(t, MetricConversion, exp.Metrics[0].Type)
	assert.InDelta(t, 0.1, exp.Metrics[0].MinDetectableEffect, 1e-12)

	require.Len(t, exp.Targeting, 2)
	assert.Equal(t, RuleSubscriptionTierIn, exp.Targeting[0].Kind)
	assert.Equal(t, []string{"free", "trial"}, exp.Targeting[0].Tiers)
	assert.InDelta(t, 50.0, exp.Targeting[1].Percentage, 1e-12)

	// Parsed definitions validate cleanly.
	require.NoError(t, exp.Validate())
}

func TestParseDefinition_DefaultsMethod(t *testing.T) {
	minimal := `
id: x
name: X
variants:
  - {id: a, weight: 0.5, is_control: true}
  - {id: b, weight: 0.5}
metrics:
  - {id: m, name: M, type: conversion, event_name: e, is_primary: true}
`
	exp, err := ParseDefinition(strings.NewReader(minimal))
	require.NoError(t, err)
	assert.Equal(t, MethodDeterministic, exp.Method)
}

func TestParseDefinition_RejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinition(strings.NewReader("id: x\nbogus_field: 1\n"))
	require.Error(t, err)
}

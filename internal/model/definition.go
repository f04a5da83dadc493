package model

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Definition is the on-disk YAML form of an experiment, as accepted by
// `expctl experiment create -f`. It carries no lifecycle state; parsed
// definitions always start in Draft.
type Definition struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Hypothesis    string           `yaml:"hypothesis"`
	Method        AssignmentMethod `yaml:"assignment_method"`
	MinSampleSize int              `yaml:"min_sample_size"`

	Variants []struct {
		ID        string         `yaml:"id"`
		Name      string         `yaml:"name"`
		Weight    float64        `yaml:"weight"`
		IsControl bool           `yaml:"is_control"`
		Config    map[string]any `yaml:"config"`
	} `yaml:"variants"`

	Metrics []struct {
		ID                  string     `yaml:"id"`
		Name                string     `yaml:"name"`
		Type                MetricType `yaml:"type"`
		EventName           string     `yaml:"event_name"`
		IsPrimary           bool       `yaml:"is_primary"`
		MinDetectableEffect float64    `yaml:"min_detectable_effect"`
	} `yaml:"metrics"`

	Targeting []TargetingRuleDef `yaml:"targeting"`
}

// TargetingRuleDef is the YAML form of a targeting rule.
type TargetingRuleDef struct {
	Kind       RuleKind `yaml:"kind"`
	MaxDays    int      `yaml:"max_days"`
	Tiers      []string `yaml:"tiers"`
	Percentage float64  `yaml:"percentage"`
	Attribute  string   `yaml:"attribute"`
	Value      string   `yaml:"value"`
}

// ParseDefinition reads a YAML experiment definition and returns a Draft
// experiment. The result is parsed, not validated; callers run Validate
// before persisting.
func ParseDefinition(r io.Reader) (*Experiment, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, eris.Wrap(err, "model: decode definition")
	}

	method := def.Method
	if method == "" {
		method = MethodDeterministic
	}

	exp := &Experiment{
		ID:            def.ID,
		Name:          def.Name,
		Hypothesis:    def.Hypothesis,
		Status:        StatusDraft,
		Method:        method,
		MinSampleSize: def.MinSampleSize,
		CreatedAt:     time.Now().UTC(),
	}
	for _, v := range def.Variants {
		exp.Variants = append(exp.Variants, Variant{
			ID:        v.ID,
			Name:      v.Name,
			Weight:    v.Weight,
			IsControl: v.IsControl,
			Config:    v.Config,
		})
	}
	for _, m := range def.Metrics {
		exp.Metrics = append(exp.Metrics, Metric{
			ID:                  m.ID,
			Name:                m.Name,
			Type:                m.Type,
			EventName:           m.EventName,
			IsPrimary:           m.IsPrimary,
			MinDetectableEffect: m.MinDetectableEffect,
		})
	}
	for _, r := range def.Targeting {
		exp.Targeting = append(exp.Targeting, TargetingRule{
			Kind:       r.Kind,
			MaxDays:    r.MaxDays,
			Tiers:      r.Tiers,
			Percentage: r.Percentage,
			Attribute:  r.Attribute,
			Value:      r.Value,
		})
	}
	return exp, nil
}

// LoadDefinition reads a YAML experiment definition from a file.
func LoadDefinition(path string) (*Experiment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: open definition %s", path)
	}
	defer f.Close()
	return ParseDefinition(f)
}

// Package rules combines features and mappers into weighted evaluation trees.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

var (
	// ErrInvalidWeight is returned when a weight falls outside [-1, 1].
	ErrInvalidWeight = errors.New("weight must be in [-1, 1]")
	// ErrArity is returned when subrules and weights differ in length.
	ErrArity = errors.New("subrule and weight counts differ")
)

// Feature extracts a raw value from an artifact. Extract reports false when
// the value cannot be computed for the artifact.
type Feature interface {
	Name() string
	Domains() []string
	Extract(a *artifact.Artifact) (any, bool)
}

// FeatureFunc adapts a plain function into a Feature limited to a set of
// domains.
type FeatureFunc struct {
	FeatureName string
	Supported   []string
	Fn          func(a *artifact.Artifact) any
}

func (f FeatureFunc) Name() string      { return f.FeatureName }
func (f FeatureFunc) Domains() []string { return f.Supported }

func (f FeatureFunc) Extract(a *artifact.Artifact) (any, bool) {
	if !contains(f.Supported, a.Domain()) {
		return nil, false
	}
	return f.Fn(a), true
}

// Evaluator is anything that scores an artifact. The bool result is false
// when the artifact's domain is not supported.
type Evaluator interface {
	Evaluate(a *artifact.Artifact) (float64, bool, error)
	Domains() []string
}

// Leaf pairs a feature with the mapper that turns its value into a score.
type Leaf struct {
	Feature Feature
	Mapper  Mapper
}

func NewLeaf(f Feature, m Mapper) *Leaf {
	if m == nil {
		m = Identity{}
	}
	return &Leaf{Feature: f, Mapper: m}
}

func (l *Leaf) Domains() []string { return l.Feature.Domains() }

func (l *Leaf) Evaluate(a *artifact.Artifact) (float64, bool, error) {
	v, ok := l.Feature.Extract(a)
	if !ok {
		return 0, false, nil
	}
	s, err := l.Mapper.Map(v)
	if err != nil {
		return 0, false, fmt.Errorf("feature %s: %w", l.Feature.Name(), err)
	}
	return clamp(s), true, nil
}

// Aggregate selects how a rule folds its subrule scores.
type Aggregate string

const (
	Average Aggregate = "ave"
	Min     Aggregate = "min"
	Max     Aggregate = "max"
)

// Rule is a weighted tree of leaves and other rules. Its domains are the
// union of its subrules' domains.
type Rule struct {
	subrules []Evaluator
	weights  []float64
	agg      Aggregate
	domains  []string
}

// NewRule builds a rule. Every weight must lie in [-1, 1].
func NewRule(subrules []Evaluator, weights []float64, agg Aggregate) (*Rule, error) {
	if len(subrules) != len(weights) {
		return nil, fmt.Errorf("%w: %d subrules, %d weights", ErrArity, len(subrules), len(weights))
	}
	switch agg {
	case "":
		agg = Average
	case Average, Min, Max:
	default:
		return nil, fmt.Errorf("unknown aggregate %q", agg)
	}
	r := &Rule{agg: agg}
	for i, s := range subrules {
		if err := r.Add(s, weights[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a subrule with the given weight.
func (r *Rule) Add(sub Evaluator, weight float64) error {
	if err := CheckWeight(weight); err != nil {
		return err
	}
	r.subrules = append(r.subrules, sub)
	r.weights = append(r.weights, weight)
	for _, d := range sub.Domains() {
		if !contains(r.domains, d) {
			r.domains = append(r.domains, d)
		}
	}
	sort.Strings(r.domains)
	return nil
}

func (r *Rule) Domains() []string { return r.domains }

// Len returns the number of subrules.
func (r *Rule) Len() int { return len(r.subrules) }

// Evaluate folds the subrule scores. Subrules that do not support the
// artifact's domain are skipped.
func (r *Rule) Evaluate(a *artifact.Artifact) (float64, bool, error) {
	if !contains(r.domains, a.Domain()) {
		return 0, false, nil
	}
	var (
		sum, wsum float64
		lo, hi    = 1.0, -1.0
		applied   int
	)
	for i, sub := range r.subrules {
		s, ok, err := sub.Evaluate(a)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		applied++
		w := r.weights[i]
		sum += s * w
		if w < 0 {
			wsum -= w
		} else {
			wsum += w
		}
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if applied == 0 {
		return 0, false, nil
	}
	switch r.agg {
	case Min:
		return lo, true, nil
	case Max:
		return hi, true, nil
	}
	if wsum == 0 {
		return 0, true, nil
	}
	return sum / wsum, true, nil
}

// CheckWeight validates a rule weight.
func CheckWeight(w float64) error {
	if w < -1 || w > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidWeight, w)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RetryPolicy schedules re-runs of a try block after a caught error.
type RetryPolicy struct {
	// When and ExceptWhen gate the retry path; both see the caught error
	// bound in scope. Rejection falls through to the catch body.
	When       string `yaml:"when,omitempty" json:"when,omitempty"`
	ExceptWhen string `yaml:"exceptWhen,omitempty" json:"exceptWhen,omitempty"`
	// Delay is the base delay before the first retry.
	Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	// Backoff grows the delay between attempts. Defaults to constant.
	Backoff *Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	// Jitter adds a uniform random amount in [0, Jitter] to every delay.
	Jitter Duration `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	// Limit bounds the number of attempts and the total retry window.
	Limit *RetryLimit `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// RetryRef is either the name of a use.retries entry or an inline policy.
type RetryRef struct {
	Ref    string
	Policy *RetryPolicy
}

func (r *RetryRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Ref)
	case yaml.MappingNode:
		r.Policy = new(RetryPolicy)
		return node.Decode(r.Policy)
	default:
		return fmt.Errorf("retry must be a name or a policy, got %s", nodeKindName(node.Kind))
	}
}

func (r *RetryRef) MarshalYAML() (any, error) {
	if r.Ref != "" {
		return r.Ref, nil
	}
	return r.Policy, nil
}

// BackoffStrategy names how the delay grows across attempts.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff selects a growth strategy. The document form is either an object
// with a single strategy key ({exponential: {}}) or the bare strategy name.
type Backoff struct {
	Strategy BackoffStrategy
}

func (b *Backoff) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		b.Strategy = BackoffStrategy(s)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("backoff must declare exactly one strategy")
		}
		b.Strategy = BackoffStrategy(node.Content[0].Value)
	default:
		return fmt.Errorf("backoff must be a strategy name or object, got %s", nodeKindName(node.Kind))
	}
	switch b.Strategy {
	case BackoffConstant, BackoffLinear, BackoffExponential:
		return nil
	default:
		return fmt.Errorf("unknown backoff strategy %q", b.Strategy)
	}
}

func (b *Backoff) MarshalYAML() (any, error) {
	return map[string]struct{}{string(b.Strategy): {}}, nil
}

// RetryLimit bounds retrying: by attempt count, per-attempt duration, or
// total elapsed duration since the first attempt.
type RetryLimit struct {
	Attempt  *AttemptLimit `yaml:"attempt,omitempty" json:"attempt,omitempty"`
	Duration Duration      `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// AttemptLimit bounds individual attempts.
type AttemptLimit struct {
	Count    int      `yaml:"count,omitempty" json:"count,omitempty"`
	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// MaxAttempts returns the configured attempt count, or 0 for unbounded.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil || p.Limit == nil || p.Limit.Attempt == nil {
		return 0
	}
	return p.Limit.Attempt.Count
}

// BackoffStrategy returns the configured strategy, defaulting to constant.
func (p *RetryPolicy) BackoffStrategy() BackoffStrategy {
	if p == nil || p.Backoff == nil {
		return BackoffConstant
	}
	return p.Backoff.Strategy
}

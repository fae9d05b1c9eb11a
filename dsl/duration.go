package dsl

import (
	"fmt"
	"time"

	iso8601 "github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Duration is a DSL duration: either an ISO-8601 string ("PT30S") or an
// object with day/hour/minute/second/millisecond components.
type Duration struct {
	value time.Duration
}

// DurationOf wraps a time.Duration.
func DurationOf(d time.Duration) Duration {
	return Duration{value: d}
}

// Value returns the duration as a time.Duration.
func (d Duration) Value() time.Duration {
	return d.value
}

// IsZero reports whether the duration is unset or zero.
func (d Duration) IsZero() bool {
	return d.value == 0
}

// String renders the ISO-8601 form.
func (d Duration) String() string {
	return iso8601.FromTimeDuration(d.value).String()
}

type durationComponents struct {
	Days         int `yaml:"days,omitempty" json:"days,omitempty"`
	Hours        int `yaml:"hours,omitempty" json:"hours,omitempty"`
	Minutes      int `yaml:"minutes,omitempty" json:"minutes,omitempty"`
	Seconds      int `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Milliseconds int `yaml:"milliseconds,omitempty" json:"milliseconds,omitempty"`
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		parsed, err := iso8601.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		d.value = parsed.ToTimeDuration()
		return nil
	case yaml.MappingNode:
		var c durationComponents
		if err := node.Decode(&c); err != nil {
			return err
		}
		d.value = time.Duration(c.Days)*24*time.Hour +
			time.Duration(c.Hours)*time.Hour +
			time.Duration(c.Minutes)*time.Minute +
			time.Duration(c.Seconds)*time.Second +
			time.Duration(c.Milliseconds)*time.Millisecond
		return nil
	default:
		return fmt.Errorf("duration must be a string or components object, got %s", nodeKindName(node.Kind))
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ParseDuration parses an ISO-8601 duration string.
func ParseDuration(s string) (Duration, error) {
	parsed, err := iso8601.Parse(s)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
	}
	return Duration{value: parsed.ToTimeDuration()}, nil
}

package domain

import (
	"time"
)

// ParameterKind defines the value type of a test parameter.
type ParameterKind string

const (
	ParameterKindNumber ParameterKind = "number"
	ParameterKindString ParameterKind = "string"
	ParameterKindEnum   ParameterKind = "enum"
	ParameterKindSecret ParameterKind = "secret"
)

// Parameter describes one configurable input of a test.
type Parameter struct {
	Name     string        `json:"name" yaml:"name"`
	Kind     ParameterKind `json:"kind" yaml:"kind"`
	Default  any           `json:"default,omitempty" yaml:"default,omitempty"`
	Min      *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Values   []string      `json:"values,omitempty" yaml:"values,omitempty"` // allowed values for enum
	Required bool          `json:"required,omitempty" yaml:"required,omitempty"`
}

// StepDefinition is one step of a protocol-style test. Exactly one pass
// rule applies: ExpectSubstring if set, otherwise the named Handler,
// otherwise "any response received".
type StepDefinition struct {
	Name            string         `json:"name" yaml:"name"`
	Command         string         `json:"command" yaml:"command"`
	Payload         map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	ExpectSubstring string         `json:"expect_substring,omitempty" yaml:"expect_substring,omitempty"`
	Handler         string         `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// TestDefinition is an immutable catalog entry. Definitions are loaded once
// at process start and read-only thereafter.
type TestDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Category    string           `json:"category" yaml:"category"`
	Icon        string           `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []Parameter      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps       []StepDefinition `json:"steps,omitempty" yaml:"steps,omitempty"`
	TimeoutMs   int              `json:"timeout_ms" yaml:"timeout_ms"`
	// EstimatedSeconds sizes client-side expectations; it is not an
	// enforced deadline.
	EstimatedSeconds int `json:"estimated_seconds,omitempty" yaml:"estimated_seconds,omitempty"`
}

// Timeout returns the definition's timeout as a duration, or fallback when
// the definition carries none.
func (d *TestDefinition) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Estimate returns the advertised run length in seconds.
func (d *TestDefinition) Estimate() int {
	if d.EstimatedSeconds > 0 {
		return d.EstimatedSeconds
	}
	if d.TimeoutMs > 0 {
		return (d.TimeoutMs + 999) / 1000
	}
	return 10
}

// HasSteps reports whether the definition runs in step-sequence mode.
func (d *TestDefinition) HasSteps() bool {
	return len(d.Steps) > 0
}

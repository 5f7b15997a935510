package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTestNotFound is returned for an unknown test ID.
	ErrTestNotFound = errors.New("test not found")
	// ErrRunNotFound is returned for a run ID that is neither active nor
	// present in history.
	ErrRunNotFound = errors.New("test run not found")
	// ErrRunNotActive is returned when stopping a run that is not in the
	// active set.
	ErrRunNotActive = errors.New("test run not active")
	// ErrDeviceUnavailable is returned when the command channel reports the
	// device unreachable.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrCommandTimeout is returned when a command channel call does not
	// complete within its timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// ValidationError carries the per-parameter messages produced by catalog
// validation. It is the caller's fault, mapped to a 4xx at the API edge.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Problems, "; ")
}

// StepError marks a step-sequence run that failed at a specific step. It is
// a business failure, not a system error: the run terminates as failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

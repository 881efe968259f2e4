// internal/random/errors.go
package random

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when an integer range is empty (min >= max).
	ErrInvalidRange = errors.New("invalid range")
	// ErrInvalidProbability is returned for probabilities outside [0, 1].
	ErrInvalidProbability = errors.New("invalid probability")
	// ErrInvalidLength is returned when a token length is not positive.
	ErrInvalidLength = errors.New("invalid length")
	// ErrEntropyRejected is returned when a source keeps producing values
	// that rejection sampling cannot accept.
	ErrEntropyRejected = errors.New("entropy source rejected")
)

// RangeError reports an empty [Min, Max) range.
type RangeError struct {
	Op  string
	Min int64
	Max int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: min (%d) must be less than max (%d)", e.Op, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// ProbabilityError reports a probability outside [0, 1].
type ProbabilityError struct {
	Op    string
	Value float64
}

func (e *ProbabilityError) Error() string {
	return fmt.Sprintf("%s: probability (%v) must be in range [0, 1]", e.Op, e.Value)
}

func (e *ProbabilityError) Unwrap() error { return ErrInvalidProbability }

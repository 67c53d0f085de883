package domain

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when the target id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput marks validation failures. *ValidationError matches it via errors.Is.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned for a status change the experiment state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVersionConflict is returned by a store when an appended version is not the next in sequence.
	ErrVersionConflict = errors.New("rule version conflict")
)

// ValidationError carries every problem found in an input.
type ValidationError struct {
	Errors []string `json:"errors"`
}

// NewValidationError builds a ValidationError from messages.
func NewValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrInvalidInput.Error()
	}
	return ErrInvalidInput.Error() + ": " + strings.Join(e.Errors, "; ")
}

// Is lets errors.Is(err, ErrInvalidInput) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Result converts the error into the structured validation result.
func (e *ValidationError) Result() ValidationResult {
	return ValidationResult{Valid: false, Errors: append([]string(nil), e.Errors...)}
}

// IsNotFound reports whether err is a not-found outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

package task

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	ErrNotFound               = errors.New("task not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrAlreadyProcessing      = errors.New("already processing")
	ErrNotCompleted           = errors.New("task not completed")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrValidation             = errors.New("validation failed")
	ErrUnreadablePDF          = errors.New("unreadable pdf")
	ErrPageRecognition        = errors.New("page recognition failed")
	ErrRecognizerUnavailable  = errors.New("recognizer unavailable")
	ErrEnhancementChunk       = errors.New("enhancement chunk failed")
	ErrEnhancementUnavailable = errors.New("enhancement unavailable")
)

// TransitionError explains a rejected compare-and-set.
type TransitionError struct {
	ID   string
	Want Status
	Got  Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s -> %s (current %s)", e.ID, e.Want, e.To, e.Got)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError describes bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a field validation error.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

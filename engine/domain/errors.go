package domain

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the ingestion and answering pipelines.
var (
	ErrNormalization        = errors.New("normalization failed")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrStoreUnavailable     = errors.New("vector store unavailable")
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
)

// Sentinel errors for request validation failures.
var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrQueryTooShort = errors.New("query too short")
	ErrOutOfRange    = errors.New("value out of range")
)

// PipelineError tags a collaborator failure with its kind and the operation
// that was running. errors.Is matches both the kind and the cause.
type PipelineError struct {
	Op   string
	Kind error
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap returns a PipelineError for op, or nil when err is nil.
// An error that already carries kind is returned unchanged.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &PipelineError{Op: op, Kind: kind, Err: err}
}

// NormalizationError reports a raw record that could not be normalized.
type NormalizationError struct {
	Index  int // position in the batch, -1 when not part of one
	Field  string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize: record %d: %s: %s", e.Index, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNormalization}
	}
	return []error{ErrNormalization, e.Err}
}

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

package prescription

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. All are recoverable: the caller corrects
// the draft or reloads the prescription and tries again.
var (
	ErrIncompleteDraft        = errors.New("incomplete draft")
	ErrOutOfRange             = errors.New("value out of range")
	ErrExceedsPrescribed      = errors.New("quantity exceeds prescribed amount")
	ErrNotEditable            = errors.New("line source does not allow edits")
	ErrInvalidState           = errors.New("invalid prescription state")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrLineMismatch           = errors.New("line does not match draft")
	ErrTotalMismatch          = errors.New("total does not reconcile with lines")
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("prescription not found")
)

// LineError attributes a failure to one line (and optionally one field).
type LineError struct {
	LineID string
	Field  string
	Err    error
}

func (e *LineError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %s: %s: %v", e.LineID, e.Field, e.Err)
	}
	return fmt.Sprintf("line %s: %v", e.LineID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

func lineErr(lineID, field string, err error) error {
	return &LineError{LineID: lineID, Field: field, Err: err}
}

// Kind returns a stable machine-readable name for the error kind of err,
// or "internal" when err carries none of the domain kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncompleteDraft):
		return "incomplete_draft"
	case errors.Is(err, ErrExceedsPrescribed):
		return "exceeds_prescribed"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrNotEditable):
		return "not_editable"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrLineMismatch):
		return "line_mismatch"
	case errors.Is(err, ErrTotalMismatch):
		return "total_mismatch"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

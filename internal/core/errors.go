package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is; the structured
// carriers below add detail and match their kind.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrIO                  = errors.New("i/o failure")
	ErrClosedSink          = errors.New("sink is closed")
	ErrRowEvaluation       = errors.New("row evaluation failed")
	ErrChunkOutOfOrder     = errors.New("chunk index out of order")
	ErrTooManyJobs         = errors.New("too many concurrent jobs, please try again later")
)

// ValidationError reports a rejected request before any stream work began.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IOError reports a disk failure in the middle of a stream. BytesWritten is
// the count that actually landed before the failure.
type IOError struct {
	Op           string
	Path         string
	BytesWritten int64
	Err          error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v (%d bytes written)", e.Op, e.Path, e.Err, e.BytesWritten)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// RangeError reports a byte range outside the file. Total is the file size to
// advertise in the response.
type RangeError struct {
	Total int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable (size %d)", e.Total)
}

func (e *RangeError) Is(target error) bool { return target == ErrRangeNotSatisfiable }

// RowEvalError reports a rule expression that failed against one row.
type RowEvalError struct {
	Line int
	Rule string
	Expr string
	Err  error
}

func (e *RowEvalError) Error() string {
	return fmt.Sprintf("row %d: %s %q: %v", e.Line, e.Rule, e.Expr, e.Err)
}

func (e *RowEvalError) Unwrap() error { return e.Err }

func (e *RowEvalError) Is(target error) bool { return target == ErrRowEvaluation }

// notFound wraps ErrNotFound with the missing subject.
func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

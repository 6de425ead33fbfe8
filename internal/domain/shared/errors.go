package shared

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPagination is returned when skip or take are negative.
var ErrInvalidPagination = errors.New("invalid pagination")

// Error decorates a domain sentinel with the operation, job and offending field
// that produced it. errors.Is and errors.As see through it to the sentinel.
type Error struct {
	Op    string
	JobID string
	Field string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.JobID != "" {
		fmt.Fprintf(&b, ": job [%s]", e.JobID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field [%s]", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped sentinel.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the operation and job it belongs to.
func NewError(op, jobID string, err error) error {
	return &Error{Op: op, JobID: jobID, Err: err}
}

// NewFieldError wraps err with the operation, job and the field that failed.
func NewFieldError(op, jobID, field string, err error) error {
	return &Error{Op: op, JobID: jobID, Field: field, Err: err}
}

// FieldOf returns the offending field recorded on err, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Wrap attaches op and jobID to err unless it already carries them.
func Wrap(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(op, jobID, err)
}

// Package errs provides types and support related to web error functionality.
package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int {
	return ec.value
}

// String returns the string representation of the error code.
func (ec ErrCode) String() string {
	return codeNames[ec]
}

// MarshalText implements the encoding.TextMarshaler interface.
func (ec ErrCode) MarshalText() ([]byte, error) {
	return []byte(ec.String()), nil
}

// Error represents an error in the system.
type Error struct {
	Code     ErrCode `json:"code"`
	Message  string  `json:"message"`
	Field    string  `json:"field,omitempty"`
	FuncName string  `json:"-"`
	FileName string  `json:"-"`
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  err.Error(),
		Field:    shared.FieldOf(err),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Newf constructs an error based on a error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, v...),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Encode implements the encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web package httpStatus interface so the
// web framework can use the correct http status.
func (e *Error) HTTPStatus() int {
	return httpStatus[e.Code]
}

// Equal provides support for the go-cmp package and testing.
func (e *Error) Equal(e2 *Error) bool {
	return e.Code == e2.Code && e.Message == e2.Message
}

// IsError tests the concrete error is of the Error type.
func IsError(err error) bool {
	var er *Error
	return errors.As(err, &er)
}

// GetError returns a copy of the Error.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}

// codeFor maps a domain sentinel to the code the client sees.
var codeFor = []struct {
	target error
	code   ErrCode
}{
	{job.ErrJobNotFound, NotFound},
	{results.ErrNoSuchSnapshot, NotFound},
	{results.ErrNotFound, NotFound},
	{job.ErrJobAlreadyExists, AlreadyExists},
	{results.ErrDescriptionAlreadyUsed, AlreadyExists},
	{job.ErrInvalidConfiguration, InvalidArgument},
	{shared.ErrInvalidPagination, InvalidArgument},
	{results.ErrInvalidRevertParams, InvalidArgument},
	{results.ErrUnknownDocType, InvalidArgument},
	{process.ErrHighProportionOfBadTimestamps, InvalidArgument},
	{process.ErrOutOfOrderRecords, InvalidArgument},
	{job.ErrJobNotClosed, FailedPrecondition},
	{job.ErrJobStatus, FailedPrecondition},
	{job.ErrInvalidStatusTransition, FailedPrecondition},
	{process.ErrProcessNotRunning, FailedPrecondition},
	{job.ErrConcurrentAccess, Aborted},
	{job.ErrVersionConflict, Aborted},
	{process.ErrProcessUnresponsive, Unavailable},
	{process.ErrProcessCrashed, Internal},
	{context.DeadlineExceeded, DeadlineExceeded},
	{context.Canceled, Canceled},
}

// FromDomain converts an application error into an Error carrying the code
// its sentinel maps to. Unknown errors are internal.
func FromDomain(err error) *Error {
	if e := GetError(err); e != nil {
		return e
	}

	code := Internal
	for _, c := range codeFor {
		if errors.Is(err, c.target) {
			code = c.code
			break
		}
	}

	pc, filename, line, _ := runtime.Caller(1)
	return &Error{
		Code:     code,
		Message:  err.Error(),
		Field:    shared.FieldOf(err),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// =============================================================================

// FieldError is used to indicate an error with a specific request field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// NewFieldErrors creates a field errors.
func NewFieldErrors(field string, err error) *Error {
	fe := FieldErrors{
		{
			Field: field,
			Err:   err.Error(),
		},
	}

	return fe.ToError()
}

// Add adds a field error to the collection.
func (fe *FieldErrors) Add(field string, err error) {
	*fe = append(*fe, FieldError{
		Field: field,
		Err:   err.Error(),
	})
}

// ToError converts the field errors to an Error.
func (fe FieldErrors) ToError() *Error {
	e := New(InvalidArgument, fe)
	if len(fe) > 0 {
		e.Field = fe[0].Field
	}
	return e
}

// Error implements the error interface.
func (fe FieldErrors) Error() string {
	d, err := json.Marshal(fe)
	if err != nil {
		return err.Error()
	}
	return string(d)
}

// Fields returns the fields that failed validation.
func (fe FieldErrors) Fields() map[string]string {
	m := make(map[string]string, len(fe))
	for _, fld := range fe {
		m[fld.Field] = fld.Err
	}
	return m
}

// =============================================================================

// httpStatus maps each code to its HTTP status.
var httpStatus = map[ErrCode]int{
	OK:                 http.StatusOK,
	NoContent:          http.StatusNoContent,
	Canceled:           http.StatusGatewayTimeout,
	Unknown:            http.StatusInternalServerError,
	InvalidArgument:    http.StatusBadRequest,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	PermissionDenied:   http.StatusForbidden,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusConflict,
	Aborted:            http.StatusConflict,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
}

var codeNames = map[ErrCode]string{
	OK:                 "ok",
	NoContent:          "no_content",
	Canceled:           "canceled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid_argument",
	DeadlineExceeded:   "deadline_exceeded",
	NotFound:           "not_found",
	AlreadyExists:      "already_exists",
	PermissionDenied:   "permission_denied",
	ResourceExhausted:  "resource_exhausted",
	FailedPrecondition: "failed_precondition",
	Aborted:            "aborted",
	Internal:           "internal",
	Unavailable:        "unavailable",
}

// The set of error codes.
var (
	OK                 = ErrCode{value: 0}
	NoContent          = ErrCode{value: 1}
	Canceled           = ErrCode{value: 2}
	Unknown            = ErrCode{value: 3}
	InvalidArgument    = ErrCode{value: 4}
	DeadlineExceeded   = ErrCode{value: 5}
	NotFound           = ErrCode{value: 6}
	AlreadyExists      = ErrCode{value: 7}
	PermissionDenied   = ErrCode{value: 8}
	ResourceExhausted  = ErrCode{value: 9}
	FailedPrecondition = ErrCode{value: 10}
	Aborted            = ErrCode{value: 11}
	Internal           = ErrCode{value: 12}
	Unavailable        = ErrCode{value: 13}
)

package apierror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rancher/norman/httperror"
)

// Error is returned to API clients. Validation errors carry a 4xx code and are always caused by the
// request; internal errors carry a 5xx code and hide Cause from the response.
type Error struct {
	Code    httperror.ErrorCode
	Field   string
	Message string
	Data    map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status is the HTTP status code for the error.
func (e *Error) Status() int {
	return e.Code.Status
}

// WithData attaches structured context, such as the list of allowed values, to the error.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	e.Data[key] = value
	return e
}

func NewValidation(field, message string) *Error {
	return &Error{
		Code:    httperror.InvalidFormat,
		Field:   field,
		Message: message,
	}
}

func NewValidationf(field, format string, args ...interface{}) *Error {
	return NewValidation(field, fmt.Sprintf(format, args...))
}

// conflict keeps norman's NotUnique code but answers 409 like the Kubernetes API does.
var conflict = func() httperror.ErrorCode {
	code := httperror.NotUnique
	code.Status = http.StatusConflict
	return code
}()

// NewConflict is a validation error for objects that already exist.
func NewConflict(message string) *Error {
	return &Error{
		Code:    conflict,
		Message: message,
	}
}

func NewNotFound(message string) *Error {
	return &Error{
		Code:    httperror.NotFound,
		Message: message,
	}
}

func NewInternal(message string, cause error) *Error {
	return &Error{
		Code:    httperror.ServerError,
		Message: message,
		Cause:   cause,
	}
}

func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code.Status < 500
}

func IsInternal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code.Status >= 500
}

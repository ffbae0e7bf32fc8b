// Package kerrors defines the error taxonomy shared by the registries,
// the transition engine and the API layer.
package kerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Field error codes used inside InvalidParamsError.Errors.
const (
	CodeMissing   = "MissingParameter"
	CodeInvalid   = "InvalidParameter"
	CodeDuplicate = "Duplicate"
	CodeUnknown   = "UnknownParameters"
)

// FieldError describes one offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvalidParamsError is returned for malformed input fields and for
// semantic precondition failures (e.g. no active recovery
// configuration exists). It maps to a 422 response.
type InvalidParamsError struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

func (e *InvalidParamsError) Error() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// NewInvalidParams builds an InvalidParamsError from field errors.
func NewInvalidParams(msg string, errs ...FieldError) *InvalidParamsError {
	return &InvalidParamsError{Message: msg, Errors: errs}
}

// MissingParam describes an absent required field.
func MissingParam(field, msg string) FieldError {
	if msg == "" {
		msg = "Missing parameter"
	}
	return FieldError{Field: field, Code: CodeMissing, Message: msg}
}

// InvalidParam describes a malformed field value.
func InvalidParam(field, msg string) FieldError {
	if msg == "" {
		msg = "Invalid parameter"
	}
	return FieldError{Field: field, Code: CodeInvalid, Message: msg}
}

// DuplicateParam describes a field value that already exists.
func DuplicateParam(field, msg string) FieldError {
	if msg == "" {
		msg = "Already exists"
	}
	return FieldError{Field: field, Code: CodeDuplicate, Message: msg}
}

// IsInvalidParams reports whether err is (or wraps) an
// InvalidParamsError.
func IsInvalidParams(err error) bool {
	var ipe *InvalidParamsError
	return errors.As(err, &ipe)
}

// InternalError wraps an unexpected storage or backend failure. The
// cause is logged server-side; clients only ever see the opaque
// message.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return "Internal error" }
func (e *InternalError) Unwrap() error { return e.Cause }

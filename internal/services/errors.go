package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes exposed to API clients.
const (
	CodeValidation       = "validation"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
	CodeGateway          = "gateway"
	CodeInvalidSignature = "invalid_signature"
	CodePersistence      = "persistence"
)

// EscrowError is the typed failure returned by EscrowService. LocalStatus and
// GatewayStatus are filled when the failure depends on them.
type EscrowError struct {
	Code          string
	Message       string
	LocalStatus   string
	GatewayStatus string
	Err           error
}

func (e *EscrowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EscrowError) Unwrap() error { return e.Err }

// HTTPStatus maps the error code to a response status.
func (e *EscrowError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidState, CodeInvalidSignature:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newValidationError(format string, args ...any) *EscrowError {
	return &EscrowError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func newForbiddenError(msg string) *EscrowError {
	return &EscrowError{Code: CodeForbidden, Message: msg}
}

func newNotFoundError(msg string) *EscrowError {
	return &EscrowError{Code: CodeNotFound, Message: msg}
}

func newInvalidStateError(msg, localStatus, gatewayStatus string) *EscrowError {
	return &EscrowError{Code: CodeInvalidState, Message: msg, LocalStatus: localStatus, GatewayStatus: gatewayStatus}
}

func newGatewayError(msg string, err error) *EscrowError {
	return &EscrowError{Code: CodeGateway, Message: msg, Err: err}
}

func newPersistenceError(msg string, err error) *EscrowError {
	return &EscrowError{Code: CodePersistence, Message: msg, Err: err}
}

// ErrorCode returns the EscrowError code carried by err, or "" when err is
// not an EscrowError.
func ErrorCode(err error) string {
	var ee *EscrowError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err is an EscrowError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

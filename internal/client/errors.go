package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrAuthFailure reports that the credential could not be recovered and the
// user was logged out
var ErrAuthFailure = errors.New("session expired")

// NetworkError is a transport-level failure: no response was received
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response that is not an authorization failure
type HTTPError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// AuthError is returned once refresh-and-retry is exhausted. It matches
// ErrAuthFailure with errors.Is.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return ErrAuthFailure.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthFailure.Error(), e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailure
}

// ValidationError is a local precondition failure. It is never sent to the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IsNetworkError checks if err is a transport failure
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthFailure checks if err ended in a forced logout
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

// IsHTTPStatus checks if err is an HTTPError with the given status
func IsHTTPStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == status
}

// IsNotFound checks if err is a 404 response
func IsNotFound(err error) bool {
	return IsHTTPStatus(err, http.StatusNotFound)
}

// IsValidationError checks if err is a local validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// fromValidator converts validator errors into a ValidationError naming the
// first offending field
func fromValidator(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}

	fe := verrs[0]
	field := fe.Field()

	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "gt":
		reason = "must be greater than " + fe.Param()
	case "gte", "min":
		reason = "must be at least " + fe.Param()
	case "lte", "max":
		reason = "must be at most " + fe.Param()
	case "email":
		reason = "must be a valid email address"
	default:
		reason = "failed " + fe.Tag() + " check"
	}

	return &ValidationError{Field: field, Reason: reason}
}

package service

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

func validationFailed(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, "VALIDATION_FAILED", msg, false, nil)
}

// permissionDenied is deliberately identical for every denial: the message
// never leaks which rule failed or whether the target exists.
func permissionDenied(cause error) *AppError {
	return NewAppError(http.StatusForbidden, "PERMISSION_DENIED", "permission denied", false, cause)
}

// wrongCredentials covers both login failures and key-password failures with
// one indistinguishable message.
func wrongCredentials(cause error) *AppError {
	return NewAppError(http.StatusUnauthorized, "WRONG_PASSWORD", "invalid credentials", false, cause)
}

func notFound(what string) *AppError {
	return NewAppError(http.StatusNotFound, "NOT_FOUND", what+" not found", false, nil)
}

func wrongStatus(msg string) *AppError {
	return NewAppError(http.StatusConflict, "WRONG_STATUS", msg, false, nil)
}

func duplicate(code, msg string) *AppError {
	return NewAppError(http.StatusConflict, code, msg, false, nil)
}

func signatureInvalid() *AppError {
	return NewAppError(http.StatusBadRequest, "SIGNATURE_INVALID", "ballot signature rejected", false, nil)
}

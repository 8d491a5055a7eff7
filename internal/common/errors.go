package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation failed")
	ErrUnavailable  = errors.New("dependency unavailable")
	ErrConflict     = errors.New("conflict")
)

// Pipeline error codes.
const (
	CodeClassification = "CLASSIFICATION"
	CodeConversion     = "CONVERSION"
	CodeBackend        = "BACKEND"
	CodeExtraction     = "EXTRACTION"
	CodePersistence    = "PERSISTENCE"
	CodeConfig         = "CONFIG_ERROR"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func ClassificationError(message string) *AppError {
	return NewAppError(CodeClassification, message, ErrInvalidInput)
}

func ConversionError(message string, cause error) *AppError {
	return NewAppError(CodeConversion, message, cause)
}

func BackendError(source, message string, cause error) *AppError {
	return NewAppError(CodeBackend, source+": "+message, cause)
}

func ExtractionError(message string, cause error) *AppError {
	return NewAppError(CodeExtraction, message, cause)
}

func PersistenceError(message string, cause error) *AppError {
	return NewAppError(CodePersistence, message, cause)
}

// CodeOf returns the code of the outermost AppError in the chain, or "".
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsFatal reports whether err must stop the document's pipeline.
// Backend and extraction errors are isolated; anything unclassified is fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeBackend, CodeExtraction:
		return false
	}
	return true
}

// IsGone reports a persistence failure caused by the document row no longer existing.
func IsGone(err error) bool {
	return CodeOf(err) == CodePersistence && errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

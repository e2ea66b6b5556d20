// Package errors provides standardized error handling for the sharedrop service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the sharedrop service.
type ErrorCode string

const (
	// Validation errors
	SD_VALIDATION  ErrorCode = "SD_VALIDATION"  // General validation error
	SD_BAD_REQUEST ErrorCode = "SD_BAD_REQUEST" // Bad request
	SD_MEDIA_TYPE  ErrorCode = "SD_MEDIA_TYPE"  // MIME type not allowed
	SD_MEDIA_SIZE  ErrorCode = "SD_MEDIA_SIZE"  // Declared size exceeds the ceiling

	// Authorization errors
	SD_FORBIDDEN     ErrorCode = "SD_FORBIDDEN"     // Access to the resource is denied
	SD_GRANT_INVALID ErrorCode = "SD_GRANT_INVALID" // Download grant token invalid or expired

	// Resource errors
	SD_NOT_FOUND         ErrorCode = "SD_NOT_FOUND"         // Resource not found
	SD_CONFLICT          ErrorCode = "SD_CONFLICT"          // Resource conflict or illegal state transition
	SD_UPLOAD_INCOMPLETE ErrorCode = "SD_UPLOAD_INCOMPLETE" // Finalization requested before the object exists

	// Rate limiting
	SD_RATE_LIMIT ErrorCode = "SD_RATE_LIMIT" // Per-IP download rate limit exceeded

	// Ledger errors
	SD_BELOW_THRESHOLD ErrorCode = "SD_BELOW_THRESHOLD" // Available balance below the payout minimum

	// Server errors
	SD_UPSTREAM    ErrorCode = "SD_UPSTREAM"    // Object store or remote fetch failure
	SD_INTERNAL    ErrorCode = "SD_INTERNAL"    // Internal server error
	SD_UNAVAILABLE ErrorCode = "SD_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SD_VALIDATION, SD_BAD_REQUEST, SD_MEDIA_TYPE, SD_MEDIA_SIZE, SD_BELOW_THRESHOLD:
		return http.StatusBadRequest
	case SD_FORBIDDEN:
		return http.StatusForbidden
	case SD_GRANT_INVALID:
		return http.StatusUnauthorized
	case SD_NOT_FOUND:
		return http.StatusNotFound
	case SD_CONFLICT, SD_UPLOAD_INCOMPLETE:
		return http.StatusConflict
	case SD_RATE_LIMIT:
		return http.StatusTooManyRequests
	case SD_UPSTREAM:
		return http.StatusBadGateway
	case SD_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

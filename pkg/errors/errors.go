package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeConnection           ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication       ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeRequestTimeout       ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeMediaAcquisition     ErrorCode = "MEDIA_ACQUISITION_ERROR"
	ErrCodeTransportNegotiation ErrorCode = "TRANSPORT_NEGOTIATION_ERROR"
	ErrCodeAuctionRule          ErrorCode = "AUCTION_RULE_VIOLATION"
	ErrCodeRemote               ErrorCode = "REMOTE_ERROR"
	ErrCodeInvalidState         ErrorCode = "INVALID_STATE"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so sentinel values
// can be compared with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// NewConnectionError reports a transient control-channel failure.
func NewConnectionError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeConnection, message, http.StatusServiceUnavailable)
}

// NewAuthenticationError reports a rejected authenticate call.
func NewAuthenticationError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeAuthentication, message, http.StatusUnauthorized)
}

// NewRequestTimeoutError reports a correlated request that saw no response in time.
func NewRequestTimeoutError(event string) *AppError {
	return NewAppError(ErrCodeRequestTimeout, fmt.Sprintf("request %s timed out", event), http.StatusGatewayTimeout).
		WithContext("event", event)
}

// NewMediaAcquisitionError reports a local capture failure.
func NewMediaAcquisitionError(reason string, cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAcquisition, reason, http.StatusFailedDependency)
}

// NewTransportNegotiationError reports a failed SFU negotiation step.
func NewTransportNegotiationError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransportNegotiation, message, http.StatusBadGateway)
}

// NewAuctionRuleViolation reports a business-rule rejection with a human readable reason.
func NewAuctionRuleViolation(reason string) *AppError {
	return NewAppError(ErrCodeAuctionRule, reason, http.StatusConflict)
}

// NewRemoteError wraps a failure response returned by the signaling server.
func NewRemoteError(event, message string) *AppError {
	return NewAppError(ErrCodeRemote, message, http.StatusBadGateway).WithContext("event", event)
}

// NewInvalidStateError reports an operation started in a state that does not allow it.
func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

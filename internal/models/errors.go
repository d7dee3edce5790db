package models

import (
	"fmt"
	"net/http"
)

// ErrorCode is the closed set of API error codes.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeNoMatch             ErrorCode = "NO_MATCH"
	CodeUpstreamStreamError ErrorCode = "UPSTREAM_STREAM_ERROR"
	CodeUpstream403         ErrorCode = "UPSTREAM_403"
	CodeUpstream404         ErrorCode = "UPSTREAM_404"
	CodeUpstreamRateLimit   ErrorCode = "UPSTREAM_RATE_LIMIT"
	CodeInvalidUploadType   ErrorCode = "INVALID_UPLOAD_TYPE"
	CodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedURL      ErrorCode = "UNSUPPORTED_URL"
	CodeTokenRefreshFailed  ErrorCode = "TOKEN_REFRESH_FAILED"
	CodeTokenBackoff        ErrorCode = "TOKEN_BACKOFF"
	CodeNoTokenAvailable    ErrorCode = "NO_TOKEN_AVAILABLE"
	CodeProxyRequired       ErrorCode = "PROXY_REQUIRED"
	CodeProxyAuthFailed     ErrorCode = "PROXY_AUTH_FAILED"
	CodeProxyConnectFailed  ErrorCode = "PROXY_CONNECT_FAILED"
)

// AppError is the error shape surfaced by every API response:
// {ok:false, code, message, request_id, details}.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError builds an AppError with an explicit HTTP status.
func NewAppError(code ErrorCode, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// WithDetails attaches a details map and returns the error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithErr attaches a wrapped cause and returns the error.
func (e *AppError) WithErr(err error) *AppError {
	e.Err = err
	return e
}

// defaultStatus maps codes to their conventional HTTP status. Upstream
// and proxy classifications all surface as 502.
func defaultStatus(code ErrorCode) int {
	switch code {
	case CodeBadRequest, CodeInvalidUploadType, CodeUnsupportedURL:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeNoMatch:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUpstreamStreamError, CodeUpstream403, CodeUpstream404,
		CodeUpstreamRateLimit, CodeTokenRefreshFailed, CodeTokenBackoff,
		CodeNoTokenAvailable, CodeProxyRequired, CodeProxyAuthFailed,
		CodeProxyConnectFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Errf builds an AppError with the code's default HTTP status.
func Errf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: defaultStatus(code),
	}
}

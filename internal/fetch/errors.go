package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable failure class.
type Code string

// Failure codes surfaced by the gateway.
const (
	CodeInvalidURL             Code = "INVALID_URL"
	CodeInvalidProtocol        Code = "INVALID_PROTOCOL"
	CodeBlockedHost            Code = "BLOCKED_HOST"
	CodeHostNotAllowed         Code = "HOST_NOT_ALLOWED"
	CodeRobotsDenied           Code = "ROBOTS_DENIED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeHTTPError              Code = "HTTP_ERROR"
	CodeUnsupportedContentType Code = "UNSUPPORTED_CONTENT_TYPE"
	CodeContentTooLarge        Code = "CONTENT_TOO_LARGE"
	CodeTimeout                Code = "TIMEOUT"
	CodeNetworkError           Code = "NETWORK_ERROR"
	CodeUnknown                Code = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrInvalidURL             = &Error{Code: CodeInvalidURL}
	ErrInvalidProtocol        = &Error{Code: CodeInvalidProtocol}
	ErrBlockedHost            = &Error{Code: CodeBlockedHost}
	ErrHostNotAllowed         = &Error{Code: CodeHostNotAllowed}
	ErrRobotsDenied           = &Error{Code: CodeRobotsDenied}
	ErrRateLimited            = &Error{Code: CodeRateLimited}
	ErrHTTPError              = &Error{Code: CodeHTTPError}
	ErrUnsupportedContentType = &Error{Code: CodeUnsupportedContentType}
	ErrContentTooLarge        = &Error{Code: CodeContentTooLarge}
	ErrTimeout                = &Error{Code: CodeTimeout}
	ErrNetwork                = &Error{Code: CodeNetworkError}
	ErrUnknown                = &Error{Code: CodeUnknown}
)

// Error is the typed failure returned by Gateway.FetchURL.
type Error struct {
	Code    Code
	Status  int
	URL     string
	Message string
	// RetryAfter is set for CodeRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying transport error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the failure code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// HTTPStatus maps the error to the status a transport should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidURL, CodeInvalidProtocol:
		return http.StatusBadRequest
	case CodeBlockedHost, CodeHostNotAllowed, CodeRobotsDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	case CodeContentTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeHTTPError, CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, rawURL string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, URL: rawURL, Message: fmt.Sprintf(format, args...)}
}

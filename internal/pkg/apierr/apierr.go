package apierr

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
)

// Error carries an HTTP-equivalent status and a stable, client-visible code
// alongside the wrapped cause. Dispatch on Code, never on concrete types.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Stable codes surfaced on the wire protocol's error events.
const (
	CodeInvalidPayload     = "invalid_payload"
	CodeInsufficientTokens = "insufficient_tokens"
	CodeNotFound           = "not_found"
	CodeAccessDenied       = "access_denied"
	CodeUpstreamFailure    = "upstream_failure"
	CodeConfigError        = "config_error"
	CodeInternal           = "internal_error"
	CodeUnauthorized       = "unauthorized"
)

// FromError maps service-layer sentinels onto wire errors. Anything
// unrecognized becomes an opaque 500 so internals never leak to clients.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, apperrors.ErrInsufficientTokens):
		return New(http.StatusPaymentRequired, CodeInsufficientTokens, err)
	case errors.Is(err, apperrors.ErrInvalidArgument):
		return New(http.StatusBadRequest, CodeInvalidPayload, err)
	case errors.Is(err, apperrors.ErrNotFound):
		return New(http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, apperrors.ErrAccessDenied):
		return New(http.StatusForbidden, CodeAccessDenied, err)
	case errors.Is(err, apperrors.ErrUnauthorized):
		return New(http.StatusUnauthorized, CodeUnauthorized, err)
	default:
		return New(http.StatusInternalServerError, CodeInternal, err)
	}
}

package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientTokens is the expected business outcome of a debit
	// against an empty balance. It is not an exceptional fault and is never
	// retried.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrAccessDenied marks ownership violations on conversations.
	ErrAccessDenied = errors.New("access denied")
)

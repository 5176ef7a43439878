package sip

import "github.com/rtckit/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionExists        Error = "transaction already exists"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionNotMatched    Error = "transaction not matched"
	ErrTransactionManagerClosed Error = "transaction manager closed"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

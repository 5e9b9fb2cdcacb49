package dispatch

import "github.com/ghettovoice/sipdispatch/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument  = errorutil.ErrInvalidArgument
	ErrDispatcherClosed Error = "dispatcher closed"
)

// Delivery errors surfaced through entry callbacks.
const (
	// ErrHostUnreachable is returned when no hop can be resolved for the
	// destination URI, or the URI has no domain part.
	ErrHostUnreachable Error = "host unreachable"
	// ErrTimedOut is returned when the retransmit schedule elapsed without
	// a definite delivery.
	ErrTimedOut Error = "delivery timed out"
	// ErrNoProtocol is returned when the allowed protocols and the
	// protocols usable for the URI have an empty intersection.
	ErrNoProtocol Error = "no allowed protocol"
	// ErrDNSFail is returned when DNS resolution of the destination failed.
	ErrDNSFail Error = "dns resolution failed"
)

// Error represents a dispatch error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

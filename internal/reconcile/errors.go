package reconcile

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine and its collaborators.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(m.Err(), reconcile.ErrTimeout) {
//	    // the gateway never answered and the change was rolled back
//	}
var (
	// ErrUnauthorized is returned when a mutation is attempted without an
	// active session, or when the gateway rejects the session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a delete targets an ID that is not in the
	// view, or that the gateway does not know for this owner.
	ErrNotFound = errors.New("bookmark not found")

	// ErrProvisional is returned when a delete targets a record that is
	// still waiting for its server-assigned ID.
	ErrProvisional = errors.New("bookmark is not yet confirmed")

	// ErrConnection is returned when the change feed or the gateway cannot
	// be reached. The mirror resynchronizes after it.
	ErrConnection = errors.New("connection lost")

	// ErrTimeout is returned when a gateway call exceeds the mutation
	// timeout.
	ErrTimeout = errors.New("mutation timed out")

	// ErrClosed is returned by entry points after Close.
	ErrClosed = errors.New("engine closed")

	// ErrGateway matches every *GatewayError.
	ErrGateway = errors.New("gateway failure")
)

// GatewayError reports a failed create or delete. The optimistic change it
// belonged to has already been rolled back when this error is observed.
type GatewayError struct {
	Op  string // "create" or "delete"
	ID  string // placeholder ID for creates, target ID for deletes
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is reports true for ErrGateway so callers can match any gateway failure.
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

// IsRecoverable returns true if retrying the same mutation may succeed.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	// Timeouts and dropped connections are transient
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) {
		return true
	}

	return false
}

// NeedsResync returns true if the local view may have diverged from the
// authoritative collection and a fresh snapshot should be loaded.
func NeedsResync(err error) bool {
	if err == nil {
		return false
	}

	// Lost feed events cannot be replayed
	if errors.Is(err, ErrConnection) {
		return true
	}

	// A delete the server does not know about means our copy is stale
	var gerr *GatewayError
	if errors.As(err, &gerr) && gerr.Op == OpDelete && errors.Is(err, ErrNotFound) {
		return true
	}

	return false
}

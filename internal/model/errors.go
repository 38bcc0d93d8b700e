package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig           = errors.New("configuration error")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNodeNotFound     = errors.New("node not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrMaintenance      = errors.New("node is in maintenance mode")

	// Driver resolution.
	ErrDriverUnavailable      = errors.New("driver unavailable")
	ErrCapabilityNotSupported = errors.New("capability not supported")

	// Out-of-band transport. Transient, retried by the call executor.
	ErrTransport        = errors.New("transport error")
	ErrTransportTimeout = errors.New("transport timeout")

	// Out-of-band permanent failures. Never retried.
	ErrAuthFailed        = errors.New("authentication rejected")
	ErrBadResponse       = errors.New("malformed controller response")
	ErrUnsupportedMethod = errors.New("unsupported vendor method")
	ErrInvalidState      = errors.New("invalid state requested")

	// Node lock contention.
	ErrAlreadyLocked = errors.New("node is locked")
	ErrLockLost      = errors.New("node lock lost")
	ErrLockTimeout   = errors.New("node lock acquisition timed out")

	// Lifecycle.
	ErrInvalidTransition = errors.New("invalid provisioning state transition")
	ErrCancelled         = errors.New("task cancelled")
)

// IsTransient reports whether err is a failure worth retrying against
// the controller. Everything outside the transport taxonomy is treated
// as permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTransportTimeout)
}

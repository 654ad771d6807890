package thor

import "errors"

var (
	// ErrNotImplemented, ErrInvalidArgument and ErrClosed are defined for
	// callers; no function in this package returns them (Schedule clamps
	// a negative delay to zero, and thor/tcp and thor/http use their own
	// closed-state errors).
	ErrNotImplemented  = errors.New("thor: not implemented")
	ErrInvalidArgument = errors.New("thor: invalid argument")
	ErrClosed          = errors.New("thor: closed")
	// ErrAlreadyRegistered / ErrNotRegistered mirror the poller-level
	// sentinels: Loop.Register returns the first for an fd already
	// registered, Loop.UpdateInterests the second for an unknown fd.
	ErrAlreadyRegistered = errors.New("thor: fd already registered")
	ErrNotRegistered     = errors.New("thor: fd not registered")
	// ErrStopped is returned by Run when the loop was already stopped
	// before Run was ever called.
	ErrStopped = errors.New("thor: loop stopped")
)

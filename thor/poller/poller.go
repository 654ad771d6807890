// Package poller wraps the platform readiness-notification primitive
// (epoll, kqueue, or poll) behind one small interface. It owns no tick
// loop of its own: callers drive Poll in their own cycle so that timers
// and readiness dispatch can be interleaved by the caller (see thor.Loop).
package poller

import "net"

// FD is a raw file descriptor.
type FD = int

// Event reports one fd's readiness. Err is set when the fd hit an error
// or hangup condition; Readable/Writable are meaningless in that case.
type Event struct {
	Fd       FD
	Readable bool
	Writable bool
	Err      error
}

// Poller registers interest in fd readiness and reports it back through
// Poll. Implementations are not safe for concurrent use from more than
// one goroutine at a time, matching the single-threaded-per-loop model.
type Poller interface {
	// Register starts watching fd for the given interest set.
	Register(fd FD, readable, writable bool) error
	// Mod changes fd's interest set. Calling with both false removes all
	// interest but keeps fd registered; use Unregister to drop it.
	Mod(fd FD, readable, writable bool) error
	// Unregister stops watching fd entirely.
	Unregister(fd FD) error
	// Poll blocks for up to timeoutMillis milliseconds (0 returns
	// immediately, a negative value blocks indefinitely) for ready fds,
	// appending them to dst and returning the extended slice.
	Poll(dst []Event, timeoutMillis int) ([]Event, error)
	// Wake interrupts a blocked Poll call from another goroutine.
	Wake() error
	Close() error
}

// ListenerFactory creates listeners, optionally with SO_REUSEPORT so
// multiple pollers can each own an accept queue on the same address.
type ListenerFactory interface {
	Listen(network, address string, reusePort bool) (net.Listener, error)
}

// New opens the best available backend for the current platform.
func New() (Poller, error) {
	return newPlatform()
}

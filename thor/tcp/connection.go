// Package tcp implements non-blocking TCP connections, dialers and
// listeners on top of a thor.Loop: read-pause/resume for upward
// backpressure, and write-queue high/low-water-mark signaling for
// downward backpressure.
package tcp

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mnot/thor/internal/ring"
	"github.com/mnot/thor/thor"
)

// Sink receives bytes newly available on a Connection. It returns how
// many leading bytes of b it consumed; anything left over stays buffered
// and is represented again, with more data appended, on the next call.
// A Sink that always returns 0 stalls the connection until more bytes
// arrive (used by the HTTP parser while it waits for a complete
// start-line or header block).
type Sink func(c *Connection, b []byte) (consumed int)

// Connection is one non-blocking TCP socket registered with a thor.Loop.
// It is not safe for concurrent use by more than one goroutine except
// where noted (Write and Close may be called from any goroutine; the
// Sink/OnClosed/OnWritePause/OnWriteDrain callbacks run on the loop
// goroutine).
type Connection struct {
	ID uuid.UUID

	fd   int
	loop *thor.Loop
	cfg  Config

	OnData       Sink
	OnWritePause func(c *Connection)
	OnWriteDrain func(c *Connection)
	OnClosed     func(c *Connection, err error)

	mu          sync.Mutex
	rbuf        *ring.Buffer
	readPaused  bool
	wq          [][]byte
	wqBytes     int
	writePaused bool
	closing     bool
	closed      bool
	writable    bool // whether EPOLLOUT-equivalent interest is currently armed
}

func newConnection(fd int, loop *thor.Loop, cfg Config) *Connection {
	return &Connection{
		ID:         uuid.New(),
		fd:         fd,
		loop:       loop,
		cfg:        cfg,
		rbuf:       ring.New(cfg.ReadBufferSize),
		readPaused: true,
	}
}

// FD returns the raw file descriptor, for diagnostics or setsockopt
// tuning callers may want to do themselves.
func (c *Connection) FD() int { return c.fd }

// Pause stops delivering OnData until Resume is called. Mirrors the
// original implementation's TcpConnection.pause(True) toggling the
// 'readable' event interest off.
func (c *Connection) Pause() {
	c.mu.Lock()
	already := c.readPaused
	c.readPaused = true
	writable := c.writable
	c.mu.Unlock()
	if !already {
		_ = c.loop.UpdateInterests(c.fd, false, writable)
	}
}

// Resume re-arms OnData delivery, replaying any bytes already buffered
// before waiting on new readiness (an edge-triggered poller will not
// re-signal readability for data already drained into our buffer).
func (c *Connection) Resume() {
	c.mu.Lock()
	if !c.readPaused {
		c.mu.Unlock()
		return
	}
	c.readPaused = false
	writable := c.writable
	c.mu.Unlock()
	_ = c.loop.UpdateInterests(c.fd, true, writable)
	c.drainParse()
}

// Write enqueues p for sending. It never blocks; large or slow
// consumption downstream shows up as OnWritePause firing.
func (c *Connection) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	cp := append([]byte(nil), p...)
	wasEmpty := len(c.wq) == 0
	c.wq = append(c.wq, cp)
	c.wqBytes += len(cp)
	crossedHigh := !c.writePaused && c.wqBytes >= c.cfg.WriteHighWaterMark
	if crossedHigh {
		c.writePaused = true
	}
	c.mu.Unlock()

	if wasEmpty {
		c.flushWrite()
	} else {
		c.armWritable()
	}
	if crossedHigh && c.OnWritePause != nil {
		c.OnWritePause(c)
	}
	return nil
}

// Close tears the connection down. If writes are still queued, they are
// flushed first (mirroring the original implementation's _closing flag),
// then the fd is closed once the queue drains or a write fails.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if len(c.wq) > 0 {
		c.closing = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.teardown(nil)
	return nil
}

// OnReadable implements thor.Handler.
func (c *Connection) OnReadable(fd int) {
	c.mu.Lock()
	if c.closed || c.readPaused {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var tmp [16 << 10]byte
	for {
		n, err := unix.Read(fd, tmp[:])
		if n > 0 {
			c.mu.Lock()
			if c.rbuf.Free() < n && c.rbuf.Cap()+n > c.cfg.MaxReadBuffer {
				c.mu.Unlock()
				c.teardown(ErrBufferLimit)
				return
			}
			_, _ = c.rbuf.WriteGrow(tmp[:n])
			c.mu.Unlock()

			c.drainParse()

			c.mu.Lock()
			paused := c.readPaused
			closed := c.closed
			c.mu.Unlock()
			if paused || closed {
				return
			}
			continue
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.teardown(err)
			return
		}
		if n == 0 {
			c.teardown(nil)
			return
		}
	}
}

// drainParse feeds buffered bytes to OnData until it stops consuming.
func (c *Connection) drainParse() {
	if c.OnData == nil {
		return
	}
	for {
		c.mu.Lock()
		avail := c.rbuf.Peek(c.rbuf.Len())
		c.mu.Unlock()
		if len(avail) == 0 {
			return
		}
		consumed := c.OnData(c, avail)
		if consumed < 0 || consumed > len(avail) {
			consumed = 0
		}
		c.mu.Lock()
		c.rbuf.Discard(consumed)
		c.mu.Unlock()
		if consumed == 0 {
			return
		}
	}
}

// OnError implements thor.Handler: the poller reported the fd itself as
// broken (error/hangup), independent of any read/write attempt.
func (c *Connection) OnError(_ int, err error) {
	c.teardown(err)
}

// OnWritable implements thor.Handler.
func (c *Connection) OnWritable(int) {
	c.flushWrite()
}

func (c *Connection) flushWrite() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for len(c.wq) > 0 {
		b := c.wq[0]
		n, err := unix.Write(c.fd, b)
		if n > 0 {
			c.wqBytes -= n
			if n == len(b) {
				c.wq = c.wq[1:]
				continue
			}
			c.wq[0] = b[n:]
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.teardown(err)
		} else {
			c.teardown(err)
		}
		return
	}
	drainedBelowLow := c.writePaused && c.wqBytes <= c.cfg.WriteLowWaterMark
	if drainedBelowLow {
		c.writePaused = false
	}
	if len(c.wq) > 0 {
		// Partial drain: the kernel buffer is full again.
		c.mu.Unlock()
		c.armWritable()
		if drainedBelowLow && c.OnWriteDrain != nil {
			c.OnWriteDrain(c)
		}
		return
	}
	// Queue fully drained.
	shouldClose := c.closing
	c.writable = false
	c.mu.Unlock()

	_ = c.loop.UpdateInterests(c.fd, !c.readPausedSnapshot(), false)
	if drainedBelowLow && c.OnWriteDrain != nil {
		c.OnWriteDrain(c)
	}
	if shouldClose {
		c.teardown(nil)
	}
}

func (c *Connection) readPausedSnapshot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPaused
}

func (c *Connection) armWritable() {
	c.mu.Lock()
	if c.writable {
		c.mu.Unlock()
		return
	}
	c.writable = true
	readable := !c.readPaused
	c.mu.Unlock()
	_ = c.loop.UpdateInterests(c.fd, readable, true)
}

func (c *Connection) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.loop.Unregister(c.fd)
	unix.Close(c.fd)
	if c.OnClosed != nil {
		c.OnClosed(c, err)
	}
}

package tcp

import "github.com/mnot/thor/internal/netutil"

// Config governs buffering and backpressure thresholds shared by
// Connection, Client and Server. The defaults mirror the original
// implementation's TcpConnection (write_bufsize/read_bufsize) scaled to
// a byte-counted watermark since this core needs byte-granularity write
// backpressure signaling, not a fixed chunk count.
type Config struct {
	// ReadBufferSize is the initial capacity of a connection's read
	// accumulation buffer; it grows (internal/ring.Grow) as needed up to
	// MaxReadBuffer.
	ReadBufferSize int
	// MaxReadBuffer bounds how large the read accumulation buffer may
	// grow before the connection is torn down with ErrBufferLimit. A
	// streaming sink that consumes as it goes (the HTTP parser) keeps
	// this low in practice; it exists to bound an unresponsive or
	// malicious peer's memory footprint.
	MaxReadBuffer int
	// WriteHighWaterMark is the queued-but-unsent byte count at which
	// OnWritePause fires, signaling the caller to stop producing more
	// writes until OnWriteDrain fires.
	WriteHighWaterMark int
	// WriteLowWaterMark is the queued byte count the write queue must
	// fall to or below, after crossing the high water mark, before
	// OnWriteDrain fires.
	WriteLowWaterMark int
	// NoDelay disables Nagle's algorithm (TCP_NODELAY) on accepted and
	// dialed connections.
	NoDelay bool
	// RecvBufSize, if nonzero, sets SO_RCVBUF on accepted and dialed
	// connections instead of leaving the kernel's default in place.
	RecvBufSize int
	// SendBufSize, if nonzero, sets SO_SNDBUF on accepted and dialed
	// connections instead of leaving the kernel's default in place.
	SendBufSize int
}

// DefaultConfig matches the original implementation's 16KiB read chunk
// and a conservative write watermark pair.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:     16 << 10,
		MaxReadBuffer:      1 << 20,
		WriteHighWaterMark: 16 << 10,
		WriteLowWaterMark:  4 << 10,
		NoDelay:            true,
	}
}

// applySockOpts applies NoDelay/RecvBufSize/SendBufSize to fd, ignoring
// individual setsockopt failures (best-effort tuning, not a connection
// precondition).
func (cfg Config) applySockOpts(fd int) {
	if cfg.NoDelay {
		_ = netutil.SetNoDelay(fd, true)
	}
	if cfg.RecvBufSize > 0 {
		_ = netutil.SetRecvBuf(fd, cfg.RecvBufSize)
	}
	if cfg.SendBufSize > 0 {
		_ = netutil.SetSendBuf(fd, cfg.SendBufSize)
	}
}

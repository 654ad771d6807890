package tcp

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mnot/thor/thor"
)

// ServerConfig configures a Server's listener.
type ServerConfig struct {
	Network    string // "tcp", "tcp4" or "tcp6"
	Address    string // "host:port"
	ReusePort  bool
	Connection Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Network: "tcp", Connection: DefaultConfig()}
}

// Server accepts inbound connections on one listening socket, registered
// with a thor.Loop. Multiple Servers bound to the same address with
// ReusePort true (one per Loop) let a caller spread accepts across
// several loops the way the original TcpServer's caller would run one
// per worker thread.
type Server struct {
	cfg  ServerConfig
	loop *thor.Loop
	lfd  int

	// OnConnect is invoked (on the loop goroutine) for each accepted
	// connection, before it starts receiving OnData callbacks. The
	// handler wires up conn.OnData/OnClosed/OnWritePause/OnWriteDrain
	// here. This is the "emit 'connect'" seam from the original
	// implementation's TcpServer, reduced to a single required callback
	// since the full pub/sub surface is out of scope for this core.
	OnConnect func(conn *Connection)

	mu     sync.Mutex
	closed bool
}

// Listen opens the listening socket and registers it with loop. Accepts
// happen as the loop dispatches readability on the listener fd; call
// loop.Run to actually start accepting.
func Listen(loop *thor.Loop, cfg ServerConfig) (*Server, error) {
	lfd, err := openListener(cfg.Network, cfg.Address, cfg.ReusePort)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, loop: loop, lfd: lfd}
	if err := loop.Register(lfd, true, false, s); err != nil {
		unix.Close(lfd)
		return nil, err
	}
	return s, nil
}

// Server has no Addr method: the bound local address is not tracked, so
// callers that need the resolved port (e.g. ":0" ephemeral binds) should
// pass a concrete address, since this core does not depend on net.Listener.

// OnReadable implements thor.Handler: drains the accept queue.
func (s *Server) OnReadable(int) {
	for {
		fd, err := acceptOne(s.lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			return
		}
		s.cfg.Connection.applySockOpts(fd)
		conn := newConnection(fd, s.loop, s.cfg.Connection)
		if s.OnConnect != nil {
			// OnConnect may call conn.Pause() before the fd is registered
			// at all; honor whatever interest it left the connection in
			// rather than always arming readable.
			s.OnConnect(conn)
		}
		if err := s.loop.Register(fd, !conn.readPausedSnapshot(), false, conn); err != nil {
			unix.Close(fd)
			continue
		}
	}
}

// OnWritable implements thor.Handler; a listening socket never becomes
// writable in the sense this core cares about.
func (s *Server) OnWritable(int) {}

// OnError implements thor.Handler: the listener fd itself failed.
func (s *Server) OnError(_ int, _ error) {
	s.Shutdown()
}

// Shutdown stops accepting and closes the listening socket. Already
// accepted connections are unaffected.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.loop.Unregister(s.lfd)
	return unix.Close(s.lfd)
}

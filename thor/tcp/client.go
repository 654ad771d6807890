package tcp

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mnot/thor/internal/netutil"
	"github.com/mnot/thor/thor"
)

// ClientConfig configures an outbound Dial.
type ClientConfig struct {
	Connection     Config
	ConnectTimeout time.Duration // 0 disables the timeout
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{Connection: DefaultConfig(), ConnectTimeout: 10 * time.Second}
}

// Dial opens a non-blocking outbound TCP connection to address ("host:port")
// over network ("tcp", "tcp4" or "tcp6"). result is called at most once,
// with either a live Connection or the connect error (including
// ErrConnectTimeout if cfg.ConnectTimeout elapses first): from inside
// Dial when connect completes or fails immediately, otherwise later on
// the loop goroutine. When Dial itself returns an error, result is not
// called. Grounded on the original implementation's TcpClient.connect
// (connect_ex + EINPROGRESS, SO_ERROR checked once the fd goes writable).
func Dial(loop *thor.Loop, network, address string, cfg ClientConfig, result func(*Connection, error)) error {
	fam := unix.AF_INET
	if strings.HasSuffix(network, "6") {
		fam = unix.AF_INET6
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	var sa unix.Sockaddr
	if fam == unix.AF_INET6 {
		var sa6 unix.SockaddrInet6
		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP.To16())
		}
		sa6.Port = addr.Port
		sa = &sa6
	} else {
		var sa4 unix.SockaddrInet4
		if addr.IP != nil {
			copy(sa4.Addr[:], addr.IP.To4())
		}
		sa4.Port = addr.Port
		sa = &sa4
	}

	c := &connector{loop: loop, fd: fd, cfg: cfg, result: result}

	connErr := unix.Connect(fd, sa)
	if connErr == nil {
		// Connected synchronously (loopback frequently does).
		c.finish(nil)
		return nil
	}
	if connErr != unix.EINPROGRESS {
		unix.Close(fd)
		result(nil, connErr)
		return nil
	}

	if err := loop.Register(fd, false, true, c); err != nil {
		unix.Close(fd)
		return err
	}
	if cfg.ConnectTimeout > 0 {
		c.timeout = loop.Schedule(cfg.ConnectTimeout, func() {
			c.finish(ErrConnectTimeout)
		})
	}
	return nil
}

// connector drives the non-blocking connect handshake; it implements
// thor.Handler only until the connect resolves, then hands off to a
// freshly registered Connection.
type connector struct {
	loop    *thor.Loop
	fd      int
	cfg     ClientConfig
	result  func(*Connection, error)
	timeout *thor.Timeout

	once sync.Once
}

func (c *connector) OnWritable(int) {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.finish(err)
		return
	}
	if errno != 0 {
		c.finish(unix.Errno(errno))
		return
	}
	c.finish(nil)
}

func (c *connector) OnReadable(int) {}

func (c *connector) OnError(_ int, err error) {
	c.finish(err)
}

func (c *connector) finish(err error) {
	c.once.Do(func() {
		if c.timeout != nil {
			c.timeout.Cancel()
		}
		_ = c.loop.Unregister(c.fd)
		if err != nil {
			unix.Close(c.fd)
			c.result(nil, err)
			return
		}
		c.cfg.Connection.applySockOpts(c.fd)
		conn := newConnection(c.fd, c.loop, c.cfg.Connection)
		// conn starts read-paused; register with readable=false and let the
		// caller's result callback opt in via Resume() once it's ready.
		if regErr := c.loop.Register(c.fd, !conn.readPausedSnapshot(), false, conn); regErr != nil {
			unix.Close(c.fd)
			c.result(nil, regErr)
			return
		}
		c.result(conn, nil)
	})
}

//go:build linux || darwin

package tcp

import (
	"net"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mnot/thor/internal/netutil"
)

// openListener creates a non-blocking, optionally SO_REUSEPORT, bound and
// listening socket for network ("tcp", "tcp4" or "tcp6") and address
// ("host:port"). Grounded on the teacher's listener_unix.go, generalized
// off the Cipher type parameter (this package has none).
func openListener(network, address string, reusePort bool) (int, error) {
	fam := unix.AF_INET
	if strings.HasSuffix(network, "6") {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	_ = netutil.SetReuseAddr(fd, true)
	if reusePort {
		_ = netutil.SetReusePort(fd, true)
	}
	_ = netutil.SetNonblock(fd, true)

	var sa unix.Sockaddr
	if fam == unix.AF_INET6 {
		addr, err := net.ResolveTCPAddr("tcp6", address)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		var sa6 unix.SockaddrInet6
		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP.To16())
		}
		sa6.Port = addr.Port
		sa = &sa6
	} else {
		addr, err := net.ResolveTCPAddr("tcp4", address)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		var sa4 unix.SockaddrInet4
		if addr.IP != nil {
			copy(sa4.Addr[:], addr.IP.To4())
		}
		sa4.Port = addr.Port
		sa = &sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

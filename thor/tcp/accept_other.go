//go:build !linux

package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/mnot/thor/internal/netutil"
)

// acceptOne is the accept4-less fallback used on Darwin and the generic
// poll backend, grounded on the teacher's accept_darwin.go.
func acceptOne(lfd int) (int, error) {
	fd, _, err := unix.Accept(lfd)
	if err != nil {
		return -1, err
	}
	_ = netutil.SetNonblock(fd, true)
	return fd, nil
}

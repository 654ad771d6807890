//go:build linux

package tcp

import "golang.org/x/sys/unix"

func acceptOne(lfd int) (int, error) {
	nfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}

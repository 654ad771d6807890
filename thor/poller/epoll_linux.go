//go:build linux

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	wfd    int // eventfd used for Wake
	closed bool
	evbuf  []unix.EpollEvent
}

func newPlatform() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return &epollPoller{efd: efd, wfd: wfd, evbuf: make([]unix.EpollEvent, 256)}, nil
}

func (p *epollPoller) Register(fd FD, readable, writable bool) error {
	var flags uint32 = unix.EPOLLET
	if readable {
		flags |= unix.EPOLLIN
	}
	if writable {
		flags |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: flags, Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Mod(fd FD, readable, writable bool) error {
	var flags uint32 = unix.EPOLLET
	if readable {
		flags |= unix.EPOLLIN
	}
	if writable {
		flags |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: flags, Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	p.closed = true
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Poll(dst []Event, timeoutMillis int) ([]Event, error) {
	if p.closed {
		return dst, nil
	}
	n, err := unix.EpollWait(p.efd, p.evbuf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	var wfdSignaled bool
	for i := 0; i < n; i++ {
		ev := p.evbuf[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			wfdSignaled = true
			continue
		}
		if (ev.Events & (unix.EPOLLERR | unix.EPOLLHUP)) != 0 {
			dst = append(dst, Event{Fd: fd, Err: errors.New("poller: err|hup")})
			continue
		}
		dst = append(dst, Event{
			Fd:       fd,
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	if wfdSignaled {
		p.drainWake()
	}
	return dst, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wfd, buf[:])
		if err == unix.EAGAIN || err != nil {
			return
		}
	}
}

//go:build !linux && !darwin

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable fallback backend, grounded on the original
// PollLoop's select.poll() wrapper: a flat slice of pollfds rebuilt from
// the registered interest set on every Poll call.
type pollPoller struct {
	interest map[FD]*unix.PollFd
	order    []FD
	wfd      int
	rfd      int
	closed   bool
}

func newPlatform() (Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	rfd, wfd := fds[0], fds[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	return &pollPoller{
		interest: make(map[FD]*unix.PollFd),
		rfd:      rfd,
		wfd:      wfd,
	}, nil
}

func (p *pollPoller) Register(fd FD, readable, writable bool) error {
	if _, ok := p.interest[fd]; ok {
		return ErrAlreadyRegistered
	}
	pf := &unix.PollFd{Fd: int32(fd)}
	setEvents(pf, readable, writable)
	p.interest[fd] = pf
	p.order = append(p.order, fd)
	return nil
}

func (p *pollPoller) Mod(fd FD, readable, writable bool) error {
	pf, ok := p.interest[fd]
	if !ok {
		return ErrNotRegistered
	}
	setEvents(pf, readable, writable)
	return nil
}

func (p *pollPoller) Unregister(fd FD) error {
	if _, ok := p.interest[fd]; !ok {
		return ErrNotRegistered
	}
	delete(p.interest, fd)
	for i, f := range p.order {
		if f == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *pollPoller) Wake() error {
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *pollPoller) Close() error {
	p.closed = true
	unix.Close(p.rfd)
	return unix.Close(p.wfd)
}

func (p *pollPoller) Poll(dst []Event, timeoutMillis int) ([]Event, error) {
	if p.closed {
		return dst, nil
	}
	fds := make([]unix.PollFd, 0, len(p.order)+1)
	fds = append(fds, unix.PollFd{Fd: int32(p.rfd), Events: unix.POLLIN})
	for _, fd := range p.order {
		fds = append(fds, *p.interest[fd])
	}
	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	if n == 0 {
		return dst, nil
	}
	if fds[0].Revents != 0 {
		p.drainWake()
	}
	for i, fd := range p.order {
		re := fds[i+1].Revents
		if re == 0 {
			continue
		}
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			dst = append(dst, Event{Fd: fd, Err: errors.New("poller: err|hup")})
			continue
		}
		dst = append(dst, Event{
			Fd:       fd,
			Readable: re&unix.POLLIN != 0,
			Writable: re&unix.POLLOUT != 0,
		})
	}
	return dst, nil
}

func (p *pollPoller) drainWake() {
	var buf [16]byte
	for {
		_, err := unix.Read(p.rfd, buf[:])
		if err == unix.EAGAIN || err != nil {
			return
		}
	}
}

func setEvents(pf *unix.PollFd, readable, writable bool) {
	pf.Events = 0
	if readable {
		pf.Events |= unix.POLLIN
	}
	if writable {
		pf.Events |= unix.POLLOUT
	}
}

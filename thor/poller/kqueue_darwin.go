//go:build darwin

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wfd    int // write end of the wakeup pipe
	rfd    int // read end, registered with kqueue
	closed bool
	evbuf  []unix.Kevent_t
}

func newPlatform() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := fds[0], fds[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	kev := unix.Kevent_t{Ident: uint64(rfd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{kq: kq, wfd: wfd, rfd: rfd, evbuf: make([]unix.Kevent_t, 256)}, nil
}

func (p *kqueuePoller) Register(fd FD, readable, writable bool) error {
	var changes []unix.Kevent_t
	if readable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Mod(fd FD, readable, writable bool) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	if readable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	// EV_DELETE on a filter that was never added returns ENOENT; harmless,
	// kevent still applies the remaining valid changes in the batch.
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		err = nil
	}
	return err
}

func (p *kqueuePoller) Unregister(fd FD) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		err = nil
	}
	return err
}

func (p *kqueuePoller) Wake() error {
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	p.closed = true
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Poll(dst []Event, timeoutMillis int) ([]Event, error) {
	if p.closed {
		return dst, nil
	}
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.evbuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := p.evbuf[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			p.drainWake()
			continue
		}
		eof := ev.Flags&unix.EV_EOF != 0
		switch ev.Filter {
		case unix.EVFILT_READ:
			if eof {
				dst = append(dst, Event{Fd: fd, Err: errors.New("poller: eof")})
			} else {
				dst = append(dst, Event{Fd: fd, Readable: true})
			}
		case unix.EVFILT_WRITE:
			if eof {
				dst = append(dst, Event{Fd: fd, Err: errors.New("poller: eof")})
			} else {
				dst = append(dst, Event{Fd: fd, Writable: true})
			}
		default:
			if eof {
				dst = append(dst, Event{Fd: fd, Err: errors.New("poller: eof")})
			}
		}
	}
	return dst, nil
}

func (p *kqueuePoller) drainWake() {
	var buf [16]byte
	for {
		_, err := unix.Read(p.rfd, buf[:])
		if err == unix.EAGAIN || err != nil {
			return
		}
	}
}

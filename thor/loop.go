// Package thor implements the reactor-style event loop this module's TCP
// and HTTP layers run on: readiness notification over epoll/kqueue/poll
// (thor/poller) plus a heap of scheduled callbacks, driven through one
// tick cycle per iteration so timers and I/O readiness interleave
// deterministically.
package thor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnot/thor/thor/poller"
)

// Handler receives readiness notifications for a registered fd.
type Handler interface {
	OnReadable(fd int)
	OnWritable(fd int)
	// OnError is called once for a fd that hit an unrecoverable condition
	// (error or hangup); the fd is implicitly unregistered beforehand.
	OnError(fd int, err error)
}

// Config configures a Loop. The zero value is usable: Logger disabled,
// Precision defaulted by DefaultConfig.
type Config struct {
	// Precision bounds how stale the loop's cached clock (Time) may get
	// between refreshes; it also bounds the granularity of timer firing.
	// Mirrors the original implementation's 0.5s default tick precision.
	Precision time.Duration
	// Debug, when true, logs each Register call (fd and interest set) at
	// Debug level. Unregister, Schedule and dispatch are not logged.
	Debug bool
	Logger zerolog.Logger

	// Emitter, when set, receives a notification for each register,
	// unregister, schedule and dispatch-error this Loop performs — an
	// optional escape hatch for callers that want the original
	// implementation's pervasive event-emission style (TcpServer/
	// HttpServer there emit 'connect'/'data'/'close' throughout) layered
	// back on top of this core's plain-callback API, without this core
	// committing to a pub/sub registry of its own. nil (the default)
	// costs nothing beyond a no-op interface call.
	Emitter Emitter
}

// DefaultConfig returns the original implementation's defaults: 500ms
// precision, debug logging off.
func DefaultConfig() Config {
	return Config{Precision: 500 * time.Millisecond}
}

// Loop is a single-threaded reactor: all of Register, Unregister,
// UpdateInterests, Schedule and the dispatch of Handler callbacks happen
// on the goroutine that calls Run. Schedule may be called from other
// goroutines; it wakes the loop so the new deadline is honored promptly.
type Loop struct {
	cfg  Config
	p    poller.Poller
	emit Emitter

	mu       sync.Mutex
	timers   timerHeap
	seq      uint64
	handlers map[int]Handler

	now time.Time

	runOnce  sync.Once
	stopCh   chan struct{}
	stopped  bool
	stopOnce sync.Once
}

// New creates a Loop bound to the best readiness backend for the current
// platform (epoll on Linux, kqueue on Darwin, poll elsewhere).
func New(cfg Config) (*Loop, error) {
	if cfg.Precision <= 0 {
		cfg.Precision = DefaultConfig().Precision
	}
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return &Loop{
		cfg:      cfg,
		p:        p,
		emit:     emitOrNoop(cfg.Emitter),
		handlers: make(map[int]Handler),
		now:      time.Now(),
		stopCh:   make(chan struct{}),
	}, nil
}

// defaultLoop is created lazily on first use, not at package init, so a
// program that never touches the default loop never pays for an epoll fd.
var (
	defaultLoopOnce sync.Once
	defaultLoopVal  *Loop
	defaultLoopErr  error
)

// Default returns a lazily-constructed process-wide Loop. It is a
// convenience factory, not ambient global state: callers that want
// isolation should call New directly.
func Default() (*Loop, error) {
	defaultLoopOnce.Do(func() {
		defaultLoopVal, defaultLoopErr = New(DefaultConfig())
	})
	return defaultLoopVal, defaultLoopErr
}

// Register starts watching fd for the given interest, dispatching to h.
func (l *Loop) Register(fd int, readable, writable bool, h Handler) error {
	l.mu.Lock()
	if _, ok := l.handlers[fd]; ok {
		l.mu.Unlock()
		return ErrAlreadyRegistered
	}
	l.handlers[fd] = h
	l.mu.Unlock()
	if l.cfg.Debug {
		l.cfg.Logger.Debug().Int("fd", fd).Bool("readable", readable).Bool("writable", writable).Msg("loop: register")
	}
	if err := l.p.Register(fd, readable, writable); err != nil {
		l.mu.Lock()
		delete(l.handlers, fd)
		l.mu.Unlock()
		return err
	}
	l.emit.Emit("register", fd)
	return nil
}

// UpdateInterests changes fd's watched interest set.
func (l *Loop) UpdateInterests(fd int, readable, writable bool) error {
	l.mu.Lock()
	_, ok := l.handlers[fd]
	l.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	return l.p.Mod(fd, readable, writable)
}

// Unregister stops watching fd. Safe to call more than once.
func (l *Loop) Unregister(fd int) error {
	l.mu.Lock()
	_, ok := l.handlers[fd]
	delete(l.handlers, fd)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.emit.Emit("unregister", fd)
	return l.p.Unregister(fd)
}

// Schedule arranges for cb to run from the loop's own goroutine after
// delay has elapsed (never before, possibly somewhat after, bounded by
// Config.Precision). The returned Timeout cancels it. Schedule is a
// no-op returning an already-inert Timeout once the loop has been
// stopped, since Stop clears the timer heap and Run will never drain
// one scheduled afterward.
func (l *Loop) Schedule(delay time.Duration, cb func()) *Timeout {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return &Timeout{}
	}
	if delay < 0 {
		delay = 0
	}
	t := l.scheduleAt(l.Time().Add(delay), cb)
	l.emit.Emit("schedule", delay)
	_ = l.p.Wake()
	return t
}

// Time returns the loop's cached clock, refreshed once per tick. Reading
// it does not itself call time.Now — use it instead of time.Now inside
// Handler callbacks to get a value consistent across the whole tick.
func (l *Loop) Time() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Stop asks Run to return after completing its current tick. It also
// clears the registration map and the timer heap: a stopped Loop holds
// no handlers and fires no more timers, even if callers still hold
// *Timeout values referencing it.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.handlers = make(map[int]Handler)
		l.timers = l.timers[:0]
		l.mu.Unlock()
		close(l.stopCh)
	})
	_ = l.p.Wake()
}

// Run drives the reactor until ctx is cancelled or Stop is called. Each
// tick: refresh the cached clock, fire every timer now due (in deadline
// order), compute how long the next tick may block for, poll for
// readiness, then dispatch. Run returns the first unrecoverable poller
// error, or nil on a clean Stop/ctx cancellation. Run must not be called
// concurrently with itself; only one goroutine may drive a Loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	events := make([]poller.Event, 0, 256)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		default:
		}

		l.mu.Lock()
		l.now = time.Now()
		now := l.now
		l.mu.Unlock()

		l.fireDue(now)

		timeout := l.pollTimeout(now)
		var err error
		events, err = l.p.Poll(events[:0], timeout)
		if err != nil {
			return err
		}
		l.dispatch(events)
	}
}

// pollTimeout computes the Poll deadline in milliseconds: 0 if a timer
// is already due, the time until the next deadline capped by Precision,
// or Precision itself if nothing is scheduled (so Run still notices ctx
// cancellation).
func (l *Loop) pollTimeout(now time.Time) int {
	deadline, ok := l.nextDeadline()
	if !ok {
		ms := l.cfg.Precision.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		return int(ms)
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > l.cfg.Precision {
		d = l.cfg.Precision
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return int(ms)
}

func (l *Loop) dispatch(events []poller.Event) {
	for _, ev := range events {
		l.mu.Lock()
		h, ok := l.handlers[ev.Fd]
		l.mu.Unlock()
		if !ok {
			continue
		}
		if ev.Err != nil {
			l.mu.Lock()
			delete(l.handlers, ev.Fd)
			l.mu.Unlock()
			_ = l.p.Unregister(ev.Fd)
			l.emit.Emit("error", ev.Fd, ev.Err)
			h.OnError(ev.Fd, ev.Err)
			continue
		}
		if ev.Readable {
			h.OnReadable(ev.Fd)
		}
		if ev.Writable {
			h.OnWritable(ev.Fd)
		}
	}
}

// Close releases the loop's poller resources. Run must have returned
// (or never have been called) before Close.
func (l *Loop) Close() error {
	return l.p.Close()
}

package http

import (
	"time"

	"github.com/mnot/thor/thor"
	"github.com/mnot/thor/thor/tcp"
)

// Origin identifies a connection pool bucket, grounded on the original
// implementation's (scheme, host, port) idle-pool key.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// pooledConn is one persistent client connection sitting idle, or about
// to be attached to a new exchange.
type pooledConn struct {
	origin Origin
	conn   *tcp.Connection
	parser *MessageParser

	idleTimeout *thor.Timeout
	current     *ClientExchange

	reusable       bool
	pendingTrailer []Header
	respTimeout    *thor.Timeout
}

// pool is the per-Client idle-connection and admission-control state,
// grounded on original_source/thor/http/client.py's _idle_conns (FIFO
// per origin; see takeIdle) and client/connection.py's _req_q admission queue once a
// origin is at MaxServerConn live connections.
type pool struct {
	idle    map[Origin][]*pooledConn
	live    map[Origin]int
	waiters map[Origin][]func(*pooledConn, error)
}

func newPool() *pool {
	return &pool{
		idle:    make(map[Origin][]*pooledConn),
		live:    make(map[Origin]int),
		waiters: make(map[Origin][]func(*pooledConn, error)),
	}
}

// takeIdle pops the longest-idle connection for origin, if any (FIFO
// within the per-origin bucket).
func (p *pool) takeIdle(o Origin) *pooledConn {
	lst := p.idle[o]
	if len(lst) == 0 {
		return nil
	}
	pc := lst[0]
	p.idle[o] = lst[1:]
	if pc.idleTimeout != nil {
		pc.idleTimeout.Cancel()
		pc.idleTimeout = nil
	}
	return pc
}

// release returns a connection to the idle pool, scheduling its idle
// timeout via loop.
func (p *pool) release(loop *thor.Loop, pc *pooledConn, idleTimeout time.Duration) {
	pc.current = nil
	p.idle[pc.origin] = append(p.idle[pc.origin], pc)
	o := pc.origin
	pc.idleTimeout = loop.Schedule(idleTimeout, func() {
		p.evict(pc)
		_ = pc.conn.Close()
	})
	_ = o
}

// evict removes pc from the idle list without closing it (the caller
// closes separately); used by the idle timer and by connection-closed
// notification.
func (p *pool) evict(pc *pooledConn) {
	lst := p.idle[pc.origin]
	for i, c := range lst {
		if c == pc {
			p.idle[pc.origin] = append(lst[:i], lst[i+1:]...)
			break
		}
	}
}

func (p *pool) incLive(o Origin) { p.live[o]++ }
func (p *pool) decLive(o Origin) {
	if p.live[o] > 0 {
		p.live[o]--
	}
}

// enqueueWaiter admits a request once a connection is available, called
// when live >= MaxServerConn and the idle pool for o is empty.
func (p *pool) enqueueWaiter(o Origin, cb func(*pooledConn, error)) {
	p.waiters[o] = append(p.waiters[o], cb)
}

// dequeueWaiter pops the next queued request for o, if any, in FIFO
// order, matching the original implementation's _req_q.
func (p *pool) dequeueWaiter(o Origin) (func(*pooledConn, error), bool) {
	lst := p.waiters[o]
	if len(lst) == 0 {
		return nil, false
	}
	cb := lst[0]
	p.waiters[o] = lst[1:]
	return cb, true
}

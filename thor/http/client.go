package http

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mnot/thor/thor"
	"github.com/mnot/thor/thor/tcp"
)

// ErrExchangeClosed is returned by RequestBody/RequestDone once the
// exchange has no connection to write to (never attached, or failed).
var ErrExchangeClosed = errors.New("http: exchange has no open connection")

// ClientConfig governs an HttpClient's pooling, idle eviction and retry
// policy, grounded on original_source/thor/http/client.py's HttpClient
// defaults (idle_timeout=60s, retry_limit=2, retry_delay=0.5s,
// max_server_conn=4).
type ClientConfig struct {
	IdleTimeout    time.Duration
	RetryLimit     int
	RetryDelay     time.Duration
	MaxServerConn  int
	MaxHeaderBytes int
	// ReadTimeout bounds how long an exchange waits for the first byte of
	// a response after the request is sent; 0 disables it. A timeout that
	// fires before any response byte has arrived is treated the same as
	// a connect failure for retry purposes.
	ReadTimeout time.Duration
	Connect     tcp.ClientConfig
	Logger      zerolog.Logger
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		IdleTimeout:    60 * time.Second,
		RetryLimit:     2,
		RetryDelay:     500 * time.Millisecond,
		MaxServerConn:  4,
		MaxHeaderBytes: 64 << 10,
		ReadTimeout:    30 * time.Second,
		Connect:        tcp.DefaultClientConfig(),
	}
}

// ClientExchangeHandler receives the lifecycle of one request/response
// exchange. Methods are called on the owning Loop's goroutine.
type ClientExchangeHandler interface {
	// OnResponse1xx is called for each non-final (1xx) response line
	// received before the real final response — see
	// original_source/thor/http/client/exchange.py's response_nonfinal.
	OnResponse1xx(status int, reason string, headers []Header)
	OnResponse(status int, reason, version string, headers []Header)
	OnResponseBody(chunk []byte)
	OnResponseDone(trailer []Header)
	OnError(err error)
}

// Client is a pooled HTTP/1.1 client bound to one Loop.
type Client struct {
	loop *thor.Loop
	cfg  ClientConfig
	pool *pool
}

func NewClient(loop *thor.Loop, cfg ClientConfig) *Client {
	return &Client{loop: loop, cfg: cfg, pool: newPool()}
}

// exchangeState mirrors spec's client exchange state machine:
// QUIESCENT -> REQUEST_STARTED -> REQUEST_BODY -> REQUEST_DONE ->
// RESPONSE_STARTED -> RESPONSE_BODY -> RESPONSE_DONE -> DONE, with a
// terminal ERROR reachable from any state.
type exchangeState int

const (
	exQuiescent exchangeState = iota
	exRequestStarted
	exRequestBody
	exRequestDone
	exResponseStarted
	exResponseBody
	exResponseDone
	exDone
	exError
)

// ClientExchange is one request/response pair. Obtain one via
// Client.RequestStart.
type ClientExchange struct {
	ID uuid.UUID

	client *Client
	origin Origin
	method string
	target string
	h      ClientExchangeHandler

	hasBody      bool
	reqDelim     Delimiter
	reqHeaders   []Header
	state        exchangeState
	responseSeen bool // any response byte (including 1xx) has arrived

	pc      *pooledConn
	retries int
	boff    *backoff.ExponentialBackOff
}

// RequestStart begins a request against rawURL (an absolute-form URI:
// "http://host[:port]/path..."). hasBody tells the exchange whether
// RequestBody/RequestDone will follow with a request body; when false,
// the request is sent with no body and RequestDone, which then writes
// nothing, still moves the exchange to REQUEST_DONE. Connection release
// depends only on the response completing.
func (c *Client) RequestStart(method, rawURL string, headers []Header, hasBody bool, h ClientExchangeHandler) (*ClientExchange, error) {
	u, err := ParseURI(rawURL)
	if err != nil {
		h.OnError(err)
		return nil, err
	}
	origin := Origin{Scheme: u.Scheme, Host: u.Host, Port: u.Port}

	e := &ClientExchange{
		ID:      uuid.New(),
		client:  c,
		origin:  origin,
		method:  strings.ToUpper(method),
		target:  u.Path,
		h:       h,
		hasBody: hasBody,
		state:   exQuiescent,
	}

	reqHeaders := StripHopByHop(headers)
	reqHeaders = removeHeader(reqHeaders, "host")
	reqHeaders = append([]Header{{Name: "Host", Value: hostHeaderValue(origin)}}, reqHeaders...)

	if HeaderValue(reqHeaders, "Content-Length") != "" {
		e.reqDelim = DelimCounted
	} else if hasBody {
		e.reqDelim = DelimChunked
		reqHeaders = append(reqHeaders, Header{Name: "Transfer-Encoding", Value: "chunked"})
	} else {
		e.reqDelim = DelimNoBody
	}
	e.reqHeaders = reqHeaders

	c.start(e)
	return e, nil
}

func hostHeaderValue(o Origin) string {
	def := defaultPorts[o.Scheme]
	if o.Port == def {
		return o.Host
	}
	return o.Host + ":" + strconv.Itoa(o.Port)
}

func removeHeader(headers []Header, name string) []Header {
	out := headers[:0:0]
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// start obtains a connection for e (idle reuse, a fresh dial, or an
// admission-control wait) and, once available, sends the request. Used
// both for the initial attempt and for each retry.
func (c *Client) start(e *ClientExchange) {
	c.acquire(e, func(pc *pooledConn, err error) {
		if err != nil {
			c.retryOrFail(e, err)
			return
		}
		e.attach(pc)
	})
}

// acquire hands back an idle connection for e.origin if one exists, dials
// a fresh one if the origin is under MaxServerConn live connections, or
// else queues e until a connection frees up, grounded on
// original_source/thor/http/client/connection.py's _req_q admission
// control.
func (c *Client) acquire(e *ClientExchange, cb func(*pooledConn, error)) {
	if pc := c.pool.takeIdle(e.origin); pc != nil {
		cb(pc, nil)
		return
	}
	if c.pool.live[e.origin] >= c.cfg.MaxServerConn {
		c.pool.enqueueWaiter(e.origin, cb)
		return
	}
	c.dial(e.origin, cb)
}

func (c *Client) dial(o Origin, cb func(*pooledConn, error)) {
	c.pool.incLive(o)
	addr := o.Host + ":" + strconv.Itoa(o.Port)
	network := "tcp4"
	if strings.Contains(o.Host, ":") {
		network = "tcp6"
	}
	err := tcp.Dial(c.loop, network, addr, c.cfg.Connect, func(conn *tcp.Connection, derr error) {
		if derr != nil {
			c.pool.decLive(o)
			cb(nil, &Error{Kind: KindConnect, Desc: derr.Error(), Status: ErrConnect.Status, ClientRecoverable: true})
			return
		}
		pc := &pooledConn{origin: o, conn: conn, parser: &MessageParser{MaxHeaderBytes: c.cfg.MaxHeaderBytes}}
		c.wireParser(pc)
		conn.OnData = func(_ *tcp.Connection, b []byte) int { return pc.parser.Feed(b) }
		conn.OnClosed = func(_ *tcp.Connection, cerr error) { c.onConnClosed(pc, cerr) }
		conn.Resume()
		cb(pc, nil)
	})
	if err != nil {
		c.pool.decLive(o)
		cb(nil, &Error{Kind: KindConnect, Desc: err.Error(), Status: ErrConnect.Status, ClientRecoverable: true})
	}
}

// wireParser binds pc's MessageParser callbacks to whichever exchange is
// currently attached, dispatching non-final (1xx) responses separately
// from the terminal one per spec, and deciding connection reuse from the
// final response's version and Connection header (connectionReusable).
func (c *Client) wireParser(pc *pooledConn) {
	nonFinal := false
	pc.parser.NextNoBodyOverride = func(start StartLine, headers []Header) bool {
		if start.Status >= 100 && start.Status < 200 {
			return true
		}
		if noBodyStatus[start.Status] {
			return true
		}
		return pc.current != nil && pc.current.method == "HEAD"
	}
	pc.parser.OnMessage = func(start StartLine, headers []Header, delim Delimiter) *Error {
		e := pc.current
		if e == nil {
			return ErrTooManyMessages
		}
		e.responseSeen = true
		e.cancelResponseTimeout()
		if start.Status >= 100 && start.Status < 200 {
			nonFinal = true
			if e.h != nil {
				e.h.OnResponse1xx(start.Status, start.Reason, headers)
			}
			return nil
		}
		nonFinal = false
		e.state = exResponseStarted
		pc.reusable = connectionReusable(start.Version, headers)
		if e.h != nil {
			e.h.OnResponse(start.Status, start.Reason, start.Version, headers)
		}
		return nil
	}
	pc.parser.OnBody = func(chunk []byte) {
		e := pc.current
		if e == nil || nonFinal {
			return
		}
		e.state = exResponseBody
		if e.h != nil {
			e.h.OnResponseBody(chunk)
		}
	}
	pc.parser.OnTrailer = func(trailer []Header) {
		pc.pendingTrailer = trailer
	}
	pc.parser.OnComplete = func() {
		if nonFinal {
			// 1xx message done; the real final response is still to come
			// on this same exchange.
			return
		}
		e := pc.current
		if e == nil {
			return
		}
		trailer := pc.pendingTrailer
		pc.pendingTrailer = nil
		e.state = exResponseDone
		if e.h != nil {
			e.h.OnResponseDone(trailer)
		}
		e.state = exDone
		pc.current = nil
		c.finishAndRelease(pc)
	}
	pc.parser.OnError = func(err *Error) {
		e := pc.current
		pc.current = nil
		if e != nil {
			e.fail(err)
		}
		_ = pc.conn.Close()
	}
}

// finishAndRelease hands pc straight to the next queued waiter for its
// origin, if any, or returns it to the idle pool (or closes it, if the
// just-finished response was not reusable).
func (c *Client) finishAndRelease(pc *pooledConn) {
	if cb, ok := c.pool.dequeueWaiter(pc.origin); ok {
		cb(pc, nil)
		return
	}
	if pc.reusable {
		c.pool.release(c.loop, pc, c.cfg.IdleTimeout)
		return
	}
	_ = pc.conn.Close()
}

// admitWaiter dials a fresh connection for the next queued request on o,
// if the origin has regained spare capacity (called after a live
// connection closes).
func (c *Client) admitWaiter(o Origin) {
	if c.pool.live[o] >= c.cfg.MaxServerConn {
		return
	}
	cb, ok := c.pool.dequeueWaiter(o)
	if !ok {
		return
	}
	c.dial(o, cb)
}

// onConnClosed handles an idle or in-flight connection closing, retrying
// the in-flight exchange (if any and eligible) and waking the next queued
// waiter for the origin once the live count has room.
func (c *Client) onConnClosed(pc *pooledConn, err error) {
	c.pool.evict(pc)
	c.pool.decLive(pc.origin)
	if pc.respTimeout != nil {
		pc.respTimeout.Cancel()
		pc.respTimeout = nil
	}
	if e := pc.current; e != nil {
		pc.current = nil
		if e.reqDelim == DelimClose && e.state == exResponseBody {
			// Close-delimited response body ends normally at connection
			// close; finish the message instead of treating it as a
			// failure.
			pc.parser.CloseDelimitedEnd()
		} else {
			c.retryOrFail(e, &Error{Kind: KindConnect, Desc: "connection closed before response", ClientRecoverable: !e.responseSeen})
		}
	}
	c.admitWaiter(pc.origin)
}

// retryOrFail retries e (after backoff.ExponentialBackOff delay) when its
// method is idempotent, no response byte has been seen yet, and the retry
// limit has not been exhausted; otherwise it fails the exchange.
func (c *Client) retryOrFail(e *ClientExchange, err error) {
	if e.responseSeen || !IsIdempotent(e.method) || e.retries >= c.cfg.RetryLimit {
		e.fail(err)
		return
	}
	e.retries++
	if e.boff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.RetryDelay
		b.MaxInterval = c.cfg.RetryDelay
		b.Multiplier = 1
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		e.boff = b
	}
	delay := e.boff.NextBackOff()
	c.loop.Schedule(delay, func() { c.start(e) })
}

// connectionReusable decides whether the connection the just-completed
// response arrived on may serve another exchange, per RFC 7230 section 6.3:
// HTTP/1.1 defaults to persistent unless "Connection: close" is present;
// HTTP/1.0 defaults to close unless "Connection: keep-alive" is present.
func connectionReusable(version string, headers []Header) bool {
	wantsClose, keepAlive := false, false
	for _, tok := range GetHeader(headers, "connection") {
		switch strings.ToLower(tok) {
		case "close":
			wantsClose = true
		case "keep-alive":
			keepAlive = true
		}
	}
	if wantsClose {
		return false
	}
	if version == "HTTP/1.1" {
		return true
	}
	return keepAlive
}

// attach binds e to pc and sends its request line, headers, and (for a
// bodyless request) nothing further — RequestBody/RequestDone follow.
func (e *ClientExchange) attach(pc *pooledConn) {
	e.pc = pc
	pc.current = e
	e.state = exRequestStarted
	_ = pc.conn.Write(FormatRequestLine(e.method, e.target, "HTTP/1.1"))
	_ = pc.conn.Write(FormatHeaderBlock(e.reqHeaders))
	e.armResponseTimeout()
}

func (e *ClientExchange) armResponseTimeout() {
	rt := e.client.cfg.ReadTimeout
	if rt <= 0 || e.pc == nil {
		return
	}
	pc := e.pc
	pc.respTimeout = e.client.loop.Schedule(rt, func() {
		if pc.current != e {
			return
		}
		pc.current = nil
		_ = pc.conn.Close()
		e.client.retryOrFail(e, ErrReadTimeout)
	})
}

func (e *ClientExchange) cancelResponseTimeout() {
	if e.pc != nil && e.pc.respTimeout != nil {
		e.pc.respTimeout.Cancel()
		e.pc.respTimeout = nil
	}
}

// RequestBody sends one chunk of the request body, framed per reqDelim.
// The caller must have started the exchange with hasBody true.
func (e *ClientExchange) RequestBody(chunk []byte) error {
	if e.state != exRequestStarted && e.state != exRequestBody {
		return ErrExchangeClosed
	}
	if e.pc == nil {
		return ErrExchangeClosed
	}
	e.state = exRequestBody
	switch e.reqDelim {
	case DelimChunked:
		if len(chunk) == 0 {
			return nil
		}
		return e.pc.conn.Write(FormatChunk(chunk))
	case DelimCounted:
		return e.pc.conn.Write(chunk)
	default:
		return ErrBodyForbidden
	}
}

// RequestDone finishes the request side of the exchange. trailer is only
// sent (and only meaningful) for a chunked request body.
func (e *ClientExchange) RequestDone(trailer []Header) error {
	if e.pc == nil {
		return ErrExchangeClosed
	}
	if e.reqDelim == DelimChunked {
		if err := e.pc.conn.Write(FormatChunkEnd(trailer)); err != nil {
			return err
		}
	}
	e.state = exRequestDone
	return nil
}

// fail transitions e to its terminal error state and reports err to the
// handler exactly once.
func (e *ClientExchange) fail(err error) {
	if e.state == exError || e.state == exDone {
		return
	}
	e.state = exError
	e.cancelResponseTimeout()
	if e.h != nil {
		e.h.OnError(err)
	}
}

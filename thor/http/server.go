package http

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mnot/thor/thor"
	"github.com/mnot/thor/thor/tcp"
)

// ServerConfig configures an HttpServer, grounded on
// original_source/thor/http/server.py's HttpServer defaults (60s idle
// timeout) plus a pipeline depth this core adds: a connection that
// accumulates more unanswered requests than MaxPipeline has its reads
// paused until the application catches up.
type ServerConfig struct {
	TCP            tcp.ServerConfig
	MaxHeaderBytes int
	MaxPipeline    int
	IdleTimeout    time.Duration
	Logger         zerolog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TCP:            tcp.DefaultServerConfig(),
		MaxHeaderBytes: 64 << 10,
		MaxPipeline:    32,
		IdleTimeout:    60 * time.Second,
	}
}

// HttpServer accepts connections and hands each incoming request to
// OnExchange as a *ServerExchange, grounded on
// original_source/thor/http/server.py's HttpServer/HttpServerConnection
// split (one TcpServer, one HttpServerConnection per accepted socket).
type HttpServer struct {
	loop       *thor.Loop
	tcp        *tcp.Server
	cfg        ServerConfig
	OnExchange func(e *ServerExchange)
}

// ListenHTTP starts accepting connections on cfg.TCP.Network/Address.
func ListenHTTP(loop *thor.Loop, cfg ServerConfig) (*HttpServer, error) {
	s := &HttpServer{loop: loop, cfg: cfg}
	ts, err := tcp.Listen(loop, cfg.TCP)
	if err != nil {
		return nil, err
	}
	ts.OnConnect = func(conn *tcp.Connection) { s.handleConn(conn) }
	s.tcp = ts
	return s, nil
}

func (s *HttpServer) Shutdown() error { return s.tcp.Shutdown() }

func (s *HttpServer) handleConn(conn *tcp.Connection) {
	sc := &serverConn{srv: s, conn: conn}
	sc.parser = &MessageParser{ForRequest: true, MaxHeaderBytes: s.cfg.MaxHeaderBytes}
	sc.wireParser()
	conn.OnData = func(_ *tcp.Connection, b []byte) int {
		sc.touchIdle()
		return sc.parser.Feed(b)
	}
	conn.OnClosed = func(_ *tcp.Connection, err error) { sc.closed(err) }
	conn.OnWritePause = func(_ *tcp.Connection) { sc.outputPaused = true }
	conn.OnWriteDrain = func(_ *tcp.Connection) {
		sc.outputPaused = false
		sc.drainQueue()
	}
	sc.touchIdle()
	conn.Resume()
}

// serverConn is one accepted connection's pipeline: a request parser plus
// a FIFO of exchanges, each corresponding to one request that has been
// fully headers-parsed but whose response may still be pending.
// Grounded on original_source/thor/http/server.py's HttpServerConnection
// (ex_queue, output_paused, drain_exchange_queue).
type serverConn struct {
	srv    *HttpServer
	conn   *tcp.Connection
	parser *MessageParser

	queue        []*ServerExchange
	outputPaused bool
	readPaused   bool
	idleTimer    *thor.Timeout
}

func (sc *serverConn) touchIdle() {
	if sc.idleTimer != nil {
		sc.idleTimer.Cancel()
		sc.idleTimer = nil
	}
	if sc.srv.cfg.IdleTimeout <= 0 {
		return
	}
	sc.idleTimer = sc.srv.loop.Schedule(sc.srv.cfg.IdleTimeout, func() {
		_ = sc.conn.Close()
	})
}

func (sc *serverConn) wireParser() {
	sc.parser.OnMessage = func(start StartLine, headers []Header, delim Delimiter) *Error {
		if HeaderValue(headers, "Host") == "" && start.Version != "HTTP/1.0" {
			return ErrHostRequired
		}
		ex := &ServerExchange{
			ID:         uuid.New(),
			conn:       sc,
			Method:     strings.ToUpper(start.Method),
			Target:     start.Target,
			ReqVersion: start.Version,
			ReqHeaders: headers,
		}
		sc.queue = append(sc.queue, ex)
		if len(sc.queue) > sc.srv.cfg.MaxPipeline && !sc.readPaused {
			sc.readPaused = true
			sc.conn.Pause()
		}
		// Only the head of the pipeline is ever surfaced to the
		// application: later-arriving requests wait in sc.queue until
		// finish() pops the one ahead of them, so OnExchange never sees
		// two exchanges in flight at once.
		if len(sc.queue) == 1 && !sc.outputPaused {
			sc.startExchange(ex)
		}
		return nil
	}
	sc.parser.OnBody = func(chunk []byte) {
		if ex := sc.activeRequest(); ex != nil && ex.OnRequestBody != nil {
			ex.OnRequestBody(chunk)
		}
	}
	sc.parser.OnTrailer = func(trailer []Header) {
		if ex := sc.activeRequest(); ex != nil {
			ex.reqTrailer = trailer
		}
	}
	sc.parser.OnComplete = func() {
		if ex := sc.activeRequest(); ex != nil {
			ex.reqDone = true
			if ex.OnRequestDone != nil {
				ex.OnRequestDone(ex.reqTrailer)
			}
		}
	}
	sc.parser.OnError = func(err *Error) {
		sc.sendError(err)
	}
}

// activeRequest is the exchange currently receiving request body bytes:
// the most recently queued one, since the parser handles one message at
// a time in arrival order.
func (sc *serverConn) activeRequest() *ServerExchange {
	if len(sc.queue) == 0 {
		return nil
	}
	return sc.queue[len(sc.queue)-1]
}

func (sc *serverConn) startExchange(ex *ServerExchange) {
	ex.started = true
	if sc.srv.OnExchange != nil {
		sc.srv.OnExchange(ex)
	}
}

// drainQueue starts the head-of-pipeline exchange (because it was queued
// behind a still-in-flight one, or because output was paused) once it is
// safe to produce more response output, and resumes reads once the
// pipeline has drained below MaxPipeline.
func (sc *serverConn) drainQueue() {
	if len(sc.queue) > 0 && !sc.queue[0].started && !sc.outputPaused {
		sc.startExchange(sc.queue[0])
	}
	if sc.readPaused && len(sc.queue) <= sc.srv.cfg.MaxPipeline {
		sc.readPaused = false
		sc.conn.Resume()
	}
}

// finish pops ex off the head of the pipeline once its response is fully
// sent; responses must complete in request order, mirroring HTTP/1.1
// pipelining semantics.
func (sc *serverConn) finish(ex *ServerExchange) {
	if len(sc.queue) > 0 && sc.queue[0] == ex {
		sc.queue = sc.queue[1:]
	}
	sc.drainQueue()
}

func (sc *serverConn) closed(err error) {
	if sc.idleTimer != nil {
		sc.idleTimer.Cancel()
		sc.idleTimer = nil
	}
	sc.queue = nil
}

// sendError synthesizes and sends a response for a protocol error
// encountered before (or instead of) a well-formed request reaching the
// application, grounded on original_source/thor/http/server.py's
// input_error. The connection is closed afterward unless err is
// ServerRecoverable.
func (sc *serverConn) sendError(err *Error) {
	status := err.Status
	if status == 0 {
		status = 500
	}
	ex := &ServerExchange{ID: uuid.New(), conn: sc, ReqVersion: "HTTP/1.1", started: true}
	sc.queue = append(sc.queue, ex)
	_ = ex.ResponseStart(status, reasonPhrase(status), []Header{{Name: "Content-Type", Value: "text/plain"}})
	_ = ex.ResponseBody([]byte(err.Desc))
	_ = ex.ResponseDone(nil)
	if !err.ServerRecoverable {
		_ = sc.conn.Close()
	}
}

func reasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	return "Error"
}

var reasonPhrases = map[int]string{
	200: "OK", 204: "No Content", 400: "Bad Request", 411: "Length Required",
	500: "Internal Server Error", 501: "Not Implemented", 505: "HTTP Version Not Supported",
}

// ServerExchange is one request/response interaction on an HttpServer
// connection. It is handed to HttpServer.OnExchange once the request's
// headers have been parsed; set OnRequestBody/OnRequestDone before
// returning from OnExchange to receive the request body as it streams
// in, then call ResponseStart/ResponseBody/ResponseDone to answer it.
type ServerExchange struct {
	ID uuid.UUID

	conn *serverConn

	Method     string
	Target     string
	ReqVersion string
	ReqHeaders []Header

	OnRequestBody func(chunk []byte)
	OnRequestDone func(trailer []Header)

	started    bool
	reqDone    bool
	reqTrailer []Header

	resDelim   Delimiter
	resStarted bool
	resDone    bool
}

// ResponseStart sends the status line and headers. Must be called
// exactly once, before ResponseBody/ResponseDone. Body framing follows
// original_source/thor/http/server.py's response_start: an explicit
// Content-Length uses counted framing; otherwise HTTP/1.1 requests get
// chunked framing and HTTP/1.0 requests get close-delimited framing.
func (e *ServerExchange) ResponseStart(status int, reason string, headers []Header) error {
	headers = StripHopByHop(headers)
	switch {
	case noBodyStatus[status]:
		e.resDelim = DelimNoBody
	case HeaderValue(headers, "Content-Length") != "":
		e.resDelim = DelimCounted
		headers = append(headers, Header{Name: "Connection", Value: "keep-alive"})
	case e.ReqVersion == "HTTP/1.1":
		e.resDelim = DelimChunked
		headers = append(headers, Header{Name: "Transfer-Encoding", Value: "chunked"})
	default:
		e.resDelim = DelimClose
		headers = append(headers, Header{Name: "Connection", Value: "close"})
	}
	e.resStarted = true
	if err := e.conn.conn.Write(FormatStatusLine("HTTP/1.1", status, reason)); err != nil {
		return err
	}
	return e.conn.conn.Write(FormatHeaderBlock(headers))
}

// ResponseBody sends part of the response body. May be called zero to
// many times between ResponseStart and ResponseDone.
func (e *ServerExchange) ResponseBody(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	switch e.resDelim {
	case DelimChunked:
		return e.conn.conn.Write(FormatChunk(chunk))
	default:
		return e.conn.conn.Write(chunk)
	}
}

// ResponseDone signals the end of the response. Must be called exactly
// once per response, whether or not it had a body.
func (e *ServerExchange) ResponseDone(trailer []Header) error {
	if e.resDone {
		return nil
	}
	e.resDone = true
	var err error
	if e.resDelim == DelimChunked {
		err = e.conn.conn.Write(FormatChunkEnd(trailer))
	}
	e.conn.finish(e)
	if e.resDelim == DelimClose {
		_ = e.conn.conn.Close()
	}
	return err
}

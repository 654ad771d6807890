package http

import (
	"bytes"
	"strconv"
	"strings"
)

// Delimiter identifies how a message body is framed on the wire,
// grounded on the original implementation's conn_modes (COUNTED,
// CHUNKED, CLOSE, NOBODY) and spec's body-framing precedence: chunked >
// content-length > close-delimited > no-body.
type Delimiter int

const (
	DelimUnknown Delimiter = iota
	DelimNoBody
	DelimCounted
	DelimChunked
	DelimClose
)

type parseState int

const (
	stateWaiting parseState = iota
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateDone
	stateError
)

// StartLine is a request or response start line, already split from its
// header block.
type StartLine struct {
	Method  string // request only
	Target  string // request only
	Status  int    // response only
	Reason  string // response only
	Version string // "HTTP/1.0" or "HTTP/1.1" for both
}

// MessageParser incrementally parses one direction of traffic (a stream
// of requests, or a stream of responses) on a connection, one message at
// a time, resetting for the next message once the current one completes
// (supporting pipelining). It does not own a buffer: Feed is handed the
// full run of not-yet-consumed bytes on every call (as thor/tcp.Sink
// does) and reports how many of them it consumed; the caller is
// responsible for keeping the remainder available on the next call.
//
// Grounded on original_source/thor/http/common.py's HttpMessageHandler
// (handle_input state dispatch, _parse_headers/_parse_fields,
// _handle_nobody/_handle_close/_handle_chunked/_handle_counted).
type MessageParser struct {
	ForRequest     bool // true: parsing requests (server side); false: responses (client side)
	MaxHeaderBytes int

	// NextNoBodyOverride, when non-nil, is consulted once per message to
	// decide whether it skips body framing entirely (HEAD responses, 1xx,
	// 204, 304 on the client side; always false for requests in this
	// core). It stays set and is consulted again for every message.
	NextNoBodyOverride func(start StartLine, headers []Header) bool

	OnMessage  func(start StartLine, headers []Header, delim Delimiter) *Error
	OnBody     func(chunk []byte)
	OnTrailer  func(trailer []Header)
	OnComplete func()
	OnError    func(err *Error)

	state         parseState
	remaining     int64
	chunkBytesLeft int64
}

func (p *MessageParser) fail(err *Error) int {
	p.state = stateError
	if p.OnError != nil {
		p.OnError(err)
	}
	return 0
}

// Feed processes as much of b as forms complete syntactic units (a full
// header block, a full chunk, etc.) and returns how many leading bytes
// it consumed. Call it again with the same unconsumed tail plus any
// newly arrived bytes.
func (p *MessageParser) Feed(b []byte) int {
	total := 0
	for {
		var n int
		switch p.state {
		case stateWaiting:
			n = p.feedStartAndHeaders(b[total:])
		case stateBody:
			n = p.feedCountedBody(b[total:])
		case stateChunkSize:
			n = p.feedChunkSize(b[total:])
		case stateChunkData:
			n = p.feedChunkData(b[total:])
		case stateChunkCRLF:
			n = p.feedChunkCRLF(b[total:])
		case stateTrailers:
			n = p.feedTrailers(b[total:])
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// findTerminator locates a blank line (the original is LF-tolerant on
// input: both "\r\n\r\n" and "\n\n" end a header block) and returns the
// index just past it, or -1.
func findTerminator(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

func splitLine(b []byte) (line []byte, rest []byte, ok bool) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		end := i
		if end > 0 && b[end-1] == '\r' {
			end--
		}
		return b[:end], b[i+1:], true
	}
	return nil, b, false
}

func (p *MessageParser) feedStartAndHeaders(b []byte) int {
	end := findTerminator(b)
	if end < 0 {
		if p.MaxHeaderBytes > 0 && len(b) > p.MaxHeaderBytes {
			return p.fail(ErrHeaderSpace)
		}
		return 0
	}
	block := b[:end]
	topLine, rest, ok := splitLine(block)
	if !ok {
		return p.fail(ErrTopLineSpace)
	}
	start, perr := parseStartLine(string(topLine), p.ForRequest)
	if perr != nil {
		return p.fail(perr)
	}
	headers, herr := parseHeaderBlock(rest)
	if herr != nil {
		return p.fail(herr)
	}
	ci, cerr := gatherConnInfo(headers)
	if cerr != nil {
		return p.fail(cerr)
	}
	noBody := false
	if p.NextNoBodyOverride != nil {
		noBody = p.NextNoBodyOverride(start, headers)
	}
	delim := determineDelimiter(ci, p.ForRequest, noBody)

	if p.OnMessage != nil {
		if err := p.OnMessage(start, headers, delim); err != nil {
			return p.fail(err)
		}
	}

	switch delim {
	case DelimNoBody:
		p.finishMessage()
	case DelimCounted:
		p.remaining = ci.contentLength
		if p.remaining == 0 {
			p.finishMessage()
		} else {
			p.state = stateBody
		}
	case DelimChunked:
		p.state = stateChunkSize
	case DelimClose:
		p.state = stateBody
		p.remaining = -1 // sentinel: unbounded, ends only at connection close
	}
	return end
}

func (p *MessageParser) feedCountedBody(b []byte) int {
	if p.remaining < 0 {
		// close-delimited: everything handed to us is body until the
		// connection closes (the caller signals that separately via
		// CloseDelimitedEnd).
		if len(b) > 0 && p.OnBody != nil {
			p.OnBody(b)
		}
		return len(b)
	}
	n := int64(len(b))
	if n > p.remaining {
		n = p.remaining
	}
	if n > 0 && p.OnBody != nil {
		p.OnBody(b[:n])
	}
	p.remaining -= n
	if p.remaining == 0 {
		p.finishMessage()
	}
	return int(n)
}

// CloseDelimitedEnd is called by the caller when the underlying
// connection closes while a close-delimited message (Delimiter ==
// DelimClose) is in progress; per spec this is the message's normal end,
// not an error.
func (p *MessageParser) CloseDelimitedEnd() {
	if p.state == stateBody && p.remaining < 0 {
		p.finishMessage()
	}
}

func (p *MessageParser) feedChunkSize(b []byte) int {
	line, rest, ok := splitLine(b)
	if !ok {
		return 0
	}
	consumed := len(b) - len(rest)

	sizeStr := string(line)
	if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
		sizeStr = sizeStr[:i] // strip chunk-extensions
	}
	sizeStr = strings.TrimSpace(sizeStr)
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size < 0 {
		return p.fail(ErrChunk)
	}
	if size == 0 {
		p.state = stateTrailers
		return consumed
	}
	p.chunkBytesLeft = size
	p.state = stateChunkData
	return consumed
}

func (p *MessageParser) feedChunkData(b []byte) int {
	n := int64(len(b))
	if n > p.chunkBytesLeft {
		n = p.chunkBytesLeft
	}
	if n > 0 && p.OnBody != nil {
		p.OnBody(b[:n])
	}
	p.chunkBytesLeft -= n
	if p.chunkBytesLeft == 0 {
		p.state = stateChunkCRLF
	}
	return int(n)
}

func (p *MessageParser) feedChunkCRLF(b []byte) int {
	_, rest, ok := splitLine(b)
	if !ok {
		return 0
	}
	p.state = stateChunkSize
	return len(b) - len(rest)
}

func (p *MessageParser) feedTrailers(b []byte) int {
	// An empty trailer block is just the closing blank line.
	if bytes.HasPrefix(b, []byte("\r\n")) || bytes.HasPrefix(b, []byte("\n")) {
		p.finishMessage()
		return bytes.IndexByte(b, '\n') + 1
	}
	end := findTerminator(b)
	if end < 0 {
		if p.MaxHeaderBytes > 0 && len(b) > p.MaxHeaderBytes {
			return p.fail(ErrHeaderSpace)
		}
		return 0
	}
	trailer, herr := parseHeaderBlock(b[:end])
	if herr != nil {
		return p.fail(herr)
	}
	if len(trailer) > 0 && p.OnTrailer != nil {
		p.OnTrailer(trailer)
	}
	p.finishMessage()
	return end
}

func (p *MessageParser) finishMessage() {
	p.state = stateWaiting
	p.remaining = 0
	p.chunkBytesLeft = 0
	if p.OnComplete != nil {
		p.OnComplete()
	}
}

// parseStartLine splits "METHOD target HTTP/x.y" or "HTTP/x.y status
// reason" into a StartLine.
func parseStartLine(line string, forRequest bool) (StartLine, *Error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return StartLine{}, ErrTopLineSpace
	}
	if forRequest {
		if len(fields) != 3 {
			return StartLine{}, ErrTopLineSpace
		}
		if !strings.HasPrefix(fields[2], "HTTP/") {
			return StartLine{}, ErrHTTPVersion
		}
		return StartLine{Method: fields[0], Target: fields[1], Version: fields[2]}, nil
	}
	if !strings.HasPrefix(fields[0], "HTTP/") {
		return StartLine{}, ErrHTTPVersion
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return StartLine{}, ErrTopLineSpace
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return StartLine{Version: fields[0], Status: status, Reason: reason}, nil
}

// parseHeaderBlock parses CRLF- or LF-terminated header lines, joining
// leading-whitespace continuation lines (obs-fold) into the previous
// field's value with a single space, grounded on the original
// implementation's _parse_fields.
func parseHeaderBlock(block []byte) ([]Header, *Error) {
	var headers []Header
	lines := splitHeaderLines(block)
	for _, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		if raw[0] == ' ' || raw[0] == '\t' {
			if len(headers) == 0 {
				return nil, ErrTopLineSpace
			}
			last := &headers[len(headers)-1]
			last.Value += " " + strings.TrimSpace(string(raw))
			continue
		}
		i := bytes.IndexByte(raw, ':')
		if i < 0 {
			return nil, ErrTopLineSpace
		}
		name := string(bytes.TrimSpace(raw[:i]))
		value := string(bytes.TrimSpace(raw[i+1:]))
		if name == "" {
			return nil, ErrTopLineSpace
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

func splitHeaderLines(block []byte) [][]byte {
	var lines [][]byte
	for len(block) > 0 {
		line, rest, ok := splitLine(block)
		if !ok {
			if len(block) > 0 {
				lines = append(lines, block)
			}
			break
		}
		lines = append(lines, line)
		block = rest
	}
	return lines
}

// connInfo is what gatherConnInfo extracts from a header block, grounded
// on the original implementation's _parse_fields gather_conn_info mode.
type connInfo struct {
	connTokens    []string
	transferCodes []string
	contentLength int64
	hasContentLen bool
}

func gatherConnInfo(headers []Header) (connInfo, *Error) {
	var ci connInfo
	ci.connTokens = lowerAll(GetHeader(headers, "connection"))
	ci.transferCodes = lowerAll(GetHeader(headers, "transfer-encoding"))

	var clOccurrences []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-length") {
			clOccurrences = append(clOccurrences, strings.TrimSpace(h.Value))
		}
	}
	if len(clOccurrences) > 1 {
		for _, v := range clOccurrences[1:] {
			if v != clOccurrences[0] {
				return ci, ErrDuplicateContentLen
			}
		}
	}
	if len(clOccurrences) > 0 {
		n, err := strconv.ParseInt(clOccurrences[0], 10, 64)
		if err != nil || n < 0 {
			return ci, ErrMalformedContentLen
		}
		ci.contentLength = n
		ci.hasContentLen = true
	}
	return ci, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// determineDelimiter applies spec's body-framing precedence: chunked >
// content-length > close-delimited > no-body, with transfer-encoding
// taking priority over (and per RFC 7230, invalidating) content-length
// when both are present.
func determineDelimiter(ci connInfo, forRequest bool, noBodyOverride bool) Delimiter {
	if noBodyOverride {
		return DelimNoBody
	}
	if len(ci.transferCodes) > 0 && ci.transferCodes[len(ci.transferCodes)-1] == "chunked" {
		return DelimChunked
	}
	if ci.hasContentLen {
		return DelimCounted
	}
	if forRequest {
		return DelimNoBody
	}
	return DelimClose
}

// --- Serialization ---

// FormatRequestLine renders "METHOD target VERSION\r\n".
func FormatRequestLine(method, target, version string) []byte {
	return []byte(method + " " + target + " " + version + "\r\n")
}

// FormatStatusLine renders "VERSION status reason\r\n".
func FormatStatusLine(version string, status int, reason string) []byte {
	return []byte(version + " " + strconv.Itoa(status) + " " + reason + "\r\n")
}

// FormatHeaderBlock renders headers followed by the blank line that ends
// a header block.
func FormatHeaderBlock(headers []Header) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// FormatChunk renders one chunked-coding chunk: "hex(len)\r\ndata\r\n".
// An empty data produces no output — use FormatChunkEnd to terminate.
func FormatChunk(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(int64(len(data)), 16))
	buf.WriteString("\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// FormatChunkEnd renders the terminating "0\r\n" chunk plus any trailer
// fields and the final blank line.
func FormatChunkEnd(trailer []Header) []byte {
	var buf bytes.Buffer
	buf.WriteString("0\r\n")
	for _, h := range trailer {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

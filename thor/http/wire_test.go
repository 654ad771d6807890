package http_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnot/thor/thor/http"
)

func TestParseRequestNoBody(t *testing.T) {
	var got http.StartLine
	var gotHeaders []http.Header
	var gotDelim http.Delimiter
	complete := false

	p := &http.MessageParser{ForRequest: true}
	p.OnMessage = func(start http.StartLine, headers []http.Header, delim http.Delimiter) *http.Error {
		got, gotHeaders, gotDelim = start, headers, delim
		return nil
	}
	p.OnComplete = func() { complete = true }

	req := "GET /foo HTTP/1.1\r\nHost: example.com\r\n\r\n"
	n := p.Feed([]byte(req))
	require.Equal(t, len(req), n)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "/foo", got.Target)
	assert.Equal(t, "HTTP/1.1", got.Version)
	assert.Equal(t, "example.com", http.HeaderValue(gotHeaders, "host"))
	assert.Equal(t, http.DelimNoBody, gotDelim)
	assert.True(t, complete, "OnComplete not called")
}

func TestParseRequestContentLength(t *testing.T) {
	var body []byte
	complete := false

	p := &http.MessageParser{ForRequest: true}
	p.OnBody = func(chunk []byte) { body = append(body, chunk...) }
	p.OnComplete = func() { complete = true }

	req := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	n := p.Feed([]byte(req))
	require.Equal(t, len(req), n)
	assert.Equal(t, "hello", string(body))
	assert.True(t, complete, "OnComplete not called")
}

func TestParseRequestContentLengthAcrossFeeds(t *testing.T) {
	var body []byte
	complete := false

	p := &http.MessageParser{ForRequest: true}
	p.OnBody = func(chunk []byte) { body = append(body, chunk...) }
	p.OnComplete = func() { complete = true }

	head := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\n"
	n := p.Feed([]byte(head))
	require.Equal(t, len(head), n)
	n = p.Feed([]byte("he"))
	require.Equal(t, 2, n)
	n = p.Feed([]byte("llo"))
	require.Equal(t, 3, n)
	assert.Equal(t, "hello", string(body))
	assert.True(t, complete)
}

func TestParseChunkedBody(t *testing.T) {
	var body []byte
	var trailer []http.Header
	complete := false

	p := &http.MessageParser{ForRequest: true}
	p.OnBody = func(chunk []byte) { body = append(body, chunk...) }
	p.OnTrailer = func(tr []http.Header) { trailer = tr }
	p.OnComplete = func() { complete = true }

	req := "POST /x HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: yes\r\n\r\n"
	n := p.Feed([]byte(req))
	require.Equal(t, len(req), n)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, "yes", http.HeaderValue(trailer, "x-trailer"))
	assert.True(t, complete, "OnComplete not called")
}

func TestParseResponseCloseDelimited(t *testing.T) {
	var body []byte
	var gotDelim http.Delimiter

	p := &http.MessageParser{ForRequest: false}
	p.OnMessage = func(start http.StartLine, headers []http.Header, delim http.Delimiter) *http.Error {
		gotDelim = delim
		return nil
	}
	p.OnBody = func(chunk []byte) { body = append(body, chunk...) }

	head := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
	p.Feed([]byte(head))
	require.Equal(t, http.DelimClose, gotDelim)
	p.Feed([]byte("partial data"))
	p.Feed([]byte(" more data"))

	complete := false
	p.OnComplete = func() { complete = true }
	p.CloseDelimitedEnd()
	assert.True(t, complete, "CloseDelimitedEnd did not finish the message")
	assert.Equal(t, "partial data more data", string(body))
}

func TestParseResponse1xxThenFinal(t *testing.T) {
	var statuses []int
	p := &http.MessageParser{ForRequest: false}
	p.NextNoBodyOverride = func(start http.StartLine, headers []http.Header) bool {
		return start.Status >= 100 && start.Status < 200
	}
	p.OnMessage = func(start http.StartLine, headers []http.Header, delim http.Delimiter) *http.Error {
		statuses = append(statuses, start.Status)
		return nil
	}

	msg := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	n := p.Feed([]byte(msg))
	require.NotZero(t, n, "no progress parsing 1xx")
	rest := msg[n:]
	p.Feed([]byte(rest))
	require.Len(t, statuses, 2)
	assert.Equal(t, 100, statuses[0])
	assert.Equal(t, 200, statuses[1])
}

func TestDuplicateContentLengthMismatchErrors(t *testing.T) {
	var gotErr *http.Error
	p := &http.MessageParser{ForRequest: true}
	p.OnError = func(err *http.Error) { gotErr = err }

	req := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello"
	p.Feed([]byte(req))
	require.NotNil(t, gotErr)
	assert.Equal(t, http.KindDuplicateContentLength, gotErr.Kind)
}

func TestFormatRoundTrip(t *testing.T) {
	line := http.FormatRequestLine("GET", "/a/b", "HTTP/1.1")
	assert.Equal(t, "GET /a/b HTTP/1.1\r\n", string(line))

	block := http.FormatHeaderBlock([]http.Header{{Name: "Host", Value: "h"}})
	assert.Equal(t, "Host: h\r\n\r\n", string(block))

	chunk := http.FormatChunk([]byte("abc"))
	assert.Equal(t, "3\r\nabc\r\n", string(chunk))
	assert.Nil(t, http.FormatChunk(nil), "FormatChunk(nil) should produce no output")

	end := http.FormatChunkEnd(nil)
	assert.Equal(t, "0\r\n\r\n", string(end))
}

package http_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnot/thor/thor/http"
)

func TestStripHopByHop(t *testing.T) {
	in := []http.Header{
		{Name: "Connection", Value: "close"},
		{Name: "Proxy-Connection", Value: "keep-alive"},
		{Name: "Content-Type", Value: "text/plain"},
	}
	out := http.StripHopByHop(in)
	if assert.Len(t, out, 1) {
		assert.Equal(t, "Content-Type", out[0].Name)
	}
}

func TestIsIdempotent(t *testing.T) {
	for _, m := range []string{"GET", "head", "Put", "DELETE", "OPTIONS", "TRACE"} {
		assert.Truef(t, http.IsIdempotent(m), "%s should be idempotent", m)
	}
	for _, m := range []string{"POST", "PATCH", "CONNECT"} {
		assert.Falsef(t, http.IsIdempotent(m), "%s should not be idempotent", m)
	}
}

func TestGetHeaderSplitsAcrossOccurrences(t *testing.T) {
	headers := []http.Header{
		{Name: "Connection", Value: "close, X-Foo"},
		{Name: "Connection", Value: "X-Bar"},
	}
	got := http.GetHeader(headers, "connection")
	assert.Equal(t, []string{"close", "X-Foo", "X-Bar"}, got)
}

func TestHeaderDictBuildsMapOmittingNames(t *testing.T) {
	headers := []http.Header{
		{Name: "Connection", Value: "close, X-Foo"},
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Multi", Value: "a"},
		{Name: "x-multi", Value: "b, c"},
	}
	got := http.HeaderDict(headers, "connection")
	assert.Equal(t, map[string][]string{
		"content-type": {"text/plain"},
		"x-multi":      {"a", "b", "c"},
	}, got)
}

func TestHeaderNamesDedupsPreservingOrder(t *testing.T) {
	headers := []http.Header{
		{Name: "Host", Value: "a"},
		{Name: "Accept", Value: "b"},
		{Name: "HOST", Value: "c"},
	}
	got := http.HeaderNames(headers)
	assert.Equal(t, []string{"host", "accept"}, got)
}

func TestHeaderValueReturnsFirstOccurrenceRaw(t *testing.T) {
	headers := []http.Header{
		{Name: "X-A", Value: "1, 2"},
		{Name: "x-a", Value: "3"},
	}
	assert.Equal(t, "1, 2", http.HeaderValue(headers, "X-a"))
	assert.Equal(t, "", http.HeaderValue(headers, "missing"))
}

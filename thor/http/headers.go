package http

import "strings"

// Header is one header field as it appeared on the wire, in original
// case. Order and duplicates are preserved; folding leading-whitespace
// continuation lines into the previous value already happened by the
// time a Header reaches user code.
type Header struct {
	Name  string
	Value string
}

// hopByHop lists the header names stripped before a message is
// forwarded, grounded on the original implementation's hop_by_hop_hdrs —
// the RFC 7230 set plus proxy-connection, which the original also
// treats as hop-by-hop even though it is not RFC-registered.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"proxy-connection":    true,
}

// IsHopByHop reports whether name (case-insensitive) is stripped before
// forwarding.
func IsHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}

// StripHopByHop returns headers with every hop-by-hop field removed,
// preserving relative order of the rest.
func StripHopByHop(headers []Header) []Header {
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		if IsHopByHop(h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// idempotentMethods is the retry-eligible method set, grounded on the
// original implementation's idempotent_methods and matching spec's
// resolved Open Question.
var idempotentMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
	"TRACE":   true,
}

// IsIdempotent reports whether method is eligible for automatic retry
// after a recoverable connection failure.
func IsIdempotent(method string) bool {
	return idempotentMethods[strings.ToUpper(method)]
}

// noBodyStatus lists response status codes that never carry a body
// regardless of framing headers present.
var noBodyStatus = map[int]bool{100: true, 101: true, 204: true, 304: true}

// HeaderNames returns the lowercase names present in headers, each once,
// in order of first appearance. Grounded on the original implementation's
// header_names.
func HeaderNames(headers []Header) []string {
	seen := make(map[string]bool, len(headers))
	out := make([]string, 0, len(headers))
	for _, h := range headers {
		n := strings.ToLower(h.Name)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// HeaderDict returns every header present, keyed by lowercased name, with
// each occurrence's value comma-split into tokens (in order). Names
// listed in omit (case-insensitive) are left out of the result. Not safe
// for header values that may legally contain a comma inside a
// quoted-string, matching the original implementation's documented
// caveat. Grounded on the original implementation's header_dict.
func HeaderDict(headers []Header, omit ...string) map[string][]string {
	skip := make(map[string]bool, len(omit))
	for _, n := range omit {
		skip[strings.ToLower(n)] = true
	}
	out := make(map[string][]string)
	for _, h := range headers {
		n := strings.ToLower(h.Name)
		if skip[n] {
			continue
		}
		for _, part := range strings.Split(h.Value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out[n] = append(out[n], part)
			}
		}
	}
	return out
}

// GetHeader returns every comma-separated token from every occurrence of
// name (case-insensitive), in order, or nil if absent. Not safe for
// header values that may legally contain a comma inside a
// quoted-string. Grounded on the original implementation's get_header.
func GetHeader(headers []Header, name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, h := range headers {
		if strings.ToLower(h.Name) != name {
			continue
		}
		for _, part := range strings.Split(h.Value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// HeaderValue returns the raw, un-split value of the first occurrence of
// name (case-insensitive), or "" if absent. Used where a caller wants a
// single header's literal text (e.g. Content-Length, Host) rather than
// get_header's comma-split list.
func HeaderValue(headers []Header, name string) string {
	name = strings.ToLower(name)
	for _, h := range headers {
		if strings.ToLower(h.Name) == name {
			return h.Value
		}
	}
	return ""
}

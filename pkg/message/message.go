// Package message defines the in-memory representation of HTTP/1.1 requests
// and responses shared by the wire, pool, transport, engine, and server
// layers.
package message

import (
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Headers is a case-insensitive multiset of header fields. Keys are always
// stored lowercased; values preserve the casing they arrived with.
type Headers map[string][]string

// NewHeaders returns an empty header set.
func NewHeaders() Headers {
	return make(Headers)
}

// Set replaces any existing values for name with a single value.
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Add appends value to the list already stored under name.
func (h Headers) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

// Get returns the first value stored under name, or "" if absent.
func (h Headers) Get(name string) string {
	values := h[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values returns every value stored under name.
func (h Headers) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Has reports whether name has at least one stored value.
func (h Headers) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Del removes name entirely.
func (h Headers) Del(name string) {
	delete(h, strings.ToLower(name))
}

// canonicalHeaderName upper-cases the first letter of each hyphen-delimited
// segment, leaving the rest of each segment untouched.
func canonicalHeaderName(lower string) string {
	segments := strings.Split(lower, "-")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = strings.ToUpper(seg[:1]) + seg[1:]
	}
	return strings.Join(segments, "-")
}

// Canonical returns the title-cased name used when re-emitting a header on
// the wire (e.g. "content-type" -> "Content-Type").
func Canonical(name string) string {
	return canonicalHeaderName(strings.ToLower(name))
}

// Request is the in-memory representation of a parsed or to-be-serialized
// HTTP/1.1 request. Once handed to a dispatcher or transport it is treated
// as read-only.
type Request struct {
	Method  string
	Target  string // path including query, opaque string, defaults to "/"
	Proto   string // e.g. "HTTP/1.1"
	Headers Headers
	Body    []byte
}

// NewRequest builds a Request with normalized defaults.
func NewRequest(method, target, proto string, headers Headers, body []byte) *Request {
	if target == "" {
		target = "/"
	}
	if headers == nil {
		headers = NewHeaders()
	}
	if body == nil {
		body = []byte{}
	}
	return &Request{Method: strings.ToUpper(method), Target: target, Proto: proto, Headers: headers, Body: body}
}

// SetBody normalizes a nil body to a zero-length slice.
func (r *Request) SetBody(body []byte) {
	if body == nil {
		body = []byte{}
	}
	r.Body = body
}

// Response is the in-memory representation of a parsed or to-be-serialized
// HTTP/1.1 response.
type Response struct {
	StatusLine string // pre-formed status line, if any; otherwise built at serialization time
	StatusCode int
	Reason     string
	Headers    Headers
	Body       []byte
}

// NewResponse builds a Response with normalized defaults.
func NewResponse(statusCode int, reason string, headers Headers, body []byte) *Response {
	if headers == nil {
		headers = NewHeaders()
	}
	if body == nil {
		body = []byte{}
	}
	return &Response{StatusCode: statusCode, Reason: reason, Headers: headers, Body: body}
}

// SetBody normalizes a nil body to a zero-length slice.
func (r *Response) SetBody(body []byte) {
	if body == nil {
		body = []byte{}
	}
	r.Body = body
}

// IsRedirect reports whether the status is 301 or 302.
func (r *Response) IsRedirect() bool {
	return r.StatusCode == 301 || r.StatusCode == 302
}

// IsNotModified reports whether the status is 304.
func (r *Response) IsNotModified() bool {
	return r.StatusCode == 304
}

// BodyAsString decodes the body using the charset parameter of Content-Type
// when present, otherwise UTF-8; it falls back to raw UTF-8 interpretation
// on any lookup or decode failure.
func (r *Response) BodyAsString() string {
	charset := contentTypeCharset(r.Headers.Get("Content-Type"))
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return string(r.Body)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(r.Body)
	}

	decoded, err := enc.NewDecoder().Bytes(r.Body)
	if err != nil {
		return string(r.Body)
	}
	return string(decoded)
}

func contentTypeCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(part)
		const prefix = "charset="
		if len(part) > len(prefix) && strings.EqualFold(part[:len(prefix)], prefix) {
			return strings.Trim(part[len(prefix):], `"' `)
		}
	}
	return ""
}

// Package clientengine implements the client-side policies layered above a
// single exchange: bounded redirect following with POST->GET coercion,
// and conditional GET revalidation against an in-memory response cache.
package clientengine

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rawhttp-dev/rawhttp-core/pkg/clienttransport"
	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
	"github.com/rawhttp-dev/rawhttp-core/pkg/timing"
)

// Config controls two optional behaviors, both on by default but
// independently overridable: FollowRedirects and EnableCache.
// MaxRedirects bounds the redirect chain length regardless.
type Config struct {
	FollowRedirects bool
	EnableCache     bool
	MaxRedirects    int
}

// DefaultConfig turns redirect-following and caching on by default.
func DefaultConfig() Config {
	return Config{
		FollowRedirects: true,
		EnableCache:     true,
		MaxRedirects:    constants.DefaultMaxRedirects,
	}
}

// Result is what the caller of Do gets back: the final response plus
// whether the chain was cut short by hitting MaxRedirects. Too many
// redirects is a successful completion carrying an explicit signal, not
// an error. Timings covers the final exchange of the chain; a response
// served from the revalidation cache keeps the timings of the 304
// exchange that validated it.
type Result struct {
	Response         *message.Response
	Redirects        int
	TooManyRedirects bool
	Timings          timing.Metrics
}

// Engine drives one logical client request across redirects and cache
// lookups using a single clienttransport.Transport for the underlying
// exchanges.
type Engine struct {
	transport *clienttransport.Transport
	config    Config
	cache     *cache
}

// New returns an Engine. A zero-value Config falls back to DefaultConfig
// only for MaxRedirects; FollowRedirects/EnableCache are taken as given so
// callers can explicitly opt out of either.
func New(transport *clienttransport.Transport, config Config) *Engine {
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = constants.DefaultMaxRedirects
	}
	return &Engine{transport: transport, config: config, cache: newCache()}
}

// Do issues method against rawURL, following redirects and applying
// conditional revalidation per the Engine's Config, and returns the final
// Result.
func (e *Engine) Do(method, rawURL string, headers message.Headers, body []byte) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, rawerrors.NewValidationError("invalid URL: " + rawURL)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if u.Path == "" {
		u.Path = "/"
	}

	redirects := 0
	for {
		resp, timings, hitCache, err := e.exchangeOne(method, u, headers, body)
		if err != nil {
			return nil, err
		}

		if method == "GET" && e.config.EnableCache {
			e.updateCache(canonicalURL(u), resp, hitCache)
		}

		if !e.config.FollowRedirects || !resp.IsRedirect() {
			return &Result{Response: resp, Redirects: redirects, Timings: timings}, nil
		}

		location := resp.Headers.Get("Location")
		if location == "" {
			return &Result{Response: resp, Redirects: redirects, Timings: timings}, nil
		}

		if redirects >= e.config.MaxRedirects {
			return &Result{Response: resp, Redirects: redirects, TooManyRedirects: true, Timings: timings}, nil
		}

		nextURL, err := resolveLocation(u, location)
		if err != nil {
			return &Result{Response: resp, Redirects: redirects, Timings: timings}, nil
		}

		// POST on 301/302 is re-issued as GET with no body; GET stays GET.
		if method == "POST" {
			method = "GET"
			body = nil
		}

		redirects++
		u = nextURL
	}
}

// exchangeOne performs one exchange for the given URL, attaching
// conditional-revalidation headers for cacheable GETs first. The raw
// capture buffer is released here; callers only ever see the parsed
// response and the exchange timings.
func (e *Engine) exchangeOne(method string, u *url.URL, headers message.Headers, body []byte) (resp *message.Response, timings timing.Metrics, servedFromCache bool, err error) {
	reqHeaders := cloneHeaders(headers)
	if reqHeaders == nil {
		reqHeaders = message.NewHeaders()
	}

	var cached *CacheEntry
	if method == "GET" && e.config.EnableCache {
		if entry, ok := e.cache.get(canonicalURL(u)); ok {
			cached = entry
			if lm := firstValue(entry.Headers, "Last-Modified"); lm != "" {
				reqHeaders.Set("If-Modified-Since", lm)
			}
			if etag := firstValue(entry.Headers, "ETag"); etag != "" {
				reqHeaders.Set("If-None-Match", etag)
			}
		}
	}

	host, port := hostPort(u)
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	req := message.NewRequest(method, target, "HTTP/1.1", reqHeaders, body)

	result, err := e.transport.Exchange(host, port, req)
	if err != nil {
		return nil, timing.Metrics{}, false, err
	}
	if result.Raw != nil {
		result.Raw.Close()
	}

	if cached != nil && result.IsNotModified() {
		e.cache.merge(canonicalURL(u), map[string][]string(result.Response.Headers))

		merged := message.NewResponse(200, "OK", message.Headers{}, cached.Body)
		entry, _ := e.cache.get(canonicalURL(u))
		for name, values := range entry.Headers {
			merged.Headers[name] = values
		}
		return merged, result.Timings, true, nil
	}

	return result.Response, result.Timings, false, nil
}

// updateCache replaces the cache entry on a successful 200 response. The
// 304-merge path is handled inline in exchangeOne, where the cache entry
// and the fresh validators are both already in hand.
func (e *Engine) updateCache(key string, resp *message.Response, wasCacheHit bool) {
	if resp.StatusCode == 200 && !wasCacheHit {
		e.cache.put(key, resp.Body, map[string][]string(resp.Headers))
	}
}

func firstValue(headers map[string][]string, name string) string {
	values := headers[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func cloneHeaders(h message.Headers) message.Headers {
	if h == nil {
		return nil
	}
	out := message.NewHeaders()
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func hostPort(u *url.URL) (string, int) {
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			return host, 443
		}
		return host, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 80
	}
	return host, port
}

// canonicalURL is the cache key: the full absolute URL, post-redirect
// resolution.
func canonicalURL(u *url.URL) string {
	return u.String()
}

// resolveLocation implements the Location resolution rules: absolute
// URLs pass through verbatim; "//host/path" inherits the current scheme;
// "/path" resolves against the current origin; anything else resolves
// against the directory of the current request path.
func resolveLocation(current *url.URL, location string) (*url.URL, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return url.Parse(location)
	}
	if strings.HasPrefix(location, "//") {
		return url.Parse(current.Scheme + ":" + location)
	}
	if strings.HasPrefix(location, "/") {
		next := *current
		next.Path = location
		next.RawQuery = ""
		if idx := strings.IndexByte(location, '?'); idx >= 0 {
			next.Path = location[:idx]
			next.RawQuery = location[idx+1:]
		}
		return &next, nil
	}

	dir := current.Path
	if idx := strings.LastIndexByte(dir, '/'); idx >= 0 {
		dir = dir[:idx+1]
	} else {
		dir = "/"
	}
	next := *current
	next.Path = dir + location
	next.RawQuery = ""
	if idx := strings.IndexByte(location, '?'); idx >= 0 {
		next.Path = dir + location[:idx]
		next.RawQuery = location[idx+1:]
	}
	return &next, nil
}

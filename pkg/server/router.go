package server

import (
	"strings"

	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
)

// StaticResolver is the opaque static-resource collaborator: the router
// consumes only the (relative-path, Request) -> Response contract. A
// concrete implementation (file-system handler, embedded assets, ...)
// lives outside this package; the router doesn't know or care which.
type StaticResolver interface {
	Resolve(relPath string, req *message.Request) *message.Response
}

// Router is an explicit (method, path) lookup table plus one path-prefix
// subtree delegating to a StaticResolver.
type Router struct {
	routes map[string]Dispatcher

	staticPrefix string
	static       StaticResolver

	notFound Dispatcher
}

// NewRouter returns an empty Router. Unmatched requests get a plain 404
// unless NotFound overrides that.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Dispatcher)}
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Handle registers h for exact (method, path) matches.
func (rt *Router) Handle(method, path string, h Dispatcher) {
	rt.routes[routeKey(method, path)] = h
}

// Static registers resolver to serve any request whose path starts with
// prefix; the portion of the path after prefix is passed to Resolve as
// relPath. Only one static subtree is supported.
func (rt *Router) Static(prefix string, resolver StaticResolver) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	rt.staticPrefix = prefix
	rt.static = resolver
}

// NotFound overrides the default 404 response for unmatched requests.
func (rt *Router) NotFound(h Dispatcher) {
	rt.notFound = h
}

// Dispatch is a Dispatcher: it implements exact-match-then-static-prefix
// resolution and is what callers pass to server.New.
func (rt *Router) Dispatch(req *message.Request) (*message.Response, error) {
	path := req.Target
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	if h, ok := rt.routes[routeKey(req.Method, path)]; ok {
		return h(req)
	}

	if rt.static != nil && strings.HasPrefix(path, rt.staticPrefix) {
		relPath := strings.TrimPrefix(path, rt.staticPrefix)
		return rt.static.Resolve(relPath, req), nil
	}

	if rt.notFound != nil {
		return rt.notFound(req)
	}
	return defaultNotFound(), nil
}

func defaultNotFound() *message.Response {
	headers := message.NewHeaders()
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	return message.NewResponse(404, "Not Found", headers, []byte("Not Found"))
}

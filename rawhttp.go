// Package rawhttp wires together the HTTP/1.1 client and server built
// directly on blocking stream sockets: request/response parsing and
// serialization, a per-origin connection pool, a client engine with
// redirect-following and conditional-revalidation caching, and a
// keep-alive server loop dispatching to an application hook.
package rawhttp

import (
	"github.com/rawhttp-dev/rawhttp-core/pkg/clientengine"
	"github.com/rawhttp-dev/rawhttp-core/pkg/clienttransport"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/pool"
	"github.com/rawhttp-dev/rawhttp-core/pkg/server"
)

// Version is the current version of this module.
const Version = "1.0.0"

// Re-export the core types so callers depend on one package for the
// common surface.
type (
	// Request is the in-memory representation of an HTTP/1.1 request.
	Request = message.Request

	// Response is the in-memory representation of an HTTP/1.1 response.
	Response = message.Response

	// Headers is the case-insensitive header multiset shared by Request
	// and Response.
	Headers = message.Headers

	// PoolConfig controls connection-pool sizing and timeouts.
	PoolConfig = pool.Config

	// ClientEngineConfig controls redirect-following and caching.
	ClientEngineConfig = clientengine.Config

	// ClientResult is what a client Do() call returns: the final
	// response plus redirect bookkeeping.
	ClientResult = clientengine.Result

	// ServerConfig controls the accept loop and per-connection behavior.
	ServerConfig = server.Config

	// Dispatcher is the server's application hook: (Request) -> Response.
	Dispatcher = server.Dispatcher

	// StaticResolver is the opaque static-resource collaborator contract
	// consumed by server.Router.
	StaticResolver = server.StaticResolver

	// Router maps (method, path) to handlers, with one static-prefix
	// subtree delegated to a StaticResolver.
	Router = server.Router
)

// NewRequest builds a Request with normalized defaults (see message.NewRequest).
func NewRequest(method, target, proto string, headers Headers, body []byte) *Request {
	return message.NewRequest(method, target, proto, headers, body)
}

// NewResponse builds a Response with normalized defaults (see message.NewResponse).
func NewResponse(statusCode int, reason string, headers Headers, body []byte) *Response {
	return message.NewResponse(statusCode, reason, headers, body)
}

// NewHeaders returns an empty Headers set.
func NewHeaders() Headers {
	return message.NewHeaders()
}

// NewRouter returns an empty Router for building a Dispatcher out of an
// explicit (method, path) table plus one static-resource subtree.
func NewRouter() *Router {
	return server.NewRouter()
}

// Client is a high-level HTTP/1.1 client: a pooled transport plus the
// redirect-following/conditional-revalidation engine from pkg/clientengine.
type Client struct {
	pool      *pool.Pool
	transport *clienttransport.Transport
	engine    *clientengine.Engine
}

// NewClient returns a Client using the given pool and client-engine
// configs. Zero-value pool fields fall back to their package defaults; of
// the engine config only MaxRedirects does, while FollowRedirects and
// EnableCache are used as given.
func NewClient(poolConfig PoolConfig, engineConfig ClientEngineConfig) *Client {
	p := pool.New(poolConfig)
	tr := clienttransport.New(p, clienttransport.Config{})
	return &Client{
		pool:      p,
		transport: tr,
		engine:    clientengine.New(tr, engineConfig),
	}
}

// DefaultClient returns a Client with every default from pkg/pool and
// pkg/clientengine (bounded pool, 5-redirect cap, cache on).
func DefaultClient() *Client {
	return NewClient(pool.DefaultConfig(), clientengine.DefaultConfig())
}

// Do issues method against rawURL, following redirects and applying
// conditional revalidation per the Client's configuration.
func (c *Client) Do(method, rawURL string, headers Headers, body []byte) (*ClientResult, error) {
	return c.engine.Do(method, rawURL, headers, body)
}

// Get is a convenience wrapper over Do for a bodiless GET.
func (c *Client) Get(rawURL string, headers Headers) (*ClientResult, error) {
	return c.Do("GET", rawURL, headers, nil)
}

// PoolIdleCount reports how many idle connections the Client currently
// holds for (host, port).
func (c *Client) PoolIdleCount(host string, port int) int {
	return c.pool.IdleCount(host, port)
}

// Close shuts down the Client's connection pool, closing every idle
// connection across every origin.
func (c *Client) Close() {
	c.pool.Shutdown()
}

// NewServer returns a server that accepts TCP connections and serves
// sequential HTTP/1.1 exchanges, dispatching each request to dispatch.
func NewServer(config ServerConfig, dispatch Dispatcher) *server.Server {
	return server.New(config, dispatch)
}

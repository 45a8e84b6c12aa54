// Package server implements an accept loop over a bounded worker pool, and
// a per-connection keep-alive request loop that parses one request,
// dispatches it to the application hook, and writes the response via
// pkg/wire.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
	"github.com/rawhttp-dev/rawhttp-core/pkg/wire"
)

// Dispatcher is the application hook: a pure function that turns a parsed
// Request into a Response. The server normalizes Connection and
// Content-Length/framing headers on whatever the dispatcher returns.
type Dispatcher func(*message.Request) (*message.Response, error)

// Config controls accept-loop and per-connection behavior. Field names
// mirror the server's configuration knobs.
type Config struct {
	// Addr is the TCP address to bind, e.g. ":8080".
	Addr string

	// WorkerCount bounds how many connections are served concurrently.
	// Default: max(2, 2*runtime.GOMAXPROCS(0)).
	WorkerCount int

	// IdleTimeout is the per-connection idle read timeout. Default 30s.
	IdleTimeout time.Duration

	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// connections to finish before giving up. Default 5s.
	ShutdownGrace time.Duration

	// Logger receives out-of-band dispatcher-failure logs. Defaults to
	// log.Default().
	Logger *log.Logger
}

// DefaultConfig returns the package's default configuration.
func DefaultConfig() Config {
	workers := 2 * runtime.GOMAXPROCS(0)
	if workers < constants.MinWorkerCount {
		workers = constants.MinWorkerCount
	}
	return Config{
		Addr:          ":" + strconv.Itoa(constants.DefaultServerPort),
		WorkerCount:   workers,
		IdleTimeout:   constants.DefaultIdleTimeout,
		ShutdownGrace: constants.DefaultShutdownGrace,
	}
}

// Server accepts TCP connections and serves sequential HTTP/1.1 exchanges
// on each.
type Server struct {
	config     Config
	dispatch   Dispatcher
	sem        *semaphore.Weighted
	listener   net.Listener
	listenerMu sync.Mutex

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a Server that invokes dispatch for every parsed request. A
// zero-value Config field falls back to its DefaultConfig() counterpart.
func New(config Config, dispatch Dispatcher) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = def.ShutdownGrace
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Server{
		config:   config,
		dispatch: dispatch,
		sem:      semaphore.NewWeighted(int64(config.WorkerCount)),
	}
}

// ListenAndServe binds config.Addr and serves until the listener is closed.
// If the requested port is the default and it is already occupied, it
// falls back to an ephemeral port on the same host.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil && usesDefaultPort(s.config.Addr) {
		host, _, splitErr := net.SplitHostPort(s.config.Addr)
		if splitErr == nil {
			ln, err = net.Listen("tcp", host+":0")
		}
	}
	if err != nil {
		return rawerrors.NewIOError("listening on "+s.config.Addr, err)
	}
	return s.Serve(ln)
}

func usesDefaultPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == strconv.Itoa(constants.DefaultServerPort)
}

// Addr returns the address the listener is bound to, valid after Serve (or
// ListenAndServe) has started accepting.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on l, dispatching each to a worker bounded by
// Config.WorkerCount, until l is closed (via Shutdown or externally).
func (s *Server) Serve(l net.Listener) error {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return rawerrors.NewIOError("accepting connection", err)
		}

		s.wg.Add(1)
		go s.serveWorker(conn)
	}
}

// serveWorker blocks on the worker-pool semaphore before serving conn, so
// at most Config.WorkerCount connections are processed concurrently at any
// moment; excess accepted connections simply wait their turn.
func (s *Server) serveWorker(conn net.Conn) {
	defer s.wg.Done()

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		conn.Close()
		return
	}
	defer s.sem.Release(1)

	s.handleConnection(conn)
}

// handleConnection runs the per-connection loop: set an
// idle read deadline, parse one request, dispatch it, write the response,
// and loop while keep-alive holds.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	parser := wire.NewParser(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return
		}

		req, err := parser.ParseRequest()
		if err != nil {
			// Parse failure (including idle timeout) ends the session
			// silently.
			return
		}

		if req.Target == "" {
			req.Target = "/"
		}

		resp := s.dispatchSafely(req)

		keepAlive := decideKeepAlive(req, resp)

		if err := wire.WriteResponse(conn, resp, keepAlive); err != nil {
			return
		}

		if !keepAlive {
			return
		}
	}
}

// dispatchSafely invokes the application dispatcher, converting a returned
// error into a canned 500 response after logging it out-of-band, and
// recovering a panicking handler the same way.
func (s *Server) dispatchSafely(req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Printf("dispatch panic for %s %s: %v", req.Method, req.Target, r)
			resp = internalServerError()
		}
	}()

	out, err := s.dispatch(req)
	if err != nil {
		s.config.Logger.Printf("dispatch error for %s %s: %v", req.Method, req.Target, rawerrors.NewDispatchError(err))
		return internalServerError()
	}
	if out == nil {
		return internalServerError()
	}
	return out
}

func internalServerError() *message.Response {
	body := []byte("Internal Server Error")
	headers := message.NewHeaders()
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	return message.NewResponse(500, "Internal Server Error", headers, body)
}

// decideKeepAlive implements the keep-alive decision: an explicit Connection
// header from the handler wins; otherwise a request Connection: close
// closes, and failing that the decision defaults by the request's protocol
// version (HTTP/1.0 keeps only with Connection: keep-alive).
func decideKeepAlive(req *message.Request, resp *message.Response) bool {
	if conn := resp.Headers.Get("Connection"); conn != "" {
		return !hasToken(conn, "close")
	}
	if hasToken(req.Headers.Get("Connection"), "close") {
		return false
	}
	if req.Proto == "HTTP/1.0" {
		return hasToken(req.Headers.Get("Connection"), "keep-alive")
	}
	return true
}

// hasToken reports whether comma-separated header value v contains token,
// case-insensitively.
func hasToken(v, token string) bool {
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Shutdown closes the listener, then waits up to Config.ShutdownGrace for
// in-flight connections to finish before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.listenerMu.Lock()
		l := s.listener
		s.listenerMu.Unlock()
		if l != nil {
			closeErr = l.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		return closeErr
	case <-timer.C:
		return rawerrors.NewTimeoutError("shutdown grace period", s.config.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

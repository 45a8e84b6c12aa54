// Package integration exercises the full client+server stack end to end
// against a real loopback listener, not mocked sockets.
package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	rawhttp "github.com/rawhttp-dev/rawhttp-core"
	"github.com/rawhttp-dev/rawhttp-core/pkg/pool"
	"github.com/rawhttp-dev/rawhttp-core/pkg/server"
)

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPerm(err) {
			t.Skip("network sockets not permitted in sandbox")
		}
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func isPerm(err error) bool {
	if err == nil {
		return false
	}
	if op, ok := err.(*net.OpError); ok {
		if se, ok := op.Err.(*os.SyscallError); ok && se.Err == syscall.EPERM {
			return true
		}
		if strings.Contains(op.Err.Error(), "operation not permitted") {
			return true
		}
	}
	return strings.Contains(err.Error(), "operation not permitted")
}

func startServer(t *testing.T, dispatch rawhttp.Dispatcher) (net.Listener, *server.Server) {
	t.Helper()
	ln := listenTCP(t)
	srv := server.New(server.Config{IdleTimeout: 2 * time.Second}, dispatch)
	go srv.Serve(ln)
	return ln, srv
}

func addrHostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// shutdown is a best-effort test cleanup: bound by a short grace period so
// a hung connection never makes a test leak past its own run.
func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// TestStaticGETWithKeepAlive issues a keep-alive GET against a static
// route and expects the pool to hold exactly one idle connection
// afterward.
func TestStaticGETWithKeepAlive(t *testing.T) {
	rt := rawhttp.NewRouter()
	rt.Handle("GET", "/static/index.html", func(*rawhttp.Request) (*rawhttp.Response, error) {
		headers := rawhttp.NewHeaders()
		headers.Set("Content-Type", "text/html")
		return rawhttp.NewResponse(200, "OK", headers, []byte("<html>hi</html>")), nil
	})

	ln, srv := startServer(t, rt.Dispatch)
	defer shutdown(srv)
	defer ln.Close()

	host, port := addrHostPort(t, ln)

	client := rawhttp.NewClient(pool.DefaultConfig(), rawhttp.ClientEngineConfig{MaxRedirects: 5})
	defer client.Close()

	url := fmt.Sprintf("http://%s:%d/static/index.html", host, port)
	result, err := client.Get(url, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if result.Response.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", result.Response.StatusCode)
	}
	if string(result.Response.Body) != "<html>hi</html>" {
		t.Fatalf("Body = %q", result.Response.Body)
	}
	if got := client.PoolIdleCount(host, port); got != 1 {
		t.Errorf("PoolIdleCount() = %d, want 1 after a keep-alive exchange", got)
	}
}

// TestChunkedResponseBodyReassembled expects a chunked server response to
// arrive at the client as one contiguous body.
func TestChunkedResponseBodyReassembled(t *testing.T) {
	rt := rawhttp.NewRouter()
	rt.Handle("GET", "/stream", func(*rawhttp.Request) (*rawhttp.Response, error) {
		headers := rawhttp.NewHeaders()
		headers.Set("Transfer-Encoding", "chunked")
		return rawhttp.NewResponse(200, "OK", headers, []byte("hello, world")), nil
	})

	ln, srv := startServer(t, rt.Dispatch)
	defer shutdown(srv)
	defer ln.Close()

	host, port := addrHostPort(t, ln)
	client := rawhttp.DefaultClient()
	defer client.Close()

	result, err := client.Get(fmt.Sprintf("http://%s:%d/stream", host, port), nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(result.Response.Body) != "hello, world" {
		t.Errorf("Body = %q, want the reassembled chunk payloads", result.Response.Body)
	}
	if len(result.Response.Body) != 12 {
		t.Errorf("len(Body) = %d, want 12", len(result.Response.Body))
	}
}

// TestRedirectGETFollowsOnce expects a 302 to a second route on the same
// origin to be followed transparently.
func TestRedirectGETFollowsOnce(t *testing.T) {
	rt := rawhttp.NewRouter()
	rt.Handle("GET", "/", func(*rawhttp.Request) (*rawhttp.Response, error) {
		headers := rawhttp.NewHeaders()
		headers.Set("Location", "/static/index.html")
		return rawhttp.NewResponse(302, "Found", headers, nil), nil
	})
	rt.Handle("GET", "/static/index.html", func(*rawhttp.Request) (*rawhttp.Response, error) {
		return rawhttp.NewResponse(200, "OK", nil, []byte("final")), nil
	})

	ln, srv := startServer(t, rt.Dispatch)
	defer shutdown(srv)
	defer ln.Close()

	host, port := addrHostPort(t, ln)
	client := rawhttp.DefaultClient()
	defer client.Close()

	result, err := client.Get(fmt.Sprintf("http://%s:%d/", host, port), nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if result.Redirects != 1 {
		t.Errorf("Redirects = %d, want 1", result.Redirects)
	}
	if string(result.Response.Body) != "final" {
		t.Errorf("Body = %q, want %q", result.Response.Body, "final")
	}
}

// TestConditionalRevalidation expects a second GET for the same URL to
// carry If-Modified-Since and to get a cached 200 back when the server
// answers 304.
func TestConditionalRevalidation(t *testing.T) {
	const lastModified = "Wed, 21 Oct 2020 07:28:00 GMT"
	hits := 0

	rt := rawhttp.NewRouter()
	rt.Handle("GET", "/static/test.txt", func(req *rawhttp.Request) (*rawhttp.Response, error) {
		hits++
		if req.Headers.Get("If-Modified-Since") == lastModified {
			return rawhttp.NewResponse(304, "Not Modified", nil, nil), nil
		}
		headers := rawhttp.NewHeaders()
		headers.Set("Last-Modified", lastModified)
		return rawhttp.NewResponse(200, "OK", headers, []byte("file contents")), nil
	})

	ln, srv := startServer(t, rt.Dispatch)
	defer shutdown(srv)
	defer ln.Close()

	host, port := addrHostPort(t, ln)
	client := rawhttp.DefaultClient()
	defer client.Close()

	url := fmt.Sprintf("http://%s:%d/static/test.txt", host, port)

	first, err := client.Get(url, nil)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	if first.Response.StatusCode != 200 {
		t.Fatalf("first StatusCode = %d, want 200", first.Response.StatusCode)
	}

	second, err := client.Get(url, nil)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if second.Response.StatusCode != 200 {
		t.Fatalf("second StatusCode = %d, want cached 200", second.Response.StatusCode)
	}
	if string(second.Response.Body) != "file contents" {
		t.Errorf("cached Body = %q, want %q", second.Response.Body, "file contents")
	}
	if hits != 2 {
		t.Fatalf("expected exactly 2 server hits (200 then 304), got %d", hits)
	}
}

// TestRedirectLoopStopsAtLimit expects a self-redirecting route to stop
// the chain at the redirect cap instead of looping forever.
func TestRedirectLoopStopsAtLimit(t *testing.T) {
	rt := rawhttp.NewRouter()
	rt.Handle("GET", "/a", func(*rawhttp.Request) (*rawhttp.Response, error) {
		headers := rawhttp.NewHeaders()
		headers.Set("Location", "/a")
		return rawhttp.NewResponse(302, "Found", headers, nil), nil
	})

	ln, srv := startServer(t, rt.Dispatch)
	defer shutdown(srv)
	defer ln.Close()

	host, port := addrHostPort(t, ln)
	client := rawhttp.DefaultClient()
	defer client.Close()

	result, err := client.Get(fmt.Sprintf("http://%s:%d/a", host, port), nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !result.TooManyRedirects {
		t.Error("expected TooManyRedirects after a self-redirecting loop")
	}
	if result.Redirects != 5 {
		t.Errorf("Redirects = %d, want 5", result.Redirects)
	}
}

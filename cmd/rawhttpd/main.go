// Command rawhttpd is a small demo binary wiring pkg/server to a static
// file handler, a form-POST JSON route, and a plain-text health route.
package main

import (
	"context"
	"flag"
	"log"
	"mime"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/server"
)

func main() {
	addr := flag.String("addr", ":8080", "address to bind")
	root := flag.String("root", ".", "static file root directory")
	flag.Parse()

	router := server.NewRouter()
	router.Static("/static", &fileResolver{root: *root})
	router.Handle("POST", "/user/register", handleRegister)
	router.Handle("GET", "/healthz", handleHealthz)

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	cfg.Logger = log.Default()

	srv := server.New(cfg, router.Dispatch)

	go func() {
		log.Printf("rawhttpd listening on %s, serving %s under /static", *addr, *root)
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// handleRegister answers a form POST with a small hand-built JSON body
// (no JSON library needed for a one-field body).
func handleRegister(req *message.Request) (*message.Response, error) {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil || values.Get("username") == "" {
		headers := message.NewHeaders()
		headers.Set("Content-Type", "application/json; charset=utf-8")
		return message.NewResponse(400, "Bad Request", headers, []byte(`{"msg":"invalid form"}`)), nil
	}

	headers := message.NewHeaders()
	headers.Set("Content-Type", "application/json; charset=utf-8")
	return message.NewResponse(200, "OK", headers, []byte(`{"msg":"注册成功"}`)), nil
}

func handleHealthz(*message.Request) (*message.Response, error) {
	headers := message.NewHeaders()
	headers.Set("Content-Type", "text/plain")
	return message.NewResponse(200, "OK", headers, []byte("ok")), nil
}

// httpTimeFormat is the RFC 9110 date layout; HTTP dates are always GMT.
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// fileResolver implements server.StaticResolver: 404 when the file isn't
// found, 304 when the file's last-modified second is not after
// If-Modified-Since, 200 with Content-Type and Last-Modified otherwise.
type fileResolver struct {
	root string
}

func (f *fileResolver) Resolve(relPath string, req *message.Request) *message.Response {
	if relPath == "" {
		relPath = "index.html"
	}

	cleanPath := filepath.Clean("/" + relPath)
	fullPath := filepath.Join(f.root, cleanPath)

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		return notFound()
	}

	lastModified := info.ModTime().UTC().Truncate(time.Second)

	if ims := req.Headers.Get("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(httpTimeFormat, ims); err == nil && !lastModified.After(t) {
			return message.NewResponse(304, "Not Modified", message.NewHeaders(), nil)
		}
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return notFound()
	}

	headers := message.NewHeaders()
	headers.Set("Content-Type", contentType(fullPath))
	headers.Set("Last-Modified", lastModified.Format(httpTimeFormat))
	return message.NewResponse(200, "OK", headers, data)
}

func notFound() *message.Response {
	headers := message.NewHeaders()
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	return message.NewResponse(404, "Not Found", headers, []byte("404 Not Found"))
}

func contentType(path string) string {
	ext := filepath.Ext(path)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

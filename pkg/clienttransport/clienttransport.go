// Package clienttransport implements the single-exchange client
// primitive: acquire a pooled connection, write one request, read one
// response, and decide whether the connection goes back to the pool or
// gets closed.
package clienttransport

import (
	"bufio"
	"net"
	"strings"

	"github.com/rawhttp-dev/rawhttp-core/pkg/buffer"
	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/pool"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
	"github.com/rawhttp-dev/rawhttp-core/pkg/timing"
	"github.com/rawhttp-dev/rawhttp-core/pkg/wire"
)

// Config controls exchange behavior for a single Transport.
type Config struct {
	// BodyMemLimit bounds how much of the raw exchange is kept in memory
	// before Raw spills to a temp file (see pkg/buffer).
	BodyMemLimit int64
}

// Response wraps the parsed message.Response with exchange diagnostics:
// the raw bytes captured off the wire (spillable past a memory limit) and
// per-phase timing.
type Response struct {
	*message.Response
	Raw              *buffer.Buffer
	Timings          timing.Metrics
	ConnectionReused bool
}

// Transport performs single exchanges against a shared connection Pool.
type Transport struct {
	pool   *pool.Pool
	config Config
}

// New returns a Transport backed by the given pool.
func New(p *pool.Pool, config Config) *Transport {
	if config.BodyMemLimit <= 0 {
		config.BodyMemLimit = buffer.DefaultMemoryLimit
	}
	return &Transport{pool: p, config: config}
}

// teeConn wraps a net.Conn so every byte read also lands in raw, letting
// the parser and the diagnostic capture share one pass over the stream.
type teeConn struct {
	net.Conn
	raw *buffer.Buffer
}

func (t *teeConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	// The capture is diagnostic only; past the cap the exchange proceeds
	// without it rather than spooling without bound.
	if n > 0 && t.raw.Size() < constants.MaxRawBufferSize {
		t.raw.Write(p[:n])
	}
	return n, err
}

// Exchange performs one request/response exchange: acquire a connection
// for (host, port), write the request, parse the response, and return the
// connection to the pool unless the response (or the exchange itself)
// demands it be closed.
func (t *Transport) Exchange(host string, port int, req *message.Request) (*Response, error) {
	timer := timing.NewTimer()

	conn, info, err := t.pool.Acquire(host, port)
	if err != nil {
		return nil, err
	}
	timer.SetConnect(info.DialTime)

	raw := buffer.New(t.config.BodyMemLimit)
	tc := &teeConn{Conn: conn, raw: raw}

	if err := wire.WriteRequest(tc, req, host, port); err != nil {
		raw.Close()
		t.pool.Close(host, port, conn)
		return nil, rawerrors.NewIOError("writing request", err)
	}

	timer.StartTTFB()
	br := bufio.NewReader(tc)
	// TTFB ends at the first response byte; a failed peek surfaces again
	// from ParseResponse below.
	br.Peek(1)
	timer.EndTTFB()
	parser := wire.NewParser(br)
	parsedResp, err := parser.ParseResponse(req.Method, false)
	if err != nil {
		raw.Close()
		// A socket read timeout aborts the exchange; the connection is
		// never returned to the pool.
		t.pool.Close(host, port, conn)
		return nil, err
	}

	closeAfter := closeRequested(parsedResp)

	resp := &Response{
		Response:         parsedResp,
		Raw:              raw,
		Timings:          timer.Metrics(),
		ConnectionReused: info.Reused,
	}

	if closeAfter {
		t.pool.Close(host, port, conn)
	} else {
		t.pool.Release(host, port, conn, false)
	}

	return resp, nil
}

func closeRequested(resp *message.Response) bool {
	return strings.Contains(strings.ToLower(resp.Headers.Get("Connection")), "close")
}

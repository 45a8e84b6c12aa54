// Package wire implements the HTTP/1.1 byte-stream <-> message.Request /
// message.Response boundary: parsing (this file) and serialization
// (writer.go).
package wire

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
)

// Parser reads HTTP/1.1 messages off a byte stream. A Parser wraps a single
// *bufio.Reader for the lifetime of a connection: because body reads and
// header reads share the same buffered reader, any bytes the header scan
// reads past the \r\n\r\n boundary are retained in the reader's internal
// buffer and naturally prefix the body read that follows, as long as the
// same *bufio.Reader instance is reused for both.
type Parser struct {
	br *bufio.Reader
}

// NewParser returns a Parser reading from r. If r is already a *bufio.Reader
// it is reused as-is so a keep-alive loop shares one buffer across requests.
func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{br: br}
	}
	return &Parser{br: bufio.NewReader(r)}
}

// ParseRequest reads one HTTP/1.1 request: request-line, headers, and body.
func (p *Parser) ParseRequest() (*message.Request, error) {
	startLine, headers, err := p.readHeaderSection()
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 3 {
		return nil, rawerrors.NewProtocolError("malformed request line: "+startLine, nil)
	}

	req := message.NewRequest(parts[0], parts[1], parts[2], headers, nil)

	body, err := p.readRequestBody(headers)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// ParseResponse reads one HTTP/1.1 response for an exchange initiated with
// the given request method. method drives the "no body" rule for HEAD
// responses; closeAfter reports whether the caller should read until EOF
// when neither chunked nor Content-Length framing is present (client-only).
func (p *Parser) ParseResponse(method string, closeAfter bool) (*message.Response, error) {
	startLine, headers, err := p.readHeaderSection()
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(startLine, " ", 3)
	resp := &message.Response{StatusLine: startLine, Headers: headers}
	if len(parts) >= 2 {
		code, convErr := strconv.Atoi(parts[1])
		if convErr == nil {
			resp.StatusCode = code
		}
	}
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}

	// The caller's closeAfter hint (typically driven by what the client
	// itself sent) is OR'd with what the response headers actually say,
	// since close-delimited framing is keyed off the response's own
	// Connection: close, which is only known once headers are parsed.
	body, err := p.readResponseBody(method, resp.StatusCode, headers, closeAfter || isConnectionClose(headers))
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

func isConnectionClose(headers message.Headers) bool {
	return strings.Contains(strings.ToLower(headers.Get("Connection")), "close")
}

// readHeaderSection accumulates bytes until \r\n\r\n, returning the
// start-line and the parsed, lowercase-keyed header multiset.
func (p *Parser) readHeaderSection() (string, message.Headers, error) {
	startLine, err := p.readLine()
	if err != nil {
		return "", nil, rawerrors.NewProtocolError("reading start line", err)
	}

	headers := message.NewHeaders()
	total := len(startLine)
	var lastKey string

	for {
		line, err := p.readRawLine()
		if err != nil {
			return "", nil, rawerrors.NewProtocolError("reading headers", err)
		}

		total += len(line)
		if total > constants.MaxHeaderBytes {
			return "", nil, rawerrors.NewProtocolError("headers exceed maximum size", nil)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		// RFC 7230 §3.2.4 header continuation.
		if (strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")) && lastKey != "" {
			values := headers[lastKey]
			if n := len(values); n > 0 {
				values[n-1] = values[n-1] + " " + strings.TrimSpace(trimmed)
			}
			continue
		}

		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			// A header line without ':' is dropped.
			continue
		}

		name := strings.TrimSpace(trimmed[:idx])
		value := strings.TrimSpace(trimmed[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}

		lastKey = strings.ToLower(name)
		headers.Add(lastKey, value)
	}

	return startLine, headers, nil
}

// readLine reads the start-line, stripping the trailing CRLF/LF.
func (p *Parser) readLine() (string, error) {
	line, err := p.readRawLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *Parser) readRawLine() (string, error) {
	return p.br.ReadString('\n')
}

// readRequestBody determines body framing in priority order: chunked, then
// Content-Length, then no body.
func (p *Parser) readRequestBody(headers message.Headers) ([]byte, error) {
	if isChunked(headers) {
		return p.readChunked(headers)
	}
	if n, ok, err := contentLength(headers); err != nil {
		return nil, err
	} else if ok {
		return p.readFixed(n)
	}
	return []byte{}, nil
}

// readResponseBody implements the client-side body framing decision,
// including the 1xx/204/304/HEAD no-body carve-out.
func (p *Parser) readResponseBody(method string, statusCode int, headers message.Headers, closeAfter bool) ([]byte, error) {
	if method == "HEAD" || (statusCode >= 100 && statusCode < 200) || statusCode == 204 || statusCode == 304 {
		return []byte{}, nil
	}

	if isChunked(headers) {
		return p.readChunked(headers)
	}
	if n, ok, err := contentLength(headers); err != nil {
		return nil, err
	} else if ok {
		return p.readFixed(n)
	}
	if closeAfter {
		return p.readUntilClose()
	}
	return []byte{}, nil
}

func isChunked(headers message.Headers) bool {
	return strings.Contains(strings.ToLower(headers.Get("Transfer-Encoding")), "chunked")
}

func contentLength(headers message.Headers) (int64, bool, error) {
	raw := headers.Get("Content-Length")
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, false, rawerrors.NewProtocolError("invalid content-length", err)
	}
	if n > constants.MaxContentLength {
		return 0, false, rawerrors.NewProtocolError("content-length exceeds maximum", nil)
	}
	return n, true, nil
}

// readChunked decodes chunked transfer encoding: a hex
// length line (ignoring any ";" chunk-extension), that many payload bytes, a
// trailing CRLF, repeated until a zero-length chunk; trailer lines are
// consumed and discarded up to the terminating blank line.
func (p *Parser) readChunked(headers message.Headers) ([]byte, error) {
	var out []byte
	for {
		line, err := p.readRawLine()
		if err != nil {
			return nil, rawerrors.NewProtocolError("reading chunk size", err)
		}
		line = strings.TrimRight(line, "\r\n")

		sizeStr := line
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			sizeStr = line[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return nil, rawerrors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			break
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(p.br, buf); err != nil {
			return nil, rawerrors.NewProtocolError("premature EOF inside chunk", err)
		}
		out = append(out, buf...)

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(p.br, crlf); err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
			return nil, rawerrors.NewProtocolError("missing chunk CRLF", err)
		}
	}

	// Trailers, discarded until the blank line.
	for {
		line, err := p.readRawLine()
		if err != nil {
			return nil, rawerrors.NewProtocolError("reading chunk trailer", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
	}

	return out, nil
}

// readFixed reads exactly n bytes; running out before n is a parse failure.
func (p *Parser) readFixed(n int64) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.br, buf); err != nil {
		return nil, rawerrors.NewProtocolError("fewer bytes than content-length", err)
	}
	return buf, nil
}

func (p *Parser) readUntilClose() ([]byte, error) {
	data, err := io.ReadAll(p.br)
	if err != nil && err != io.EOF {
		return nil, rawerrors.NewIOError("reading until close", err)
	}
	return data, nil
}

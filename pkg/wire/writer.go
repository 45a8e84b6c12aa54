package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/message"
)

// WriteResponse serializes resp to w: status line, canonical-cased
// headers, an injected Connection header (only if the handler didn't
// already set one), chunked or Content-Length body framing, and a flush
// after headers and after the body.
func WriteResponse(w io.Writer, resp *message.Response, keepAlive bool) error {
	bw := bufio.NewWriter(w)

	statusLine := resp.StatusLine
	if statusLine == "" {
		statusLine = fmt.Sprintf("HTTP/1.1 %d %s", resp.StatusCode, resp.Reason)
	}
	if _, err := bw.WriteString(statusLine + "\r\n"); err != nil {
		return err
	}

	headers := resp.Headers
	if headers == nil {
		headers = message.NewHeaders()
	}

	if !headers.Has("Connection") {
		if keepAlive {
			headers.Set("Connection", "keep-alive")
		} else {
			headers.Set("Connection", "close")
		}
	}

	chunked := isChunked(headers)
	if !chunked && !headers.Has("Content-Length") {
		headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	if err := writeHeaders(bw, headers); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if chunked {
		if err := writeChunkedBody(bw, resp.Body); err != nil {
			return err
		}
	} else {
		if _, err := bw.Write(resp.Body); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// WriteRequest serializes req to w, injecting a Host header carrying
// host[:port] (port omitted when it is the scheme default, 80).
func WriteRequest(w io.Writer, req *message.Request, host string, port int) error {
	bw := bufio.NewWriter(w)

	proto := req.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	if _, err := bw.WriteString(fmt.Sprintf("%s %s %s\r\n", req.Method, req.Target, proto)); err != nil {
		return err
	}

	headers := req.Headers
	if headers == nil {
		headers = message.NewHeaders()
	}

	if !headers.Has("Host") {
		hostHeader := host
		if port != 80 {
			hostHeader = fmt.Sprintf("%s:%d", host, port)
		}
		headers.Set("Host", hostHeader)
	}

	if !headers.Has("Content-Length") && !isChunked(headers) && len(req.Body) > 0 {
		headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}

	if err := writeHeaders(bw, headers); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := bw.Write(req.Body); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeHeaders(bw *bufio.Writer, headers message.Headers) error {
	for name, values := range headers {
		canonical := message.Canonical(name)
		for _, value := range values {
			if canonical == "" || value == "" {
				continue
			}
			if _, err := bw.WriteString(canonical + ": " + value + "\r\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeChunkedBody emits body as constants.ChunkWriteSize (8 KiB) chunks
// terminated by the mandatory "0\r\n\r\n" final chunk.
func writeChunkedBody(bw *bufio.Writer, body []byte) error {
	const chunkSize = constants.ChunkWriteSize
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[offset:end]
		if _, err := bw.WriteString(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n"); err != nil {
			return err
		}
		if _, err := bw.Write(chunk); err != nil {
			return err
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("0\r\n\r\n"); err != nil {
		return err
	}
	return nil
}

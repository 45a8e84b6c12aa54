// Package buffer stores the raw bytes captured off a wire exchange,
// keeping small payloads in memory and spilling larger ones to a
// temporary file so a huge response body never has to fit in RAM.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
)

// DefaultMemoryLimit is the in-memory threshold before a Buffer spills.
const DefaultMemoryLimit = constants.DefaultBodyMemLimit

// Buffer is an append-only byte sink with a bounded in-memory prefix.
// Once the configured limit is crossed, all accumulated and subsequent
// bytes live in a temp file until Close removes it. Safe for concurrent
// use.
type Buffer struct {
	mu     sync.Mutex
	mem    []byte
	spill  *os.File
	path   string
	size   int64
	limit  int64
	closed bool
}

// New returns a Buffer that spills to disk past limit bytes. A
// non-positive limit falls back to DefaultMemoryLimit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit}
}

// Write appends p, spilling to a temp file the first time the total
// would exceed the memory limit.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, rawerrors.NewIOError("write to closed buffer", nil)
	}

	if b.spill == nil {
		if int64(len(b.mem))+int64(len(p)) <= b.limit {
			b.mem = append(b.mem, p...)
			b.size += int64(len(p))
			return len(p), nil
		}
		if err := b.startSpill(); err != nil {
			return 0, err
		}
	}

	n, err := b.spill.Write(p)
	b.size += int64(n)
	if err != nil {
		return n, rawerrors.NewIOError("writing spill file", err)
	}
	return n, nil
}

// startSpill moves the in-memory prefix into a fresh temp file. Caller
// holds b.mu.
func (b *Buffer) startSpill() error {
	f, err := os.CreateTemp("", "rawhttp-capture-*")
	if err != nil {
		return rawerrors.NewIOError("creating spill file", err)
	}
	if len(b.mem) > 0 {
		if _, err := f.Write(b.mem); err != nil {
			f.Close()
			os.Remove(f.Name())
			return rawerrors.NewIOError("copying prefix to spill file", err)
		}
	}
	b.spill = f
	b.path = f.Name()
	b.mem = nil
	return nil
}

// Size returns the total number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the payload has moved to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spill != nil
}

// Path returns the temp-file path backing a spilled payload, or "" while
// the payload is still in memory.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Bytes returns the in-memory payload. It returns nil once the payload
// has spilled; use Reader for a representation-independent view.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill != nil {
		return nil
	}
	return b.mem
}

// Reader returns a fresh reader over everything written so far,
// regardless of whether the payload is in memory or on disk.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, rawerrors.NewIOError("read from closed buffer", nil)
	}

	if b.spill == nil {
		return io.NopCloser(bytes.NewReader(b.mem)), nil
	}

	if err := b.spill.Sync(); err != nil {
		return nil, rawerrors.NewIOError("syncing spill file", err)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, rawerrors.NewIOError("opening spill file", err)
	}
	return f, nil
}

// Close releases the spill file, if any. Idempotent and safe to call
// concurrently.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.spill == nil {
		return nil
	}

	closeErr := b.spill.Close()
	removeErr := os.Remove(b.path)
	b.spill = nil
	b.path = ""

	if closeErr != nil {
		return rawerrors.NewIOError("closing spill file", closeErr)
	}
	if removeErr != nil {
		return rawerrors.NewIOError("removing spill file", removeErr)
	}
	return nil
}

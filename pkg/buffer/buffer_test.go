package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
)

func TestWriteStaysInMemoryUnderLimit(t *testing.T) {
	buf := New(64)
	defer buf.Close()

	data := []byte("small payload")
	if _, err := buf.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if buf.IsSpilled() {
		t.Fatal("payload under the limit should stay in memory")
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("Bytes() = %q, want %q", buf.Bytes(), data)
	}
	if buf.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", buf.Size(), len(data))
	}
}

func TestWriteSpillsPastLimit(t *testing.T) {
	buf := New(10)
	defer buf.Close()

	first := []byte("short")
	second := []byte("this second write pushes the total past the limit")
	if _, err := buf.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := buf.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if !buf.IsSpilled() {
		t.Fatal("payload past the limit should spill to disk")
	}
	if buf.Path() == "" {
		t.Error("spilled buffer should expose its temp-file path")
	}
	if buf.Bytes() != nil {
		t.Error("Bytes() should be nil once spilled")
	}
	if want := int64(len(first) + len(second)); buf.Size() != want {
		t.Errorf("Size() = %d, want %d", buf.Size(), want)
	}
}

func TestReaderRoundTrip(t *testing.T) {
	cases := map[string]int64{
		"in-memory": 1024,
		"spilled":   4,
	}
	payload := []byte("payload that round-trips")

	for name, limit := range cases {
		t.Run(name, func(t *testing.T) {
			buf := New(limit)
			defer buf.Close()

			if _, err := buf.Write(payload); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			r, err := buf.Reader()
			if err != nil {
				t.Fatalf("Reader() error = %v", err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("read back %q, want %q", got, payload)
			}
		})
	}
}

func TestCloseRemovesSpillFile(t *testing.T) {
	buf := New(1)
	if _, err := buf.Write([]byte("forces an immediate spill")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	path := buf.Path()
	if path == "" {
		t.Fatal("expected a spill file")
	}

	if err := buf.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("spill file %s should be removed on Close", path)
	}
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	buf := New(1)
	buf.Write([]byte("spill"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- buf.Close()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Close() error = %v", err)
		}
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	buf := New(1024)
	buf.Write([]byte("before"))
	buf.Close()

	if _, err := buf.Write([]byte("after")); err == nil {
		t.Error("Write() after Close() should fail")
	}
	if _, err := buf.Reader(); err == nil {
		t.Error("Reader() after Close() should fail")
	}
}

// Package pool implements a per-origin connection pool: a bounded set of
// idle, reusable TCP connections per (host, port) with liveness probing
// and blocking acquire semantics.
package pool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rawhttp-dev/rawhttp-core/pkg/constants"
	"github.com/rawhttp-dev/rawhttp-core/pkg/rawerrors"
)

// Config controls pool sizing and timeouts.
type Config struct {
	// MaxPoolSize bounds the number of idle connections kept per origin.
	MaxPoolSize int

	// AcquireWait bounds how long Acquire blocks waiting for an idle
	// connection to free up before it dials a new one.
	AcquireWait time.Duration

	// DialTimeout bounds opening a new TCP connection.
	DialTimeout time.Duration

	// ReadTimeout is applied to every connection Acquire returns.
	ReadTimeout time.Duration

	// MaxIdleTime bounds how long a connection may sit idle before the
	// background sweep closes it.
	MaxIdleTime time.Duration
}

// DefaultConfig returns the package's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize: constants.DefaultMaxPoolSize,
		AcquireWait: constants.DefaultPoolAcquireWait,
		DialTimeout: constants.DefaultConnTimeout,
		ReadTimeout: constants.DefaultReadTimeout,
		MaxIdleTime: constants.MaxConnectionIdleTime,
	}
}

type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// originPool manages the idle connections for a single (host, port) key.
type originPool struct {
	mu        sync.Mutex
	idle      []*pooledConn // LIFO
	numActive int
	cond      *sync.Cond
}

func newOriginPool() *originPool {
	op := &originPool{idle: make([]*pooledConn, 0, 4)}
	op.cond = sync.NewCond(&op.mu)
	return op
}

// Dialer opens a new connection to addr ("host:port"). Exists so tests can
// substitute net.Pipe-backed dialers without a real listener.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

func defaultDialer(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// Pool is a per-origin connection pool keyed by "host:port".
type Pool struct {
	config Config
	dial   Dialer

	origins sync.Map // map[string]*originPool

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New returns a Pool with the given config and the default TCP dialer. A
// zero-value Config is replaced with DefaultConfig.
func New(config Config) *Pool {
	return NewWithDialer(config, defaultDialer)
}

// NewWithDialer returns a Pool using a custom Dialer, primarily for tests.
func NewWithDialer(config Config, dial Dialer) *Pool {
	if config.MaxPoolSize <= 0 {
		config.MaxPoolSize = constants.DefaultMaxPoolSize
	}
	if config.AcquireWait <= 0 {
		config.AcquireWait = constants.DefaultPoolAcquireWait
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = constants.DefaultConnTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = constants.DefaultReadTimeout
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = constants.MaxConnectionIdleTime
	}

	p := &Pool{config: config, dial: dial, stopChan: make(chan struct{})}
	p.wg.Add(1)
	go p.sweepIdle()
	return p
}

func originKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (p *Pool) originFor(key string) *originPool {
	val, _ := p.origins.LoadOrStore(key, newOriginPool())
	return val.(*originPool)
}

// AcquireInfo describes how Acquire obtained a connection.
type AcquireInfo struct {
	// Reused is true when the connection came from the idle set.
	Reused bool

	// DialTime is the time spent opening a fresh connection; zero when
	// Reused.
	DialTime time.Duration
}

// Acquire returns a live connection to (host, port): an idle one if
// available within Config.AcquireWait, otherwise a freshly dialed one.
// The returned connection always carries a fresh Config.ReadTimeout read
// deadline.
func (p *Pool) Acquire(host string, port int) (net.Conn, AcquireInfo, error) {
	key := originKey(host, port)
	op := p.originFor(key)

	var info AcquireInfo
	conn, ok := p.popLiveIdle(op)
	if !ok {
		conn, ok = p.waitForIdle(op)
	}
	info.Reused = ok

	if !ok {
		dialStart := time.Now()
		c, err := p.dial(key, p.config.DialTimeout)
		if err != nil {
			return nil, AcquireInfo{}, rawerrors.NewConnectionError(host, port, err)
		}
		conn = c
		info.DialTime = time.Since(dialStart)
	}

	if p.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout)); err != nil {
			conn.Close()
			return nil, AcquireInfo{}, rawerrors.NewIOError("setting read deadline", err)
		}
	}

	op.mu.Lock()
	op.numActive++
	op.mu.Unlock()

	return conn, info, nil
}

// popLiveIdle pops idle connections LIFO, discarding stale or dead ones,
// until it finds one to hand back or the idle stack is empty.
func (p *Pool) popLiveIdle(op *originPool) (net.Conn, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()

	for len(op.idle) > 0 {
		n := len(op.idle)
		pc := op.idle[n-1]
		op.idle = op.idle[:n-1]

		if time.Since(pc.lastUsed) > p.config.MaxIdleTime || !isAlive(pc.conn) {
			pc.conn.Close()
			continue
		}
		return pc.conn, true
	}
	return nil, false
}

// waitForIdle blocks up to Config.AcquireWait for a release to populate the
// idle stack. Waiting only makes sense while another caller holds a
// connection that could come back; with nothing outstanding it returns
// immediately so the caller dials. A dedicated goroutine parks on the
// origin's condition variable and is released either by a Release() signal
// or by the timeout branch below broadcasting to unstick it; either way
// waitForIdle itself never blocks past AcquireWait.
func (p *Pool) waitForIdle(op *originPool) (net.Conn, bool) {
	op.mu.Lock()
	outstanding := op.numActive
	op.mu.Unlock()
	if outstanding == 0 {
		return nil, false
	}

	woke := make(chan struct{})
	timedOut := make(chan struct{})

	go func() {
		op.mu.Lock()
		for len(op.idle) == 0 {
			select {
			case <-timedOut:
				op.mu.Unlock()
				return
			default:
			}
			op.cond.Wait()
		}
		op.mu.Unlock()
		close(woke)
	}()

	select {
	case <-woke:
		return p.popLiveIdle(op)
	case <-time.After(p.config.AcquireWait):
		close(timedOut)
		op.mu.Lock()
		op.cond.Broadcast()
		op.mu.Unlock()
		return p.popLiveIdle(op)
	}
}

// Release returns conn to the idle set for (host, port). If closeHint is
// true (the exchange saw Connection: close, or failed), or the connection
// fails a liveness probe, it is closed instead. If the idle set is already
// at Config.MaxPoolSize, the connection is closed rather than leaked.
func (p *Pool) Release(host string, port int, conn net.Conn, closeHint bool) {
	key := originKey(host, port)
	op := p.originFor(key)

	op.mu.Lock()
	defer op.mu.Unlock()

	op.numActive--

	if closeHint || !isAlive(conn) {
		conn.Close()
		op.cond.Signal()
		return
	}

	if len(op.idle) >= p.config.MaxPoolSize {
		conn.Close()
		op.cond.Signal()
		return
	}

	op.idle = append(op.idle, &pooledConn{conn: conn, lastUsed: time.Now()})
	op.cond.Signal()
}

// Close closes conn for (host, port) without returning it to the pool. Used
// whenever the caller already knows the connection is unusable.
func (p *Pool) Close(host string, port int, conn net.Conn) {
	key := originKey(host, port)
	op := p.originFor(key)

	op.mu.Lock()
	op.numActive--
	op.mu.Unlock()

	conn.Close()
}

// IdleCount returns the number of idle connections currently pooled for
// (host, port); used by tests to assert pool invariants.
func (p *Pool) IdleCount(host string, port int) int {
	val, ok := p.origins.Load(originKey(host, port))
	if !ok {
		return 0
	}
	op := val.(*originPool)
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.idle)
}

// isAlive is a lightweight liveness probe: a one-byte read under a 1 ms
// deadline times out on a live, quiet connection, while EOF, a reset, or
// pending unread data all classify the connection as not reusable. A byte
// the probe does read comes only from a connection that every caller then
// closes, so no caller's stream loses data.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)

	return rawerrors.IsTimeoutError(err)
}

// sweepIdle periodically closes idle connections that exceeded MaxIdleTime.
func (p *Pool) sweepIdle() {
	defer p.wg.Done()

	ticker := time.NewTicker(constants.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.origins.Range(func(_, value any) bool {
				op := value.(*originPool)
				op.mu.Lock()
				kept := op.idle[:0]
				for _, pc := range op.idle {
					if time.Since(pc.lastUsed) > p.config.MaxIdleTime {
						pc.conn.Close()
					} else {
						kept = append(kept, pc)
					}
				}
				op.idle = kept
				op.mu.Unlock()
				return true
			})
		case <-p.stopChan:
			return
		}
	}
}

// Shutdown closes every idle connection across every origin and stops the
// background sweep.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	p.origins.Range(func(key, value any) bool {
		op := value.(*originPool)
		op.mu.Lock()
		for _, pc := range op.idle {
			pc.conn.Close()
		}
		op.idle = nil
		op.numActive = 0
		op.mu.Unlock()
		p.origins.Delete(key)
		return true
	})
}

// Package timing measures the phases of a single client exchange.
package timing

import "time"

// Metrics is the per-exchange timing breakdown.
type Metrics struct {
	// Connect is the time spent dialing a fresh connection for this
	// exchange; zero when the exchange ran on a reused pooled connection.
	Connect time.Duration `json:"connect"`

	// TTFB is the wait between flushing the request and the response
	// headers becoming readable.
	TTFB time.Duration `json:"ttfb"`

	// Total is the end-to-end exchange time.
	Total time.Duration `json:"total"`
}

// Timer accumulates the phases of one exchange. The total clock starts
// at construction; the connect phase is reported by whoever dialed.
type Timer struct {
	start     time.Time
	connect   time.Duration
	ttfbStart time.Time
	ttfb      time.Duration
}

// NewTimer starts the total-time clock.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// SetConnect records the dial duration reported by the connection pool.
func (t *Timer) SetConnect(d time.Duration) {
	t.connect = d
}

// StartTTFB marks the moment the request hit the wire.
func (t *Timer) StartTTFB() {
	t.ttfbStart = time.Now()
}

// EndTTFB marks the response headers becoming readable.
func (t *Timer) EndTTFB() {
	if !t.ttfbStart.IsZero() {
		t.ttfb = time.Since(t.ttfbStart)
	}
}

// Metrics returns the breakdown accumulated so far.
func (t *Timer) Metrics() Metrics {
	return Metrics{
		Connect: t.connect,
		TTFB:    t.ttfb,
		Total:   time.Since(t.start),
	}
}

package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"atmosync/internal/clock"
)

// Limiter enforces a minimum idle interval between the end of one call and
// the start of the next. Calls going through the same Limiter never overlap.
type Limiter struct {
	mu       sync.Mutex // held for the whole call, serializing callers
	clock    clock.Clock
	interval time.Duration
	next     time.Time // earliest start of the next call
	calls    int
}

// New creates a limiter; interval <= 0 disables pacing
func New(interval time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Limiter{clock: clk, interval: interval}
}

// SetInterval changes the interval for calls that complete from now on.
// Disabling does not clear a delay already scheduled by the previous call.
func (l *Limiter) SetInterval(d time.Duration) {
	l.mu.Lock()
	l.interval = d
	l.mu.Unlock()
}

// Interval returns the configured interval
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Calls returns how many calls have been started
func (l *Limiter) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Do waits until the previous call's interval has elapsed, runs fn and
// schedules the next allowed start.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.next.Sub(l.clock.Now()); wait > 0 {
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.calls++
	err := fn()

	if l.interval > 0 {
		l.next = l.clock.Now().Add(l.interval)
	}
	return err
}

// Transport returns a RoundTripper that sends every request through the
// limiter. Response bodies are read inside the call so that the interval is
// measured from the moment the exchange is fully complete.
func (l *Limiter) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{limiter: l, base: base}
}

// Client returns an http.Client paced by the limiter
func (l *Limiter) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: l.Transport(nil),
		Timeout:   timeout,
	}
}

type transport struct {
	limiter *Limiter
	base    http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.limiter.Do(req.Context(), func() error {
		r, err := t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

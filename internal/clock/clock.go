package clock

import (
	"context"
	"sync"
	"time"
)

// Clock interface abstracts time operations for testing
type Clock interface {
	// Now returns the current time
	Now() time.Time
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock implements Clock using the real system time
type RealClock struct{}

// Now returns the current time
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d using a timer that is released on cancellation
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MockClock implements Clock for testing. Sleep advances the mocked time
// instead of blocking.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	Slept       []time.Duration
}

// NewMockClock returns a mock clock set to t
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{CurrentTime: t}
}

// Now returns the mocked current time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// Sleep records d and moves the mocked time forward
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Slept = append(m.Slept, d)
	if d > 0 {
		m.CurrentTime = m.CurrentTime.Add(d)
	}
	return nil
}

// Advance moves the mocked time forward by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// Set sets the mocked current time to a specific value
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = t
}

// Sleeps returns a copy of the recorded sleep durations
func (m *MockClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.Slept))
	copy(out, m.Slept)
	return out
}

// Ensure implementations satisfy the interface
var (
	_ Clock = RealClock{}
	_ Clock = (*MockClock)(nil)
)

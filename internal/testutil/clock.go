package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a fresh StepClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a wall clock for tests that advances by a fixed step on
// every reading, so timestamps in cut history are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepClock creates a clock starting at Epoch. A zero step means one second.
func NewStepClock(step time.Duration) *StepClock {
	if step == 0 {
		step = time.Second
	}
	return &StepClock{next: Epoch, step: step}
}

// Now returns the current instant and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

// Reset rewinds the clock to Epoch.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = Epoch
}

package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	clock := NewStepClock(0)
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}

func TestStepClock_CustomStep(t *testing.T) {
	clock := NewStepClock(time.Minute)
	clock.Now()
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock(0)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ThreadSafe(t *testing.T) {
	clock := NewStepClock(time.Millisecond)
	const goroutines = 20
	const reads = 50

	var mu sync.Mutex
	seen := make(map[time.Time]bool)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < reads; j++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*reads)
}

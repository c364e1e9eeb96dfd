package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinBudget(t *testing.T) {
	th := New(3, time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, th.Acquire(0))
	}
	assert.Equal(t, 0, th.Available())
}

func TestAcquireBlocksUntilWindowFrees(t *testing.T) {
	period := 200 * time.Millisecond
	th := New(2, period)

	require.True(t, th.Acquire(0))
	require.True(t, th.Acquire(0))

	start := time.Now()
	require.True(t, th.Acquire(0))
	elapsed := time.Since(start)

	// Third acquire must have waited for the oldest timestamp to expire.
	assert.GreaterOrEqual(t, elapsed, period/2)
}

func TestAcquireTimeout(t *testing.T) {
	th := New(1, time.Minute)

	require.True(t, th.Acquire(0))
	assert.False(t, th.Acquire(20*time.Millisecond))
}

func TestSlidingWindowNeverExceeded(t *testing.T) {
	const maxRequests = 3
	period := 150 * time.Millisecond
	th := New(maxRequests, period)

	var times []time.Time
	for i := 0; i < 9; i++ {
		require.True(t, th.Acquire(0))
		times = append(times, time.Now())
	}

	// No trailing window may contain more than maxRequests successes.
	for i := range times {
		count := 0
		for j := i; j < len(times); j++ {
			if times[j].Sub(times[i]) < period {
				count++
			}
		}
		assert.LessOrEqual(t, count, maxRequests,
			"window starting at acquire %d held %d requests", i, count)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	const maxRequests = 2
	period := 100 * time.Millisecond
	th := New(maxRequests, period)

	var mu sync.Mutex
	var times []time.Time
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, th.Acquire(0))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, 8)
	for i := range times {
		count := 0
		for j := range times {
			d := times[j].Sub(times[i])
			if d >= 0 && d < period {
				count++
			}
		}
		assert.LessOrEqual(t, count, maxRequests)
	}
}

func TestAvailableAndReset(t *testing.T) {
	th := New(3, time.Second)

	assert.Equal(t, 3, th.Available())
	th.Acquire(0)
	th.Acquire(0)
	assert.Equal(t, 1, th.Available())

	th.Reset()
	assert.Equal(t, 3, th.Available())
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(2, 0)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestLimiterSpacing(t *testing.T) {
	l := NewLimiter(4, 20*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
	elapsed := time.Since(start)

	// Three acquisitions spaced 20ms apart need at least 40ms.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestLimiterContextCancellation(t *testing.T) {
	l := NewLimiter(1, 0)

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The slot is still usable after release.
	release()
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(1, 0)

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release() // must not free a second slot

	r1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.Error(t, err, "double release must not create an extra slot")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	l := r.Register("exchange", 3, 100*time.Millisecond)
	assert.Same(t, l, r.Get("exchange"))

	// Unknown names get a permissive limiter instead of nil.
	unknown := r.Get("unknown")
	require.NotNil(t, unknown)
	assert.Same(t, unknown, r.Get("unknown"))
}

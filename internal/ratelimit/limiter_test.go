package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSpacesConcurrentCallers(t *testing.T) {
	const (
		n        = 6
		interval = 25 * time.Millisecond
	)
	l := New(interval)

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, admitted, n)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	assert.GreaterOrEqual(t, admitted[n-1].Sub(start), time.Duration(n-1)*interval-5*time.Millisecond)
}

func TestReserveUsesInjectedClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l := NewWithClock(time.Second, func() time.Time { return now })

	assert.Equal(t, time.Duration(0), l.Reserve())
	assert.Equal(t, time.Second, l.Reserve())
	assert.Equal(t, 2*time.Second, l.Reserve())

	now = base.Add(10 * time.Second)
	assert.Equal(t, time.Duration(0), l.Reserve())
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l := New(time.Hour)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireWithDoneContextTakesNoSlot(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(time.Second, func() time.Time { return base })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.Canceled)

	// The free slot is still available.
	assert.Equal(t, time.Duration(0), l.Reserve())
}

//go:build property
// +build property

package property

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/manufacturer"
	"github.com/mosiko1234/heimdal/presence/internal/ratelimit"
	"github.com/mosiko1234/heimdal/presence/test/mocks"
)

const sweepInterval = 5 * time.Minute

type nopLimiter struct{}

func (nopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// newIdleEngine returns an engine whose workers are never started, so queue
// depth reflects exactly what was enqueued.
func newIdleEngine(clock *fixedClock) (*manufacturer.Engine, *mocks.MockStore) {
	store := mocks.NewMockStore(clock.Now)
	cfg := manufacturer.DefaultConfig()
	cfg.SweepInterval = sweepInterval
	cfg.QueueSize = 64
	e := manufacturer.NewEngine(store, []manufacturer.Provider{mocks.NewMockProvider("fake")}, nopLimiter{}, cfg,
		manufacturer.WithClock(clock.Now))
	return e, store
}

// Any number of concurrent enqueues for one MAC yields a single queued lookup.
func TestProperty_SingleFlight(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("concurrent enqueues collapse to one", prop.ForAll(
		func(mac string, callers int) bool {
			clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
			engine, store := newIdleEngine(clock)
			canonical, err := device.NormalizeMAC(mac)
			if err != nil {
				return false
			}
			if _, _, err := store.Upsert(context.Background(), canonical, "", ""); err != nil {
				return false
			}

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = engine.Enqueue(context.Background(), mac)
				}()
			}
			wg.Wait()

			st, _, err := engine.GetStatus(context.Background(), canonical)
			return err == nil && engine.QueueDepth() == 1 && engine.InFlight(canonical) &&
				st == device.StatusPending
		},
		genMAC(),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

// A resolved device is never scheduled again, whatever entry point is used.
func TestProperty_ResolvedIsTerminal(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("resolved devices are never re-enqueued", prop.ForAll(
		func(mac string, vendor string, elapsedMinutes int) bool {
			start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := &fixedClock{now: start}
			engine, store := newIdleEngine(clock)
			canonical, _ := device.NormalizeMAC(mac)

			d := device.New(canonical, "10.0.0.1", "", start)
			if err := d.SetManufacturer(device.StatusResolved, vendor, &start); err != nil {
				return false
			}
			store.Put(d)
			clock.Set(start.Add(time.Duration(elapsedMinutes) * time.Minute))

			ctx := context.Background()
			_ = engine.Enqueue(ctx, canonical)
			n, err := engine.ForceRetry(ctx, canonical)
			if err != nil || n != 0 {
				return false
			}
			if n, err := engine.Sweep(ctx); err != nil || n != 0 {
				return false
			}
			label, err := engine.DisplayManufacturer(ctx, canonical)
			if err != nil || label != vendor {
				return false
			}
			st, name, err := engine.GetStatus(ctx, canonical)
			return err == nil && engine.QueueDepth() == 0 && st == device.StatusResolved && name == vendor
		},
		genMAC(),
		gen.Identifier(),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

// A failed device is re-enqueued by the sweep exactly when a full interval has
// passed since its last attempt.
func TestProperty_SweepSpacing(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("sweep honours the retry interval", prop.ForAll(
		func(mac string, elapsedSeconds int) bool {
			start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := &fixedClock{now: start}
			engine, store := newIdleEngine(clock)
			canonical, _ := device.NormalizeMAC(mac)

			d := device.New(canonical, "", "", start)
			if err := d.SetManufacturer(device.StatusFailed, "", &start); err != nil {
				return false
			}
			store.Put(d)

			elapsed := time.Duration(elapsedSeconds) * time.Second
			clock.Set(start.Add(elapsed))

			n, err := engine.Sweep(context.Background())
			if err != nil {
				return false
			}
			want := 0
			if elapsed >= sweepInterval {
				want = 1
			}
			return n == want && engine.QueueDepth() == want
		},
		genMAC(),
		gen.IntRange(0, 2*int(sweepInterval/time.Second)),
	))

	properties.TestingRun(t)
}

// Reservations made at the same instant are spaced one interval apart, in
// call order.
func TestProperty_LimiterSpacing(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("k-th reservation waits k intervals", prop.ForAll(
		func(intervalMillis int, callers int) bool {
			interval := time.Duration(intervalMillis) * time.Millisecond
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			lim := ratelimit.NewWithClock(interval, func() time.Time { return now })

			for k := 0; k < callers; k++ {
				got := lim.Reserve()
				want := time.Duration(k) * interval
				if math.Abs(float64(got-want)) > float64(time.Microsecond) {
					t.Logf("reservation %d: waited %v, want %v", k, got, want)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

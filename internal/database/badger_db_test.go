package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) (*DatabaseManager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dm, err := Open(context.Background(), Options{InMemory: true, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm, clock
}

func TestUpsertCreatesThenTouches(t *testing.T) {
	dm, clock := newTestDB(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:55"

	d, created, err := dm.Upsert(ctx, mac, "192.168.1.100", "test-device")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, d.Notify)
	assert.Equal(t, device.StatusUnresolved, d.ManufacturerStatus)
	firstSeen := d.FirstSeen

	clock.Advance(time.Minute)
	d, created, err = dm.Upsert(ctx, mac, "192.168.1.101", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstSeen, d.FirstSeen)
	assert.Equal(t, firstSeen.Add(time.Minute), d.LastSeen)
	assert.Equal(t, "192.168.1.101", d.IP)
	assert.Equal(t, "test-device", d.Host)

	stored, err := dm.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, d.LastSeen, stored.LastSeen)
}

func TestGetAndDeleteUnknown(t *testing.T) {
	dm, _ := newTestDB(t)
	ctx := context.Background()

	_, err := dm.Get(ctx, "00:00:00:00:00:01")
	assert.ErrorIs(t, err, device.ErrNotFound)
	assert.ErrorIs(t, dm.Delete(ctx, "00:00:00:00:00:01"), device.ErrNotFound)

	_, _, err = dm.Upsert(ctx, "00:00:00:00:00:01", "", "")
	require.NoError(t, err)
	require.NoError(t, dm.Delete(ctx, "00:00:00:00:00:01"))
	_, err = dm.Get(ctx, "00:00:00:00:00:01")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestListOrdering(t *testing.T) {
	dm, clock := newTestDB(t)
	ctx := context.Background()

	for _, mac := range []string{"00:00:00:00:00:03", "00:00:00:00:00:02"} {
		_, _, err := dm.Upsert(ctx, mac, "", "")
		require.NoError(t, err)
	}
	clock.Advance(time.Second)
	_, _, err := dm.Upsert(ctx, "00:00:00:00:00:01", "", "")
	require.NoError(t, err)

	devices, err := dm.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "00:00:00:00:00:02", devices[0].MAC)
	assert.Equal(t, "00:00:00:00:00:03", devices[1].MAC)
	assert.Equal(t, "00:00:00:00:00:01", devices[2].MAC)
}

func TestUpdateFields(t *testing.T) {
	dm, _ := newTestDB(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:55"
	_, _, err := dm.Upsert(ctx, mac, "10.0.0.2", "host")
	require.NoError(t, err)

	name := "  Living Room TV "
	off := false
	d, err := dm.UpdateFields(ctx, mac, device.FieldUpdate{Name: &name, Notify: &off})
	require.NoError(t, err)
	assert.Equal(t, "Living Room TV", d.Name)
	assert.False(t, d.Notify)
	assert.Equal(t, "10.0.0.2", d.IP)

	blank := ""
	d, err = dm.UpdateFields(ctx, mac, device.FieldUpdate{Name: &blank})
	require.NoError(t, err)
	assert.Empty(t, d.Name)
	assert.False(t, d.Notify)

	_, err = dm.UpdateFields(ctx, "00:00:00:00:00:99", device.FieldUpdate{Notify: &off})
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestManufacturerTransitions(t *testing.T) {
	dm, clock := newTestDB(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:55"
	_, _, err := dm.Upsert(ctx, mac, "", "")
	require.NoError(t, err)

	prior, err := dm.MarkPending(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, device.StatusUnresolved, prior)

	prior, err = dm.MarkPending(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, device.StatusPending, prior)

	at := clock.Now()
	require.NoError(t, dm.SetManufacturerStatus(ctx, mac, device.StatusFailed, "", &at))
	failed, err := dm.ListFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{mac}, failed)

	require.NoError(t, dm.SetManufacturerStatus(ctx, mac, device.StatusResolved, "Apple, Inc.", &at))
	_, err = dm.MarkPending(ctx, mac)
	assert.ErrorIs(t, err, device.ErrAlreadyResolved)

	d, err := dm.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, "Apple, Inc.", d.Manufacturer)
	require.NotNil(t, d.ManufacturerAttemptedAt)
	assert.True(t, at.Equal(*d.ManufacturerAttemptedAt))

	assert.ErrorIs(t, dm.SetManufacturerStatus(ctx, mac, device.StatusResolved, "", nil), device.ErrMissingVendor)
	assert.ErrorIs(t, dm.SetManufacturerStatus(ctx, "00:00:00:00:00:99", device.StatusFailed, "", nil), device.ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	dm, _ := newTestDB(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := dm.Upsert(ctx, fmt.Sprintf("00:00:00:00:00:0%d", i), "", "")
		require.NoError(t, err)
	}
	_, err := dm.MarkPending(ctx, "00:00:00:00:00:02")
	require.NoError(t, err)

	pending, err := dm.ListByStatus(ctx, device.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "00:00:00:00:00:02", pending[0].MAC)

	open, err := dm.ListByStatus(ctx, device.StatusPending, device.StatusUnresolved)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

func TestConcurrentUpsertsKeepLatestLastSeen(t *testing.T) {
	dm, clock := newTestDB(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:ff"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_, _, err := dm.Upsert(ctx, mac, fmt.Sprintf("10.0.0.%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	d, err := dm.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), d.LastSeen)

	devices, err := dm.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

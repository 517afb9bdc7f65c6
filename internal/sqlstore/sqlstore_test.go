package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)}
	s, err := Open(context.Background(), MemoryPath, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, _, err = s.Upsert(ctx, "00:11:22:33:44:55", "10.0.0.5", "nas")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)

	d, err := s.Get(ctx, "00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, "nas", d.Host)
	require.NoError(t, s.HealthCheck(ctx))
}

func TestUpsertPreservesFirstSeen(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:55"

	d, created, err := s.Upsert(ctx, mac, "192.168.1.100", "test-device")
	require.NoError(t, err)
	assert.True(t, created)
	first := d.FirstSeen

	clock.Advance(90 * time.Second)
	d, created, err = s.Upsert(ctx, mac, "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, first.Equal(d.FirstSeen))
	assert.Equal(t, "192.168.1.100", d.IP)
	assert.Equal(t, "test-device", d.Host)

	stored, err := s.Get(ctx, mac)
	require.NoError(t, err)
	assert.True(t, first.Equal(stored.FirstSeen))
	assert.True(t, first.Add(90*time.Second).Equal(stored.LastSeen))
	assert.True(t, stored.Notify)
}

func TestListOrderAndFilters(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.Upsert(ctx, "00:00:00:00:00:02", "", "")
	require.NoError(t, err)
	_, _, err = s.Upsert(ctx, "00:00:00:00:00:01", "", "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = s.Upsert(ctx, "00:00:00:00:00:00", "", "")
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:00"},
		[]string{all[0].MAC, all[1].MAC, all[2].MAC})

	at := clock.Now()
	require.NoError(t, s.SetManufacturerStatus(ctx, "00:00:00:00:00:02", device.StatusFailed, "", &at))

	failed, err := s.ListFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"00:00:00:00:00:02"}, failed)

	unresolved, err := s.ListByStatus(ctx, device.StatusUnresolved)
	require.NoError(t, err)
	assert.Len(t, unresolved, 2)

	none, err := s.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarkPendingAndResolve(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:ff"

	_, err := s.MarkPending(ctx, mac)
	assert.ErrorIs(t, err, device.ErrNotFound)

	_, _, err = s.Upsert(ctx, mac, "", "")
	require.NoError(t, err)

	prior, err := s.MarkPending(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, device.StatusUnresolved, prior)

	at := clock.Now()
	require.NoError(t, s.SetManufacturerStatus(ctx, mac, device.StatusResolved, "Raspberry Pi Trading Ltd", &at))

	_, err = s.MarkPending(ctx, mac)
	assert.ErrorIs(t, err, device.ErrAlreadyResolved)

	d, err := s.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, device.StatusResolved, d.ManufacturerStatus)
	assert.Equal(t, "Raspberry Pi Trading Ltd", d.Manufacturer)
	require.NotNil(t, d.ManufacturerAttemptedAt)
	assert.True(t, at.Equal(*d.ManufacturerAttemptedAt))
}

func TestUpdateFieldsAndDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:55"
	_, _, err := s.Upsert(ctx, mac, "", "")
	require.NoError(t, err)

	name := "Printer"
	off := false
	d, err := s.UpdateFields(ctx, mac, device.FieldUpdate{Name: &name, Notify: &off})
	require.NoError(t, err)
	assert.Equal(t, "Printer", d.Name)
	assert.False(t, d.Notify)

	require.NoError(t, s.Delete(ctx, mac))
	assert.ErrorIs(t, s.Delete(ctx, mac), device.ErrNotFound)
	_, err = s.UpdateFields(ctx, mac, device.FieldUpdate{Name: &name})
	assert.ErrorIs(t, err, device.ErrNotFound)
}

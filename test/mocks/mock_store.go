package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
)

// MockStore is an in-memory device.Store with error injection and call
// counters for tests.
type MockStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device
	now     func() time.Time

	upsertErr    error
	setStatusErr error
	listErr      error

	markPendingCalls int
	setStatusCalls   int
}

var _ device.Store = (*MockStore)(nil)

// NewMockStore returns an empty store using now as its clock (time.Now when nil).
func NewMockStore(now func() time.Time) *MockStore {
	if now == nil {
		now = time.Now
	}
	return &MockStore{devices: make(map[string]*device.Device), now: now}
}

// SetUpsertError makes subsequent Upsert calls fail with err.
func (m *MockStore) SetUpsertError(err error) {
	m.mu.Lock()
	m.upsertErr = err
	m.mu.Unlock()
}

// SetStatusError makes subsequent SetManufacturerStatus calls fail with err.
func (m *MockStore) SetStatusError(err error) {
	m.mu.Lock()
	m.setStatusErr = err
	m.mu.Unlock()
}

// SetListError makes List and ListByStatus fail with err.
func (m *MockStore) SetListError(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// Put stores a copy of d as-is.
func (m *MockStore) Put(d *device.Device) {
	m.mu.Lock()
	m.devices[d.MAC] = d.Clone()
	m.mu.Unlock()
}

// MarkPendingCalls reports how many times MarkPending ran.
func (m *MockStore) MarkPendingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markPendingCalls
}

// SetStatusCalls reports how many times SetManufacturerStatus ran.
func (m *MockStore) SetStatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusCalls
}

func (m *MockStore) Upsert(ctx context.Context, mac, ip, host string) (*device.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, false, m.upsertErr
	}
	now := m.now().UTC()
	d, ok := m.devices[mac]
	if !ok {
		d = device.New(mac, ip, host, now)
		m.devices[mac] = d
		return d.Clone(), true, nil
	}
	d.Touch(ip, host, now)
	return d.Clone(), false, nil
}

func (m *MockStore) Get(ctx context.Context, mac string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[mac]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MockStore) List(ctx context.Context) ([]*device.Device, error) {
	return m.ListByStatus(ctx, device.StatusUnresolved, device.StatusPending, device.StatusResolved, device.StatusFailed)
}

func (m *MockStore) ListByStatus(ctx context.Context, statuses ...device.ManufacturerStatus) ([]*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	want := make(map[device.ManufacturerStatus]bool)
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]*device.Device, 0)
	for _, d := range m.devices {
		if want[d.ManufacturerStatus] {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].MAC < out[j].MAC
	})
	return out, nil
}

func (m *MockStore) ListFailed(ctx context.Context) ([]string, error) {
	devices, err := m.ListByStatus(ctx, device.StatusFailed)
	if err != nil {
		return nil, err
	}
	macs := make([]string, len(devices))
	for i, d := range devices {
		macs[i] = d.MAC
	}
	return macs, nil
}

func (m *MockStore) UpdateFields(ctx context.Context, mac string, update device.FieldUpdate) (*device.Device, error) {
	name, err := device.NormalizeName(update.Name)
	if err != nil {
		return nil, err
	}
	update.Name = name

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[mac]
	if !ok {
		return nil, device.ErrNotFound
	}
	d.Apply(update)
	return d.Clone(), nil
}

func (m *MockStore) Delete(ctx context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[mac]; !ok {
		return device.ErrNotFound
	}
	delete(m.devices, mac)
	return nil
}

func (m *MockStore) SetManufacturerStatus(ctx context.Context, mac string, status device.ManufacturerStatus, manufacturer string, attemptedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStatusCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.setStatusErr != nil {
		return m.setStatusErr
	}
	d, ok := m.devices[mac]
	if !ok {
		return device.ErrNotFound
	}
	return d.SetManufacturer(status, manufacturer, attemptedAt)
}

func (m *MockStore) MarkPending(ctx context.Context, mac string) (device.ManufacturerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPendingCalls++
	d, ok := m.devices[mac]
	if !ok {
		return "", device.ErrNotFound
	}
	prior := d.ManufacturerStatus
	if prior == device.StatusResolved {
		return prior, device.ErrAlreadyResolved
	}
	d.ManufacturerStatus = device.StatusPending
	d.Manufacturer = ""
	return prior, nil
}

func (m *MockStore) Close() error { return nil }

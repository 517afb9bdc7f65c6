package mocks

import (
	"context"
	"sync"

	"github.com/mosiko1234/heimdal/presence/internal/device"
)

// Dispatched is one recorded notification.
type Dispatched struct {
	MAC    string
	Reason device.Reason
}

// RecordingNotifier records Dispatch calls instead of sending anything.
type RecordingNotifier struct {
	mu    sync.Mutex
	calls []Dispatched
}

// Dispatch implements ingest.Notifier.
func (r *RecordingNotifier) Dispatch(dev *device.Device, reason device.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Dispatched{MAC: dev.MAC, Reason: reason})
}

// Calls returns a copy of the recorded notifications.
func (r *RecordingNotifier) Calls() []Dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Dispatched, len(r.calls))
	copy(out, r.calls)
	return out
}

// RecordingEnqueuer records Enqueue calls and optionally fails them.
type RecordingEnqueuer struct {
	mu   sync.Mutex
	macs []string
	err  error
}

// SetError makes subsequent Enqueue calls return err.
func (r *RecordingEnqueuer) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Enqueue implements ingest.Enqueuer.
func (r *RecordingEnqueuer) Enqueue(ctx context.Context, mac string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.macs = append(r.macs, mac)
	return r.err
}

// MACs returns every enqueued MAC in call order.
func (r *RecordingEnqueuer) MACs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.macs))
	copy(out, r.macs)
	return out
}

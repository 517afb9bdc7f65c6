package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/metrics"
)

// DispatcherConfig bounds background sends.
type DispatcherConfig struct {
	Topic         string
	Timeout       time.Duration
	MaxConcurrent int64
}

// Dispatcher fans messages out to transports without blocking the caller.
type Dispatcher struct {
	transports []Transport
	cfg        DispatcherConfig
	sem        *semaphore.Weighted
	logger     *logger.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewDispatcher returns a dispatcher over transports.
func NewDispatcher(cfg DispatcherConfig, transports ...Transport) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 16
	}
	return &Dispatcher{
		transports: transports,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:     logger.NewComponentLogger("Notify"),
		now:        time.Now,
	}
}

// Dispatch schedules a notification for d and returns immediately. When the
// concurrency budget is exhausted the notification is dropped and logged.
func (d *Dispatcher) Dispatch(dev *device.Device, reason device.Reason) {
	if len(d.transports) == 0 || dev == nil {
		return
	}
	msg := BuildMessage(dev, reason, d.cfg.Topic, d.now())

	if !d.sem.TryAcquire(1) {
		d.logger.Warn("Notification budget exhausted, dropping %s for %s", reason, dev.MAC)
		for _, t := range d.transports {
			metrics.IncNotification(t.Name(), metrics.ResultDropped)
		}
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.send(msg)
	}()
}

func (d *Dispatcher) send(msg Message) {
	for _, t := range d.transports {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err := t.Send(ctx, msg)
		cancel()

		switch {
		case err == nil:
			metrics.IncNotification(t.Name(), metrics.ResultSuccess)
			d.logger.Debug("Sent %s for %s via %s", msg.Reason, msg.MAC, t.Name())
		default:
			metrics.IncNotification(t.Name(), metrics.ResultError)
			d.logger.Warn("Failed to send notification via %s: %v", t.Name(), err)
		}
	}
}

// Name implements the orchestrator's Component interface.
func (d *Dispatcher) Name() string {
	return "Notification Dispatcher"
}

// Start is a no-op; sends are started on demand.
func (d *Dispatcher) Start() error {
	names := make([]string, 0, len(d.transports))
	for _, t := range d.transports {
		names = append(names, t.Name())
	}
	d.logger.Info("Transports: %v", names)
	return nil
}

// Stop waits for outstanding sends, bounded by one send timeout per transport.
func (d *Dispatcher) Stop() error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	limit := d.cfg.Timeout * time.Duration(len(d.transports)+1)
	select {
	case <-done:
		return nil
	case <-time.After(limit):
		return fmt.Errorf("notifications still in flight after %v", limit)
	}
}

// Wait blocks until every scheduled send has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Package ingest turns DHCP presence events into registry updates.
//
// Handle is the only entry point. It validates the event, upserts the device
// store and then schedules enrichment and notification without waiting for
// either of them.
package ingest

import (
	"context"
	"fmt"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/metrics"
)

// Upserter is the part of device.Store the ingestor writes through.
type Upserter interface {
	Upsert(ctx context.Context, mac, ip, host string) (*device.Device, bool, error)
}

// Enqueuer schedules a manufacturer lookup.
type Enqueuer interface {
	Enqueue(ctx context.Context, mac string) error
}

// Notifier fires a notification without blocking.
type Notifier interface {
	Dispatch(dev *device.Device, reason device.Reason)
}

// Ingestor applies events to the registry.
type Ingestor struct {
	store    Upserter
	enricher Enqueuer
	notifier Notifier
	logger   *logger.Logger
}

// NewIngestor wires an ingestor. enricher and notifier may be nil.
func NewIngestor(store Upserter, enricher Enqueuer, notifier Notifier) *Ingestor {
	return &Ingestor{
		store:    store,
		enricher: enricher,
		notifier: notifier,
		logger:   logger.NewComponentLogger("Ingest"),
	}
}

// Handle records ev. Validation failures wrap device.ErrInvalidEvent; store
// failures are returned as-is. Enrichment and notification problems are
// logged and never returned.
func (i *Ingestor) Handle(ctx context.Context, ev device.Event) (*device.Device, error) {
	action := device.ParseAction(string(ev.Action))
	ev, err := ev.Normalize()
	if err != nil {
		metrics.IncEvent(string(action), metrics.ResultInvalid)
		i.logger.Debug("Rejected event: %v", err)
		return nil, err
	}

	d, created, err := i.store.Upsert(ctx, ev.MAC, ev.IP, ev.Host)
	if err != nil {
		metrics.IncEvent(string(ev.Action), metrics.ResultError)
		i.logger.Error("Failed to record %s event for %s: %v", ev.Action, ev.MAC, err)
		return nil, fmt.Errorf("recording event for %s: %w", ev.MAC, err)
	}
	metrics.IncEvent(string(ev.Action), metrics.ResultSuccess)

	reason := device.ReasonKnownDevice
	if created {
		reason = device.ReasonNewDevice
		metrics.IncDeviceCreated()
		i.logger.Info("New device %s (%s) at %s", ev.MAC, d.DisplayName(), d.IP)
	} else {
		i.logger.Debug("Device %s %s at %s", ev.MAC, ev.Action, d.IP)
	}

	if i.notifier != nil && d.Notify {
		i.notifier.Dispatch(d.Clone(), reason)
	}

	if i.enricher != nil && d.ManufacturerStatus != device.StatusResolved {
		if err := i.enricher.Enqueue(ctx, d.MAC); err != nil {
			i.logger.Warn("Could not schedule manufacturer lookup for %s: %v", d.MAC, err)
		}
	}

	return d, nil
}

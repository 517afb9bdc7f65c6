package manufacturer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the work queue has no room.
	// The device keeps its previous status and is picked up by a later sweep.
	ErrQueueFull = errors.New("enrichment queue full")

	// ErrEngineStopped is returned once Stop has been called.
	ErrEngineStopped = errors.New("enrichment engine stopped")
)

// Placeholders surfaced while no manufacturer name is available.
const (
	PlaceholderLoading = "Loading..."
	PlaceholderUnknown = "Unknown"
)

// Limiter gates remote lookups. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config tunes the engine.
type Config struct {
	QueueSize     int
	Workers       int
	SweepInterval time.Duration
	LookupTimeout time.Duration

	// WriteTimeout bounds each store write that records a lookup outcome.
	WriteTimeout time.Duration
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		Workers:       1,
		SweepInterval: 5 * time.Minute,
		LookupTimeout: 10 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// StopBudget is the longest Stop can take: one lookup already on the wire
// runs to its timeout and then its outcome is written.
func (c Config) StopBudget() time.Duration {
	return c.LookupTimeout + c.WriteTimeout
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives manufacturer enrichment for every device in the store.
type Engine struct {
	store     device.Store
	providers []Provider
	limiter   Limiter
	cfg       Config
	now       func() time.Time
	logger    *logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool
	queue    chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine. Nothing runs until Start.
func NewEngine(store device.Store, providers []Provider, limiter Limiter, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	e := &Engine{
		store:     store,
		providers: providers,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.NewComponentLogger("Enrichment"),
		inflight:  make(map[string]struct{}),
		queue:     make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements the orchestrator's Component interface.
func (e *Engine) Name() string {
	return "Enrichment Engine"
}

// Start re-enqueues devices left unresolved or pending by a previous run and
// launches the workers and the retry sweep.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("enrichment engine already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	recovered, err := e.recover(ctx)
	if err != nil {
		e.logger.Warn("Startup recovery incomplete: %v", err)
	}
	if recovered > 0 {
		e.logger.Info("Re-enqueued %d devices awaiting a manufacturer", recovered)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.logger.Info("Started with %d worker(s), sweep every %v", e.cfg.Workers, e.cfg.SweepInterval)
	return nil
}

// Stop cancels the workers and the sweep and waits for them to exit. A lookup
// already on the wire finishes or hits its own timeout first, so Stop returns
// within Config.StopBudget.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("Stopped")
	return nil
}

// StopBudget reports how long Stop may block with the effective configuration.
func (e *Engine) StopBudget() time.Duration {
	return e.cfg.StopBudget()
}

func (e *Engine) recover(ctx context.Context) (int, error) {
	devices, err := e.store.ListByStatus(ctx, device.StatusPending, device.StatusUnresolved)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devices {
		ok, err := e.enqueue(ctx, d.MAC)
		if errors.Is(err, ErrQueueFull) {
			return n, err
		}
		if err != nil {
			e.logger.Warn("Failed to re-enqueue %s: %v", d.MAC, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Enqueue schedules a lookup for mac unless it is resolved or already in flight.
func (e *Engine) Enqueue(ctx context.Context, mac string) error {
	mac, err := device.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	_, err = e.enqueue(ctx, mac)
	return err
}

func (e *Engine) enqueue(ctx context.Context, mac string) (bool, error) {
	claimed, err := e.claim(mac)
	if !claimed {
		return false, err
	}
	ok, err := e.submit(ctx, mac)
	if !ok {
		e.release(mac)
	}
	return ok, err
}

// claim reserves mac in the in-flight set. It reports false when another
// caller already holds it.
func (e *Engine) claim(mac string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false, ErrEngineStopped
	}
	if _, busy := e.inflight[mac]; busy {
		return false, nil
	}
	e.inflight[mac] = struct{}{}
	return true, nil
}

func (e *Engine) release(mac string) {
	e.mu.Lock()
	delete(e.inflight, mac)
	e.mu.Unlock()
}

// submit persists pending and hands mac to the workers. The caller holds the claim.
func (e *Engine) submit(ctx context.Context, mac string) (bool, error) {
	prior, err := e.store.MarkPending(ctx, mac)
	if errors.Is(err, device.ErrAlreadyResolved) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark %s pending: %w", mac, err)
	}

	select {
	case e.queue <- mac:
		metrics.SetQueueDepth(len(e.queue))
		e.logger.Debug("Queued %s (was %s)", mac, prior)
		return true, nil
	default:
	}

	rollback := prior
	if prior == device.StatusPending {
		rollback = device.StatusUnresolved
	}
	if err := e.store.SetManufacturerStatus(ctx, mac, rollback, "", nil); err != nil {
		e.logger.Error("Failed to restore %s to %s after queue overflow: %v", mac, rollback, err)
	}
	e.logger.Warn("Queue full (%d), %s left %s for the next sweep", cap(e.queue), mac, rollback)
	return false, ErrQueueFull
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case mac := <-e.queue:
			metrics.SetQueueDepth(len(e.queue))
			e.process(ctx, mac)
		}
	}
}

// process runs one lookup for mac and records the outcome. It never retries;
// failed devices wait for the sweep.
func (e *Engine) process(ctx context.Context, mac string) {
	defer e.release(mac)

	name, err := e.resolve(ctx, mac)

	// The write budget starts once the lookup is over.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
	defer cancel()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shut down before any provider was asked.
		if err := e.store.SetManufacturerStatus(writeCtx, mac, device.StatusUnresolved, "", nil); err != nil {
			e.logger.Error("Failed to park %s during shutdown: %v", mac, err)
		}
		return
	}

	at := e.now().UTC()
	if err != nil {
		e.logger.Info("Manufacturer lookup for %s failed: %v", mac, err)
		if err := e.store.SetManufacturerStatus(writeCtx, mac, device.StatusFailed, "", &at); err != nil {
			e.logger.Error("Failed to record lookup failure for %s: %v", mac, err)
		}
		return
	}

	if err := e.store.SetManufacturerStatus(writeCtx, mac, device.StatusResolved, name, &at); err != nil {
		e.logger.Error("Failed to record manufacturer for %s: %v", mac, err)
		return
	}
	e.logger.Info("Resolved %s to %q", mac, name)
}

// resolve walks the provider chain. Remote providers wait for the limiter with
// the engine's run context; the call itself gets its own bounded timeout so a
// lookup on the wire survives shutdown until the timeout. Once ctx is done no
// further provider is tried.
func (e *Engine) resolve(ctx context.Context, mac string) (string, error) {
	if len(e.providers) == 0 {
		return "", fmt.Errorf("%w: no providers configured", ErrLookupFailed)
	}
	prefix := device.Prefix(mac)

	var errs []error
	for _, p := range e.providers {
		if err := ctx.Err(); err != nil {
			if len(errs) == 0 {
				return "", err
			}
			break
		}
		if p.Remote() && e.limiter != nil {
			if err := e.limiter.Acquire(ctx); err != nil {
				if len(errs) == 0 {
					return "", err
				}
				break
			}
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LookupTimeout)
		start := time.Now()
		name, err := p.Lookup(callCtx, prefix)
		cancel()

		if err == nil {
			metrics.ObserveLookup(p.Name(), metrics.ResultSuccess, time.Since(start))
			return name, nil
		}
		metrics.ObserveLookup(p.Name(), metrics.ResultError, time.Since(start))
		e.logger.Debug("Provider %s: %v", p.Name(), err)
		errs = append(errs, err)
	}
	return "", fmt.Errorf("%w: %w", ErrLookupFailed, errors.Join(errs...))
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("Retry sweep: %v", err)
			}
			if n > 0 {
				e.logger.Info("Retry sweep re-enqueued %d device(s)", n)
			}
		}
	}
}

// Sweep re-enqueues failed devices whose last attempt is at least one sweep
// interval old, plus unresolved or pending devices that nothing is working on.
// Resolved devices are never touched. It returns the number enqueued.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	devices, err := e.store.ListByStatus(ctx, device.StatusFailed, device.StatusUnresolved, device.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list retry candidates: %w", err)
	}

	now := e.now()
	n := 0
	for _, d := range devices {
		if d.ManufacturerStatus == device.StatusFailed && !e.due(d, now) {
			continue
		}
		ok, err := e.enqueue(ctx, d.MAC)
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrEngineStopped) {
			metrics.AddSweepRequeued(n)
			return n, err
		}
		if err != nil {
			e.logger.Warn("Sweep could not enqueue %s: %v", d.MAC, err)
			continue
		}
		if ok {
			n++
		}
	}
	metrics.AddSweepRequeued(n)
	return n, nil
}

func (e *Engine) due(d *device.Device, now time.Time) bool {
	if d.ManufacturerAttemptedAt == nil {
		return true
	}
	return now.Sub(*d.ManufacturerAttemptedAt) >= e.cfg.SweepInterval
}

// ForceRetry resets a non-resolved device to unresolved and enqueues it,
// regardless of sweep timing. It returns 1 when a lookup was scheduled and 0
// when the device is resolved or a lookup is already outstanding.
func (e *Engine) ForceRetry(ctx context.Context, mac string) (int, error) {
	mac, err := device.NormalizeMAC(mac)
	if err != nil {
		return 0, err
	}

	claimed, err := e.claim(mac)
	if !claimed {
		return 0, err
	}

	ok, err := e.forceRetryClaimed(ctx, mac)
	if !ok {
		e.release(mac)
		return 0, err
	}
	return 1, nil
}

func (e *Engine) forceRetryClaimed(ctx context.Context, mac string) (bool, error) {
	d, err := e.store.Get(ctx, mac)
	if err != nil {
		return false, err
	}
	if d.ManufacturerStatus == device.StatusResolved {
		return false, nil
	}
	if err := e.store.SetManufacturerStatus(ctx, mac, device.StatusUnresolved, "", nil); err != nil {
		return false, fmt.Errorf("reset %s: %w", mac, err)
	}
	return e.submit(ctx, mac)
}

// ForceRetryAll applies ForceRetry to every non-resolved device and returns
// how many lookups were scheduled.
func (e *Engine) ForceRetryAll(ctx context.Context) (int, error) {
	devices, err := e.store.ListByStatus(ctx, device.StatusFailed, device.StatusUnresolved, device.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list retry candidates: %w", err)
	}

	total := 0
	for _, d := range devices {
		n, err := e.ForceRetry(ctx, d.MAC)
		total += n
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrEngineStopped) {
			return total, err
		}
		if err != nil {
			e.logger.Warn("Force retry of %s failed: %v", d.MAC, err)
		}
	}
	e.logger.Info("Force retry scheduled %d lookup(s)", total)
	return total, nil
}

// GetStatus reads the persisted enrichment state without blocking on lookups.
func (e *Engine) GetStatus(ctx context.Context, mac string) (device.ManufacturerStatus, string, error) {
	mac, err := device.NormalizeMAC(mac)
	if err != nil {
		return "", "", err
	}
	d, err := e.store.Get(ctx, mac)
	if err != nil {
		return "", "", err
	}
	return d.ManufacturerStatus, d.Manufacturer, nil
}

// DisplayManufacturer returns a label for UIs: the name when resolved,
// "Unknown" after a failed lookup and "Loading..." otherwise. Unresolved
// devices are enqueued as a side effect.
func (e *Engine) DisplayManufacturer(ctx context.Context, mac string) (string, error) {
	status, name, err := e.GetStatus(ctx, mac)
	if err != nil {
		return "", err
	}

	switch status {
	case device.StatusResolved:
		return name, nil
	case device.StatusFailed:
		return PlaceholderUnknown, nil
	}

	canonical, _ := device.NormalizeMAC(mac)
	if status == device.StatusUnresolved || !e.InFlight(canonical) {
		if _, err := e.enqueue(ctx, canonical); err != nil {
			e.logger.Debug("Enqueue on read for %s: %v", canonical, err)
		}
	}
	return PlaceholderLoading, nil
}

// InFlight reports whether a lookup for mac is queued or running.
func (e *Engine) InFlight(mac string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[mac]
	return ok
}

// QueueDepth is the number of MACs waiting for a worker.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Package orchestrator wires the presence service together and manages the
// lifecycle of its components.
//
// Startup sequence:
//  1. Device store (Badger or SQLite, per database.driver)
//  2. Live feed hub (if enabled)
//  3. Notification dispatcher and its transports
//  4. Manufacturer enrichment engine (recovery, workers, retry sweep)
//  5. DHCP capture (if enabled)
//  6. Web API server
//
// Components implement the Component interface and are stopped in reverse
// order on SIGINT/SIGTERM. The store is closed last.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mosiko1234/heimdal/presence/internal/api"
	"github.com/mosiko1234/heimdal/presence/internal/config"
	"github.com/mosiko1234/heimdal/presence/internal/database"
	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/dhcp"
	"github.com/mosiko1234/heimdal/presence/internal/errors"
	"github.com/mosiko1234/heimdal/presence/internal/ingest"
	"github.com/mosiko1234/heimdal/presence/internal/livefeed"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/manufacturer"
	"github.com/mosiko1234/heimdal/presence/internal/metrics"
	"github.com/mosiko1234/heimdal/presence/internal/notify"
	"github.com/mosiko1234/heimdal/presence/internal/oui"
	"github.com/mosiko1234/heimdal/presence/internal/ratelimit"
	"github.com/mosiko1234/heimdal/presence/internal/sqlstore"
)

const shutdownTimeout = 5 * time.Second

// Component interface defines the lifecycle methods for all components
type Component interface {
	Start() error
	Stop() error
	Name() string
}

// Orchestrator manages the lifecycle of all presence components
type Orchestrator struct {
	config     *config.Config
	store      device.Store
	components []Component
	logger     *logger.Logger

	engine     *manufacturer.Engine
	dispatcher *notify.Dispatcher
	ingestor   *ingest.Ingestor
	hub        *livefeed.Hub
	apiServer  *api.APIServer
	mqttClient pahomqtt.Client

	started int
	status  map[string]bool
	mu      sync.Mutex
}

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg *config.Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	return &Orchestrator{
		config:     cfg,
		logger:     logger.NewComponentLogger("Orchestrator"),
		components: make([]Component, 0),
		status:     make(map[string]bool),
	}, nil
}

// Run starts all components and blocks until shutdown signal is received
func (o *Orchestrator) Run() error {
	o.logger.Info("=== Presence Service Starting ===")

	if err := o.Initialize(context.Background()); err != nil {
		o.Shutdown()
		return errors.Wrap(err, "failed to initialize components")
	}
	if err := o.Start(); err != nil {
		o.Shutdown()
		return errors.Wrap(err, "failed to start components")
	}

	o.logger.Info("=== Presence Service Running ===")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	o.logger.Info("Received signal: %v", sig)

	return o.Shutdown()
}

// Initialize builds every component without starting any of them.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.logger.Info("Initializing components...")
	metrics.Init()

	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	o.store = store

	providers, err := o.buildProviders()
	if err != nil {
		return err
	}

	transports, err := o.buildTransports()
	if err != nil {
		return err
	}
	if o.hub != nil {
		o.components = append(o.components, o.hub)
	}

	o.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Topic:         o.config.Notify.Ntfy.Topic,
		Timeout:       o.config.Notify.Timeout(),
		MaxConcurrent: int64(o.config.Notify.MaxConcurrent),
	}, transports...)
	o.components = append(o.components, o.dispatcher)

	ec := o.config.Enrichment
	o.engine = manufacturer.NewEngine(store, providers, ratelimit.New(ec.MinInterval()), manufacturer.Config{
		QueueSize:     ec.QueueSize,
		Workers:       ec.Workers,
		SweepInterval: ec.SweepInterval(),
		LookupTimeout: ec.LookupTimeout(),
	})
	o.components = append(o.components, o.engine)

	o.ingestor = ingest.NewIngestor(store, o.engine, o.dispatcher)

	if o.config.DHCP.Enabled {
		capture, err := dhcp.NewCapture(o.config.DHCP.Interface, o.ingestor)
		if err != nil {
			return errors.Wrap(err, "failed to create DHCP capture")
		}
		o.components = append(o.components, capture)
	}

	var feed http.Handler
	if o.hub != nil {
		feed = o.hub
	}
	o.apiServer = api.NewAPIServer(store, o.ingestor, o.engine, feed, api.Config{
		Host:               o.config.API.Host,
		Port:               o.config.API.Port,
		RateLimitPerMinute: o.config.API.RateLimitPerMinute,
	})
	o.components = append(o.components, o.apiServer)

	o.logger.Info("Initialized %d components", len(o.components))
	return nil
}

func (o *Orchestrator) openStore(ctx context.Context) (device.Store, error) {
	dc := o.config.Database
	o.logger.Info("Opening %s store at %s", dc.Driver, dc.Path)

	switch dc.Driver {
	case config.DriverSQLite:
		s, err := sqlstore.Open(ctx, dc.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open sqlite store")
		}
		return s, nil
	default:
		db, err := database.Open(ctx, database.Options{
			Path:       dc.Path,
			GCInterval: time.Duration(dc.GCInterval) * time.Minute,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to open badger store")
		}
		return db, nil
	}
}

func (o *Orchestrator) buildProviders() ([]manufacturer.Provider, error) {
	ec := o.config.Enrichment
	providers := make([]manufacturer.Provider, 0, len(ec.Providers))
	for _, name := range ec.Providers {
		switch name {
		case "macvendors":
			providers = append(providers, manufacturer.NewMacVendors(ec.MacVendorsURL, ec.LookupTimeout()))
		case "maclookup":
			providers = append(providers, manufacturer.NewMacLookup(ec.MacLookupURL, ec.LookupTimeout()))
		case "oui":
			db, err := oui.LoadFile(ec.OUIFile)
			if err != nil {
				return nil, errors.Wrap(err, "failed to load OUI file %s", ec.OUIFile)
			}
			o.logger.Info("Loaded %d OUI entries from %s", db.Len(), ec.OUIFile)
			providers = append(providers, &manufacturer.OUIFile{DB: db})
		default:
			return nil, fmt.Errorf("unknown manufacturer provider: %s", name)
		}
	}
	return providers, nil
}

func (o *Orchestrator) buildTransports() ([]notify.Transport, error) {
	nc := o.config.Notify
	transports := make([]notify.Transport, 0, 3)

	if nc.Ntfy.Enabled {
		transports = append(transports, notify.NewNtfyTransport(nc.Ntfy.URL, nc.Ntfy.Topic, nc.Ntfy.Token))
	}

	if nc.MQTT.Enabled {
		t, client, err := notify.ConnectMQTT(notify.MQTTConfig{
			Broker:      nc.MQTT.Broker,
			ClientID:    nc.MQTT.ClientID,
			Username:    nc.MQTT.Username,
			Password:    nc.MQTT.Password,
			TopicPrefix: nc.MQTT.TopicPrefix,
			QoS:         byte(nc.MQTT.QoS),
		})
		if err != nil {
			// Notifications are best-effort; run without MQTT rather than refuse to start.
			o.logger.Warn("MQTT transport disabled: %v", err)
		} else {
			o.mqttClient = client
			transports = append(transports, t)
		}
	}

	if nc.LiveFeed.Enabled {
		o.hub = livefeed.NewHub()
		transports = append(transports, o.hub)
	}
	return transports, nil
}

// Start starts every initialized component in order. On failure the
// components already started are left for Shutdown.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, c := range o.components {
		o.logger.Info("Starting component: %s", c.Name())
		if err := c.Start(); err != nil {
			return errors.NewComponentError(c.Name(), "start", err)
		}
		o.started++
		o.status[c.Name()] = true
	}
	o.logger.Info("All %d components started successfully", o.started)
	return nil
}

// Shutdown stops started components in reverse order within the shutdown
// timeout, then disconnects MQTT and closes the store.
func (o *Orchestrator) Shutdown() error {
	o.logger.Info("=== Presence Service Shutting Down ===")

	o.mu.Lock()
	defer o.mu.Unlock()

	toStop := make([]Component, 0, o.started)
	for i := o.started - 1; i >= 0; i-- {
		toStop = append(toStop, o.components[i])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range toStop {
			o.logger.Info("Stopping component: %s", c.Name())
			if err := c.Stop(); err != nil {
				o.logger.Warn("Error stopping %s: %v", c.Name(), err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(o.shutdownBudget()):
		o.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	for _, c := range toStop {
		o.status[c.Name()] = false
	}
	o.started = 0

	if o.mqttClient != nil {
		o.mqttClient.Disconnect(250)
		o.mqttClient = nil
	}
	if o.store != nil {
		o.logger.Info("Closing database...")
		errors.SafeClose(o.store, "database")
		o.store = nil
	}

	o.logger.Info("=== Presence Service Stopped ===")
	return nil
}

// shutdownBudget leaves room for an in-flight lookup and its store write on
// top of the base timeout, so the store is not closed under a running worker.
func (o *Orchestrator) shutdownBudget() time.Duration {
	if o.engine == nil {
		return shutdownTimeout
	}
	return shutdownTimeout + o.engine.StopBudget()
}

// GetComponentStatus returns the current running state of all components
func (o *Orchestrator) GetComponentStatus() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := make(map[string]bool, len(o.status))
	for name, running := range o.status {
		status[name] = running
	}
	return status
}

// Ingestor exposes the event ingestor, mainly for tests.
func (o *Orchestrator) Ingestor() *ingest.Ingestor {
	return o.ingestor
}

// Store exposes the opened device store, mainly for tests.
func (o *Orchestrator) Store() device.Store {
	return o.store
}

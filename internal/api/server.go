// Package api exposes the presence registry over HTTP.
//
// The APIServer is a thin adapter: it decodes requests, calls the ingestor,
// the device store or the enrichment engine, and renders JSON. It uses the
// gorilla/mux router and per-IP rate limiting.
//
// API Endpoints:
//
//	POST   /api/events                    → Ingest a DHCP event (204)
//	GET    /api/devices                   → List devices (first_seen order)
//	GET    /api/devices/{mac}             → Get one device
//	PUT    /api/devices/{mac}             → Update name / notify flag
//	DELETE /api/devices/{mac}             → Forget a device
//	GET    /api/manufacturer/{mac}        → Manufacturer label or placeholder
//	POST   /api/manufacturer/retry        → Re-enqueue every failed device
//	POST   /api/manufacturer/retry/{mac}  → Re-enqueue one device
//	GET    /health                        → Health check
//	GET    /metrics                       → Prometheus metrics
//	GET    /ws                            → Live notification feed
//
// Status codes: malformed input is 422, unknown MACs are 404, store failures 500.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/manufacturer"
	"github.com/mosiko1234/heimdal/presence/internal/metrics"
)

const maxBodyBytes = 64 << 10

// EventHandler ingests presence events.
type EventHandler interface {
	Handle(ctx context.Context, ev device.Event) (*device.Device, error)
}

// Enrichment is the manufacturer engine surface used by the API.
type Enrichment interface {
	DisplayManufacturer(ctx context.Context, mac string) (string, error)
	ForceRetry(ctx context.Context, mac string) (int, error)
	ForceRetryAll(ctx context.Context) (int, error)
}

// Config holds listener settings.
type Config struct {
	Host               string
	Port               int
	RateLimitPerMinute int
}

// APIServer serves the REST API
type APIServer struct {
	store       device.Store
	ingestor    EventHandler
	enrichment  Enrichment
	liveFeed    http.Handler
	router      *mux.Router
	server      *http.Server
	cfg         Config
	rateLimiter *rateLimiterMiddleware
	startTime   time.Time
	logger      *logger.Logger
}

// Limiters idle this long are full again and can be dropped.
const (
	limiterIdleTTL       = 3 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterMiddleware implements per-IP rate limiting
type rateLimiterMiddleware struct {
	limiters  map[string]*clientLimiter
	mu        sync.Mutex
	rate      int // requests per minute
	now       func() time.Time
	lastSweep time.Time
}

func newRateLimiterMiddleware(perMinute int, now func() time.Time) *rateLimiterMiddleware {
	return &rateLimiterMiddleware{
		limiters:  make(map[string]*clientLimiter),
		rate:      perMinute,
		now:       now,
		lastSweep: now(),
	}
}

// limiterFor returns ip's limiter and evicts idle ones at most once per sweep
// interval.
func (rl *rateLimiterMiddleware) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= limiterSweepInterval {
		for key, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) >= limiterIdleTTL {
				delete(rl.limiters, key)
			}
		}
		rl.lastSweep = now
	}

	cl, exists := rl.limiters[ip]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rl.rate)/60.0), rl.rate)}
		rl.limiters[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// tracked reports how many client limiters are held.
func (rl *rateLimiterMiddleware) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// NewAPIServer creates a new API server instance. liveFeed may be nil, in
// which case /ws is not routed.
func NewAPIServer(store device.Store, ingestor EventHandler, enrichment Enrichment, liveFeed http.Handler, cfg Config) *APIServer {
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 600
	}
	s := &APIServer{
		store:       store,
		ingestor:    ingestor,
		enrichment:  enrichment,
		liveFeed:    liveFeed,
		router:      mux.NewRouter(),
		cfg:         cfg,
		rateLimiter: newRateLimiterMiddleware(cfg.RateLimitPerMinute, time.Now),
		startTime:   time.Now(),
		logger:      logger.NewComponentLogger("API"),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.rateLimiter.middleware)
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handlePostEvent).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.handleGetDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{mac}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{mac}", s.handleUpdateDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{mac}", s.handleDeleteDevice).Methods(http.MethodDelete)
	api.HandleFunc("/manufacturer/retry", s.handleRetryAll).Methods(http.MethodPost)
	api.HandleFunc("/manufacturer/retry/{mac}", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/manufacturer/{mac}", s.handleGetManufacturer).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleGetHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.liveFeed != nil {
		s.router.Handle("/ws", s.liveFeed)
	}
}

// corsMiddleware adds CORS headers for local network access
func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (rl *rateLimiterMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !rl.limiterFor(ip).Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests in the background.
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Listening on %s", s.server.Addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Name returns the component name
func (s *APIServer) Name() string {
	return "APIServer"
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("API: failed to encode JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondStoreError maps store sentinels onto status codes.
func (s *APIServer) respondStoreError(w http.ResponseWriter, op, mac string, err error) {
	switch {
	case errors.Is(err, device.ErrNotFound):
		respondError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, device.ErrInvalidMAC), errors.Is(err, device.ErrInvalidEvent), errors.Is(err, device.ErrNameTooLong):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, manufacturer.ErrQueueFull), errors.Is(err, manufacturer.ErrEngineStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Failed to %s %s: %v", op, mac, err)
		respondError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// macVar extracts and canonicalises the {mac} route variable.
func macVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac, err := device.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid MAC address")
		return "", false
	}
	return mac, true
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// DevicesResponse is the device list body
type DevicesResponse struct {
	Devices []*device.Device `json:"devices"`
	Count   int              `json:"count"`
}

// DeviceUpdateRequest is the PUT /api/devices/{mac} body
type DeviceUpdateRequest struct {
	Name   *string `json:"name"`
	Notify *bool   `json:"notify"`
}

// StatusResponse acknowledges a write
type StatusResponse struct {
	Status string `json:"status"`
}

// ManufacturerResponse carries a display label
type ManufacturerResponse struct {
	Manufacturer string `json:"manufacturer"`
}

// RetryResponse reports how many lookups were scheduled
type RetryResponse struct {
	Retried int `json:"retried"`
}

// HealthResponse represents health check status
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

type eventRequest struct {
	Action string `json:"action"`
	MAC    string `json:"mac"`
	IP     string `json:"ip"`
	Host   string `json:"host"`
}

func (s *APIServer) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		metrics.IncEvent(string(device.ActionUnknown), metrics.ResultInvalid)
		respondError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}

	_, err := s.ingestor.Handle(r.Context(), device.Event{
		Action: device.Action(req.Action),
		MAC:    req.MAC,
		IP:     req.IP,
		Host:   req.Host,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, device.ErrInvalidEvent):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "failed to record event")
	}
}

func (s *APIServer) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list devices: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to retrieve devices")
		return
	}
	respondJSON(w, http.StatusOK, DevicesResponse{Devices: devices, Count: len(devices)})
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macVar(w, r)
	if !ok {
		return
	}
	d, err := s.store.Get(r.Context(), mac)
	if err != nil {
		s.respondStoreError(w, "retrieve device", mac, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *APIServer) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macVar(w, r)
	if !ok {
		return
	}
	var req DeviceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}
	if _, err := s.store.UpdateFields(r.Context(), mac, device.FieldUpdate{Name: req.Name, Notify: req.Notify}); err != nil {
		s.respondStoreError(w, "update device", mac, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "updated"})
}

func (s *APIServer) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macVar(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), mac); err != nil {
		s.respondStoreError(w, "delete device", mac, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *APIServer) handleGetManufacturer(w http.ResponseWriter, r *http.Request) {
	mac, ok := macVar(w, r)
	if !ok {
		return
	}
	label, err := s.enrichment.DisplayManufacturer(r.Context(), mac)
	if err != nil {
		s.respondStoreError(w, "retrieve manufacturer", mac, err)
		return
	}
	respondJSON(w, http.StatusOK, ManufacturerResponse{Manufacturer: label})
}

func (s *APIServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	mac, ok := macVar(w, r)
	if !ok {
		return
	}
	n, err := s.enrichment.ForceRetry(r.Context(), mac)
	if err != nil {
		s.respondStoreError(w, "retry manufacturer lookup", mac, err)
		return
	}
	respondJSON(w, http.StatusOK, RetryResponse{Retried: n})
}

func (s *APIServer) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.enrichment.ForceRetryAll(r.Context())
	if errors.Is(err, manufacturer.ErrQueueFull) {
		// Partial progress; the sweep picks up the rest.
		respondJSON(w, http.StatusOK, RetryResponse{Retried: n})
		return
	}
	if err != nil {
		s.logger.Error("Failed to retry manufacturer lookups: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to retry manufacturer lookups")
		return
	}
	respondJSON(w, http.StatusOK, RetryResponse{Retried: n})
}

func (s *APIServer) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if _, err := s.store.List(r.Context()); err != nil {
		dbStatus = "unhealthy"
	}

	uptime := time.Since(s.startTime)
	uptimeStr := fmt.Sprintf("%dd %dh %dm %ds",
		int(uptime.Hours())/24,
		int(uptime.Hours())%24,
		int(uptime.Minutes())%60,
		int(uptime.Seconds())%60,
	)

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Uptime:    uptimeStr,
		Database:  dbStatus,
		Timestamp: time.Now(),
	})
}

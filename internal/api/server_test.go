package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/ingest"
	"github.com/mosiko1234/heimdal/presence/internal/manufacturer"
	"github.com/mosiko1234/heimdal/presence/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnrichment struct {
	mu      sync.Mutex
	labels  map[string]string
	retried []string
	retryN  int
	err     error
}

func (f *fakeEnrichment) DisplayManufacturer(ctx context.Context, mac string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if label, ok := f.labels[mac]; ok {
		return label, nil
	}
	return "", device.ErrNotFound
}

func (f *fakeEnrichment) ForceRetry(ctx context.Context, mac string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, mac)
	return 1, f.err
}

func (f *fakeEnrichment) ForceRetryAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryN, f.err
}

type testServer struct {
	srv      *APIServer
	store    *mocks.MockStore
	enrich   *fakeEnrichment
	notifier *mocks.RecordingNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := mocks.NewMockStore(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	notifier := &mocks.RecordingNotifier{}
	enrich := &fakeEnrichment{labels: map[string]string{}}
	ing := ingest.NewIngestor(store, &mocks.RecordingEnqueuer{}, notifier)
	srv := NewAPIServer(store, ing, enrich, nil, Config{Host: "127.0.0.1", Port: 0, RateLimitPerMinute: 10000})
	return &testServer{srv: srv, store: store, enrich: enrich, notifier: notifier}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPostEvent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events", `{"action":"assigned","mac":"00:11:22:33:44:55","ip":"192.168.1.100","host":"test-device"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	d, err := ts.store.Get(context.Background(), "00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, "test-device", d.Host)
	require.Len(t, ts.notifier.Calls(), 1)
}

func TestPostEventValidation(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{
		"invalid json",
		`{"action":"assigned"}`,
		`{"action":"assigned","mac":"zz:11:22:33:44:55","ip":"10.0.0.1"}`,
		`{"action":"assigned","mac":"00:11:22:33:44:55","ip":"not-an-ip"}`,
	} {
		rec := ts.do(t, http.MethodPost, "/api/events", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
	}
}

func TestPostEventStoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.SetUpsertError(assert.AnError)

	rec := ts.do(t, http.MethodPost, "/api/events", `{"action":"assigned","mac":"00:11:22:33:44:55","ip":"10.0.0.1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeviceCRUD(t *testing.T) {
	ts := newTestServer(t)
	ts.store.Put(device.New("00:11:22:33:44:55", "10.0.0.1", "nas", time.Now()))

	rec := ts.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = ts.do(t, http.MethodGet, "/api/devices/00-11-22-33-44-55", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/devices/00:11:22:33:44:55", `{"name":"Storage","notify":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := ts.store.Get(context.Background(), "00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, "Storage", d.Name)
	assert.False(t, d.Notify)

	rec = ts.do(t, http.MethodPut, "/api/devices/00:11:22:33:44:55", `{"name":"`+strings.Repeat("x", 256)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/devices/00:11:22:33:44:55", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/devices/00:11:22:33:44:55", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/devices/00:11:22:33:44:55", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/devices/garbage", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestManufacturerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.enrich.labels["00:11:22:33:44:55"] = manufacturer.PlaceholderLoading
	ts.enrich.retryN = 3

	rec := ts.do(t, http.MethodGet, "/api/manufacturer/00:11:22:33:44:55", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var mr ManufacturerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mr))
	assert.Equal(t, "Loading...", mr.Manufacturer)

	rec = ts.do(t, http.MethodGet, "/api/manufacturer/aa:bb:cc:dd:ee:ff", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/manufacturer/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rr RetryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))
	assert.Equal(t, 3, rr.Retried)

	rec = ts.do(t, http.MethodPost, "/api/manufacturer/retry/AA:BB:CC:DD:EE:FF", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, ts.enrich.retried)

	ts.enrich.err = manufacturer.ErrQueueFull
	rec = ts.do(t, http.MethodPost, "/api/manufacturer/retry/aa:bb:cc:dd:ee:ff", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "healthy", h.Database)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.srv = NewAPIServer(ts.store, ingest.NewIngestor(ts.store, nil, nil), ts.enrich, nil, Config{RateLimitPerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/health", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rl := newRateLimiterMiddleware(60, func() time.Time { return now })

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.True(t, rl.limiterFor(ip).Allow())
	}
	assert.Equal(t, 3, rl.tracked())

	now = now.Add(2 * time.Minute)
	rl.limiterFor("10.0.0.1")
	assert.Equal(t, 3, rl.tracked(), "nothing is idle long enough yet")

	now = now.Add(limiterIdleTTL - time.Minute)
	rl.limiterFor("10.0.0.4")
	assert.Equal(t, 2, rl.tracked(), "only the recently seen client and the new one remain")
}

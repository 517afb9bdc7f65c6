package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/config"
	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = filepath.Join(t.TempDir(), "presence.db")
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = freePort(t)
	cfg.Notify.Ntfy.Enabled = false
	cfg.Notify.LiveFeed.Enabled = true
	// Unreachable providers keep the test offline; lookups simply fail.
	cfg.Enrichment.MacVendorsURL = "http://127.0.0.1:1"
	cfg.Enrichment.MacLookupURL = "http://127.0.0.1:1"
	cfg.Enrichment.LookupTimeoutSecs = 1
	cfg.Logging.File = filepath.Join(t.TempDir(), "presence.log")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewOrchestratorRequiresConfig(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Start())

	status := o.GetComponentStatus()
	for _, name := range []string{"livefeed", "Notification Dispatcher", "Enrichment Engine", "APIServer"} {
		assert.True(t, status[name], name)
	}

	d, err := o.Ingestor().Handle(context.Background(), device.Event{Action: "assigned", MAC: "00:11:22:33:44:55", IP: "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:44:55", d.MAC)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.API.Port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, o.Shutdown())
	for name, running := range o.GetComponentStatus() {
		assert.False(t, running, name)
	}
	assert.Nil(t, o.Store())
}

func TestInitializeRejectsMissingOUIFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enrichment.Providers = []string{"oui"}
	cfg.Enrichment.OUIFile = filepath.Join(t.TempDir(), "missing.txt")

	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	assert.Error(t, o.Initialize(context.Background()))
	require.NoError(t, o.Shutdown())
}

func TestShutdownBudgetCoversInFlightLookup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enrichment.LookupTimeoutSecs = 30

	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	assert.Equal(t, shutdownTimeout, o.shutdownBudget())

	require.NoError(t, o.Initialize(context.Background()))
	defer o.Shutdown()

	assert.Equal(t, shutdownTimeout+30*time.Second+5*time.Second, o.shutdownBudget())
}

// Package manufacturer resolves device manufacturers from MAC prefixes.
//
// The Engine owns the per-MAC lookup state machine:
//
//	unresolved → pending → resolved (terminal)
//	unresolved → pending → failed → pending → ...
//
// Lookups are performed by a single background worker pulling from a bounded
// queue. Every call to a remote Provider first acquires the shared rate limiter.
// Failures of any kind are recorded uniformly as failed and retried by the
// periodic sweep; the concrete reason only reaches the logs.
package manufacturer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mosiko1234/heimdal/presence/internal/oui"
)

// ErrLookupFailed is returned for every unsuccessful lookup: transport errors,
// non-200 answers, "not found" bodies and malformed payloads alike.
var ErrLookupFailed = errors.New("manufacturer lookup failed")

const maxResponseBytes = 64 << 10

// Provider resolves a MAC prefix ("00:11:22") to an organisation name.
type Provider interface {
	Name() string
	// Remote providers are gated by the shared rate limiter.
	Remote() bool
	Lookup(ctx context.Context, prefix string) (string, error)
}

func lookupError(provider, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrLookupFailed, provider, fmt.Sprintf(format, args...))
}

// MacVendors queries the plain-text api.macvendors.com service.
type MacVendors struct {
	BaseURL string
	Client  *http.Client
}

// NewMacVendors returns a provider for baseURL (e.g. https://api.macvendors.com).
func NewMacVendors(baseURL string, timeout time.Duration) *MacVendors {
	return &MacVendors{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *MacVendors) Name() string { return "macvendors" }
func (p *MacVendors) Remote() bool { return true }

// Lookup returns the response body as the manufacturer name.
func (p *MacVendors) Lookup(ctx context.Context, prefix string) (string, error) {
	body, err := get(ctx, p.Client, p.BaseURL+"/"+url.PathEscape(prefix), "text/plain")
	if err != nil {
		return "", lookupError(p.Name(), "%v", err)
	}
	name := strings.TrimSpace(string(body))
	switch {
	case name == "":
		return "", lookupError(p.Name(), "empty response")
	case strings.Contains(name, "Not Found"), strings.HasPrefix(name, "Error"), strings.HasPrefix(name, "{"):
		return "", lookupError(p.Name(), "no match: %.80s", name)
	}
	return name, nil
}

// MacLookup queries the JSON api.maclookup.app v2 service.
type MacLookup struct {
	BaseURL string
	Client  *http.Client
}

// NewMacLookup returns a provider for baseURL (e.g. https://api.maclookup.app/v2/macs).
func NewMacLookup(baseURL string, timeout time.Duration) *MacLookup {
	return &MacLookup{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *MacLookup) Name() string { return "maclookup" }
func (p *MacLookup) Remote() bool { return true }

type macLookupResponse struct {
	Success bool   `json:"success"`
	Found   *bool  `json:"found"`
	Company string `json:"company"`
}

// Lookup decodes {"company": "..."} from the response.
func (p *MacLookup) Lookup(ctx context.Context, prefix string) (string, error) {
	body, err := get(ctx, p.Client, p.BaseURL+"/"+url.PathEscape(prefix), "application/json")
	if err != nil {
		return "", lookupError(p.Name(), "%v", err)
	}
	var resp macLookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", lookupError(p.Name(), "malformed response: %v", err)
	}
	if resp.Found != nil && !*resp.Found {
		return "", lookupError(p.Name(), "prefix not registered")
	}
	name := strings.TrimSpace(resp.Company)
	if name == "" {
		return "", lookupError(p.Name(), "empty company")
	}
	return name, nil
}

func get(ctx context.Context, client *http.Client, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "heimdal-presence")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, nil
}

// OUIFile answers from a local IEEE registry without touching the network.
type OUIFile struct {
	DB *oui.Database
}

func (p *OUIFile) Name() string { return "oui" }
func (p *OUIFile) Remote() bool { return false }

func (p *OUIFile) Lookup(ctx context.Context, prefix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", lookupError(p.Name(), "%v", err)
	}
	name, ok := p.DB.Lookup(prefix)
	if !ok {
		return "", lookupError(p.Name(), "prefix %s not in registry", prefix)
	}
	return name, nil
}

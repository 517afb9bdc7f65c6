package mocks

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a scripted manufacturer.Provider. Results are keyed by MAC
// prefix; unknown prefixes fail.
type MockProvider struct {
	mu      sync.Mutex
	name    string
	remote  bool
	results map[string]string
	fail    bool
	calls   map[string]int
	active  int
	peak    int

	// Block, when set, is received from before each lookup returns.
	Block chan struct{}
}

// NewMockProvider returns a remote provider called name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:    name,
		remote:  true,
		results: make(map[string]string),
		calls:   make(map[string]int),
	}
}

// SetResult registers a manufacturer for prefix.
func (p *MockProvider) SetResult(prefix, manufacturer string) {
	p.mu.Lock()
	p.results[prefix] = manufacturer
	p.mu.Unlock()
}

// SetFailing makes every lookup fail.
func (p *MockProvider) SetFailing(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

// SetRemote toggles whether the provider is gated by the rate limiter.
func (p *MockProvider) SetRemote(remote bool) {
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()
}

// Calls returns the number of lookups made for prefix.
func (p *MockProvider) Calls(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[prefix]
}

// TotalCalls returns the number of lookups across all prefixes.
func (p *MockProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// PeakConcurrent is the highest number of overlapping lookups observed.
func (p *MockProvider) PeakConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) Remote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *MockProvider) Lookup(ctx context.Context, prefix string) (string, error) {
	p.mu.Lock()
	p.calls[prefix]++
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	block := p.Block
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", fmt.Errorf("%s: lookup failed for %s", p.name, prefix)
	}
	name, ok := p.results[prefix]
	if !ok {
		return "", fmt.Errorf("%s: %s not found", p.name, prefix)
	}
	return name, nil
}

package config

import (
	"sync"
	"time"
)

// DefaultReloadInterval bounds how stale a cached Config may get.
const DefaultReloadInterval = 60 * time.Second

// Provider serves a cached Config, re-reading the file once the cache
// is older than the reload interval. Invalidate forces the next Get to
// reload. Safe for concurrent use.
type Provider struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu     sync.Mutex
	cached *Config
	loaded time.Time
}

// NewProvider builds a Provider for the given config path. A ttl of 0
// selects DefaultReloadInterval.
func NewProvider(path string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultReloadInterval
	}
	return &Provider{path: path, ttl: ttl, now: time.Now}
}

// Get returns the current Config, reloading from disk when the cached
// copy is stale. A failed reload keeps serving the previous config so
// a transient file error never takes running traffic down.
func (p *Provider) Get() (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Sub(p.loaded) < p.ttl {
		return p.cached, nil
	}

	cfg, err := Load(p.path)
	if err != nil {
		if p.cached != nil {
			return p.cached, nil
		}
		return nil, err
	}
	p.cached = cfg
	p.loaded = p.now()
	return cfg, nil
}

// Invalidate discards the cached config. The next Get reloads.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/kipande/internal/snippet"
)

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	snippets map[string]snippet.Snippet
	flags    SurfaceFlags
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snippets: make(map[string]snippet.Snippet)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (*snippet.Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sn, ok := m.snippets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnippet(sn), nil
}

func (m *MemoryStore) List(_ context.Context) ([]snippet.Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]snippet.Snippet, 0, len(m.snippets))
	for _, sn := range m.snippets {
		out = append(out, *cloneSnippet(sn))
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, sn *snippet.Snippet) error {
	if err := snippet.ValidateName(sn.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snippets[sn.Name]; ok {
		return ErrExists
	}
	now := time.Now()
	sn.CreatedAt, sn.UpdatedAt = now, now
	m.snippets[sn.Name] = *cloneSnippet(*sn)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, sn *snippet.Snippet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.snippets[sn.Name]
	if !ok {
		return ErrNotFound
	}
	sn.CreatedAt = cur.CreatedAt
	sn.UpdatedAt = time.Now()
	m.snippets[sn.Name] = *cloneSnippet(*sn)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snippets[name]; !ok {
		return ErrNotFound
	}
	delete(m.snippets, name)
	return nil
}

func (m *MemoryStore) SetEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snippets[name]
	if !ok {
		return ErrNotFound
	}
	sn.Enabled = enabled
	sn.UpdatedAt = time.Now()
	m.snippets[name] = sn
	return nil
}

func (m *MemoryStore) SaveLastParameters(_ context.Context, name string, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snippets[name]
	if !ok {
		return ErrNotFound
	}
	sn.LastParameters = cloneParams(params)
	m.snippets[name] = sn
	return nil
}

func (m *MemoryStore) SurfaceFlags(_ context.Context) (SurfaceFlags, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags, nil
}

func (m *MemoryStore) SetSurfaceFlags(_ context.Context, flags SurfaceFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = flags
	return nil
}

func cloneSnippet(sn snippet.Snippet) *snippet.Snippet {
	sn.LastParameters = cloneParams(sn.LastParameters)
	return &sn
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

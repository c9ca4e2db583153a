package storage

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResponseTypeBasic marks a same-origin response whose headers and body are
// fully readable.
const ResponseTypeBasic = "basic"

// CachedResponse is a captured HTTP response.
type CachedResponse struct {
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Type       string      `json:"type"`
	StoredAt   time.Time   `json:"storedAt"`
}

// Clone returns a deep copy so callers can hand out entries without sharing
// body or header storage.
func (r CachedResponse) Clone() CachedResponse {
	out := r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return out
}

// CacheStore holds named caches. Each name is one cache generation.
type CacheStore interface {
	// Open returns the named cache, creating it when missing.
	Open(ctx context.Context, name string) (Cache, error)
	// Keys lists cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named cache and every entry in it. It reports
	// whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache maps request keys to captured responses. Put on a cache that has
// been deleted from its store fails with ErrNotFound.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp CachedResponse) error
	Keys(ctx context.Context) ([]string, error)
}

type memoryCacheStore struct {
	mu     sync.RWMutex
	caches map[string]*memoryCacheData
	order  []string
}

type memoryCacheData struct {
	entries map[string]CachedResponse
}

type memoryCache struct {
	store *memoryCacheStore
	name  string
}

func NewInMemoryCacheStore() CacheStore {
	return &memoryCacheStore{
		caches: map[string]*memoryCacheData{},
	}
}

func (s *memoryCacheStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		s.caches[name] = &memoryCacheData{entries: map[string]CachedResponse{}}
		s.order = append(s.order, name)
	}
	return &memoryCache{store: s, name: name}, nil
}

func (s *memoryCacheStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryCacheStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryCacheStore) Close() error {
	return nil
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key string) (CachedResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return CachedResponse{}, false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	data, ok := c.store.caches[c.name]
	if !ok {
		return CachedResponse{}, false, nil
	}
	resp, ok := data.entries[key]
	if !ok {
		return CachedResponse{}, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp CachedResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	data, ok := c.store.caches[c.name]
	if !ok {
		return ErrNotFound
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	data.entries[key] = resp.Clone()
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	data, ok := c.store.caches[c.name]
	if !ok {
		return nil, ErrNotFound
	}
	keys := make([]string, 0, len(data.entries))
	for key := range data.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

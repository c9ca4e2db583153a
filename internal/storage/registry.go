package storage

import (
	"strings"
	"sync"
)

type QueueStoreFactory func(dsn string, capacity int) (QueueStore, error)
type CacheStoreFactory func(dsn string) (CacheStore, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	queueFactories map[string]QueueStoreFactory
	cacheFactories map[string]CacheStoreFactory
}{
	queueFactories: map[string]QueueStoreFactory{},
	cacheFactories: map[string]CacheStoreFactory{},
}

// RegisterQueueStoreFactory lets callers plug a backend in for a DSN scheme.
// Registered factories take precedence over the built-in ones.
func RegisterQueueStoreFactory(scheme string, factory QueueStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterCacheStoreFactory(scheme string, factory CacheStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func lookupQueueStoreFactory(scheme string) (QueueStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupCacheStoreFactory(scheme string) (CacheStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildQueueStoreFromDSN picks an outbox backend from a DSN. An empty DSN
// yields an in-memory store.
func BuildQueueStoreFromDSN(dsn string, capacity int) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueueStore(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupQueueStoreFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueueStore(path, capacity)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueueStore(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueueStore(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueueStore(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: queue store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue store scheme: %s", scheme)
	}
}

// BuildCacheStoreFromDSN picks a cache backend from a DSN. Bare paths open a
// SQLite file; an empty DSN yields an in-memory store.
func BuildCacheStoreFromDSN(dsn string) (CacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCacheStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupCacheStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCacheStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCacheStore(), nil
	case "postgres", "postgresql", "redis", "rediss", "s3":
		return nil, fmt.Errorf("%w: cache store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	// sqlite://data/outbox.db keeps "data" in Host.
	if host != "" && path != "" {
		return filepath.Join(host, path), nil
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = host
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

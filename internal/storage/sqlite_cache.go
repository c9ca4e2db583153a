package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const sqliteCacheSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	store TEXT NOT NULL,
	request_key TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	status_text TEXT NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	response_type TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (store, request_key)
);
`

// SQLiteCacheStore persists cache generations in one SQLite file.
type SQLiteCacheStore struct {
	db *sql.DB
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func NewSQLiteCacheStore(path string) (*SQLiteCacheStore, error) {
	db, err := openSQLite(path, sqliteCacheSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteCacheStore{db: db}, nil
}

func (s *SQLiteCacheStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *SQLiteCacheStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteCacheStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cache delete: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache entries %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cache delete: %w", err)
	}
	committed = true
	return affected > 0, nil
}

func (s *SQLiteCacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (CachedResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return CachedResponse{}, false, err
	}
	var (
		resp       CachedResponse
		headerJSON string
		storedAt   int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT url, status, status_text, header, body, response_type, stored_at
		FROM cache_entries
		WHERE store = ? AND request_key = ?`, c.name, key,
	).Scan(&resp.URL, &resp.Status, &resp.StatusText, &headerJSON, &resp.Body, &resp.Type, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, fmt.Errorf("match %s: %w", key, err)
	}
	resp.Header = http.Header{}
	if headerJSON != "" {
		if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
			return CachedResponse{}, false, fmt.Errorf("decode cached header: %w", err)
		}
	}
	resp.StoredAt = time.UnixMilli(storedAt).UTC()
	return resp, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, resp CachedResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache put: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_stores WHERE name = ?`, c.name).Scan(&exists); err != nil {
		return fmt.Errorf("check cache %s: %w", c.name, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (store, request_key, url, status, status_text, header, body, response_type, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (store, request_key) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			status_text = excluded.status_text,
			header = excluded.header,
			body = excluded.body,
			response_type = excluded.response_type,
			stored_at = excluded.stored_at`,
		c.name, key, resp.URL, resp.Status, resp.StatusText, string(headerJSON), resp.Body, resp.Type, resp.StoredAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache put: %w", err)
	}
	committed = true
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT request_key FROM cache_entries WHERE store = ? ORDER BY request_key ASC`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

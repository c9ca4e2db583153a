package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "relaypush_outbox"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type migrateFunc func(ctx context.Context, db *sql.DB, tableName string) error

// PostgresQueueStore shares an outbox between agent replicas. Writers
// serialize on a transaction-scoped advisory lock so capacity checks hold.
type PostgresQueueStore struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc
	migrate   migrateFunc

	// mu guards db. A failed open or migration is retried on next use.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresQueueStore(dsn string, capacity int) (*PostgresQueueStore, error) {
	return newPostgresQueueStore(dsn, postgresQueueTableName, postgresQueueKey, capacity)
}

func newPostgresQueueStore(dsn, tableName, queueKey string, capacity int) (*PostgresQueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresQueueStore{
		dsn:       dsn,
		tableName: tableName,
		queueKey:  queueKey,
		capacity:  capacity,
		openDB:    sql.Open,
		migrate:   migratePostgresQueue,
	}, nil
}

func (q *PostgresQueueStore) ensureReady() (*sql.DB, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db != nil {
		return q.db, nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := q.migrate(ctx, db, q.tableName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	q.db = db
	return db, nil
}

func migratePostgresQueue(ctx context.Context, db *sql.DB, tableName string) error {
	table := postgresQuoteIdentifier(tableName)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (queue_key, id)
			)`, table),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, created_at)",
			postgresQuoteIdentifier(tableName+"_queue_key_created_at_idx"),
			table,
		),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (q *PostgresQueueStore) Add(ctx context.Context, item QueuedNotification) error {
	item, err := validateQueued(item)
	if err != nil {
		return err
	}
	db, err := q.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox insert: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return fmt.Errorf("lock outbox: %w", err)
	}
	var existing int
	existsQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND id = $2", table)
	if err := tx.QueryRowContext(ctx, existsQuery, q.queueKey, item.ID).Scan(&existing); err != nil {
		return fmt.Errorf("check outbox id: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateID
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table)
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return fmt.Errorf("count outbox: %w", err)
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, id, payload, created_at) VALUES ($1, $2, $3, $4)", table)
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, item.ID, string(item.Payload), item.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox insert: %w", err)
	}
	committed = true
	return nil
}

func (q *PostgresQueueStore) All(ctx context.Context) ([]QueuedNotification, error) {
	db, err := q.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, payload, created_at FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	defer rows.Close()

	items := make([]QueuedNotification, 0)
	for rows.Next() {
		var (
			item    QueuedNotification
			payload string
		)
		if err := rows.Scan(&item.ID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return items, nil
}

func (q *PostgresQueueStore) Delete(ctx context.Context, id string) error {
	db, err := q.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND id = $2", postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, query, q.queueKey, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete outbox item: %w", err)
	}
	return nil
}

func (q *PostgresQueueStore) Depth(ctx context.Context) (int, error) {
	db, err := q.ensureReady()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return depth, nil
}

func (q *PostgresQueueStore) Capacity() int {
	return q.capacity
}

func (q *PostgresQueueStore) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

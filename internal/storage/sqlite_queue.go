package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const sqliteQueueSchema = `
CREATE TABLE IF NOT EXISTS queued_notifications (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queued_notifications_created_at_idx ON queued_notifications (created_at);
`

// SQLiteQueueStore keeps the outbox in a local SQLite table keyed by id with
// a secondary index on created_at.
type SQLiteQueueStore struct {
	db       *sql.DB
	capacity int
}

func NewSQLiteQueueStore(path string, capacity int) (*SQLiteQueueStore, error) {
	db, err := openSQLite(path, sqliteQueueSchema)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &SQLiteQueueStore{db: db, capacity: capacity}, nil
}

func (q *SQLiteQueueStore) Add(ctx context.Context, item QueuedNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := validateQueued(item)
	if err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue insert: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_notifications WHERE id = ?`, item.ID).Scan(&existing); err != nil {
		return fmt.Errorf("check queued id: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateID
	}
	var depth int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_notifications`).Scan(&depth); err != nil {
		return fmt.Errorf("count queue: %w", err)
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queued_notifications (id, payload, created_at) VALUES (?, ?, ?)`,
		item.ID, string(item.Payload), item.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert queued notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue insert: %w", err)
	}
	committed = true
	return nil
}

func (q *SQLiteQueueStore) All(ctx context.Context) ([]QueuedNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `SELECT id, payload, created_at FROM queued_notifications ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	defer rows.Close()

	items := make([]QueuedNotification, 0)
	for rows.Next() {
		var (
			id        string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queued notification: %w", err)
		}
		items = append(items, QueuedNotification{
			ID:        id,
			Payload:   json.RawMessage(payload),
			CreatedAt: time.UnixMilli(createdAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

func (q *SQLiteQueueStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queued_notifications WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete queued notification: %w", err)
	}
	return nil
}

func (q *SQLiteQueueStore) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_notifications`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return depth, nil
}

func (q *SQLiteQueueStore) Capacity() int {
	return q.capacity
}

func (q *SQLiteQueueStore) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

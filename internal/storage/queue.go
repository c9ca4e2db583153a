package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultQueueCapacity = 1024

// QueuedNotification is a notification delivery that could not reach the
// remote service. Items are inserted and deleted, never updated.
type QueuedNotification struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewQueuedNotification assigns a fresh ID to payload.
func NewQueuedNotification(payload json.RawMessage, createdAt time.Time) QueuedNotification {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return QueuedNotification{
		ID:        uuid.NewString(),
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: createdAt.UTC(),
	}
}

// QueueStore is the durable outbox of failed notification deliveries.
// All returns items in insertion order. Delete of an unknown ID is not an error.
type QueueStore interface {
	Add(ctx context.Context, item QueuedNotification) error
	All(ctx context.Context) ([]QueuedNotification, error)
	Delete(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
	Capacity() int
	Close() error
}

func validateQueued(item QueuedNotification) (QueuedNotification, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return QueuedNotification{}, ErrInvalidInput
	}
	if len(item.Payload) == 0 || !json.Valid(item.Payload) {
		return QueuedNotification{}, ErrInvalidInput
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}

type memoryQueueStore struct {
	mu       sync.Mutex
	capacity int
	items    []QueuedNotification
	closed   bool
}

func NewInMemoryQueueStore(capacity int) QueueStore {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &memoryQueueStore{
		capacity: capacity,
		items:    []QueuedNotification{},
	}
}

func (q *memoryQueueStore) Add(ctx context.Context, item QueuedNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := validateQueued(item)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if indexOfQueued(q.items, item.ID) >= 0 {
		return ErrDuplicateID
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

func (q *memoryQueueStore) All(ctx context.Context) ([]QueuedNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	return append([]QueuedNotification(nil), q.items...), nil
}

func (q *memoryQueueStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if idx := indexOfQueued(q.items, strings.TrimSpace(id)); idx >= 0 {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	return nil
}

func (q *memoryQueueStore) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *memoryQueueStore) Capacity() int {
	return q.capacity
}

func (q *memoryQueueStore) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func indexOfQueued(items []QueuedNotification, id string) int {
	for i, item := range items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

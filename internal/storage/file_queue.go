package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileQueueStore struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []QueuedNotification
}

type fileQueueState struct {
	Items []QueuedNotification `json:"items"`
}

// NewFileQueueStore keeps the outbox in a JSON file that is rewritten
// atomically on every mutation.
func NewFileQueueStore(path string, capacity int) (QueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileQueueStore{
		path:     path,
		capacity: capacity,
		items:    []QueuedNotification{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueueStore) Add(ctx context.Context, item QueuedNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := validateQueued(item)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if indexOfQueued(q.items, item.ID) >= 0 {
		return ErrDuplicateID
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

func (q *fileQueueStore) All(ctx context.Context) ([]QueuedNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedNotification(nil), q.items...), nil
}

func (q *fileQueueStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := indexOfQueued(q.items, strings.TrimSpace(id))
	if idx < 0 {
		return nil
	}
	previous := append([]QueuedNotification(nil), q.items...)
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

func (q *fileQueueStore) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *fileQueueStore) Capacity() int {
	return q.capacity
}

func (q *fileQueueStore) Close() error {
	return nil
}

func (q *fileQueueStore) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]QueuedNotification(nil), snapshot.Items...)
	return nil
}

func (q *fileQueueStore) saveLocked() error {
	snapshot := fileQueueState{
		Items: append([]QueuedNotification(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

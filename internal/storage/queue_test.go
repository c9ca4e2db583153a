package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func queueBackends() map[string]func(t *testing.T, capacity int) QueueStore {
	return map[string]func(t *testing.T, capacity int) QueueStore{
		"memory": func(t *testing.T, capacity int) QueueStore {
			return NewInMemoryQueueStore(capacity)
		},
		"file": func(t *testing.T, capacity int) QueueStore {
			store, err := NewFileQueueStore(filepath.Join(t.TempDir(), "outbox.json"), capacity)
			if err != nil {
				t.Fatalf("new file queue store failed: %v", err)
			}
			return store
		},
		"sqlite": func(t *testing.T, capacity int) QueueStore {
			store, err := NewSQLiteQueueStore(filepath.Join(t.TempDir(), "outbox.db"), capacity)
			if err != nil {
				t.Fatalf("new sqlite queue store failed: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestQueueStoresKeepInsertionOrderAndDelete(t *testing.T) {
	for name, build := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t, 8)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i, id := range []string{"n_1", "n_2", "n_3"} {
				item := QueuedNotification{
					ID:        id,
					Payload:   json.RawMessage(`{"title":"` + id + `"}`),
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}
				if err := store.Add(ctx, item); err != nil {
					t.Fatalf("add %s failed: %v", id, err)
				}
			}
			if err := store.Delete(ctx, "n_2"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if err := store.Delete(ctx, "missing"); err != nil {
				t.Fatalf("expected delete of unknown id to succeed, got %v", err)
			}
			items, err := store.All(ctx)
			if err != nil {
				t.Fatalf("all failed: %v", err)
			}
			if len(items) != 2 || items[0].ID != "n_1" || items[1].ID != "n_3" {
				t.Fatalf("expected [n_1 n_3], got %+v", items)
			}
			if !items[0].CreatedAt.Equal(base) {
				t.Fatalf("expected createdAt %s, got %s", base, items[0].CreatedAt)
			}
			if string(items[1].Payload) != `{"title":"n_3"}` {
				t.Fatalf("unexpected payload %s", items[1].Payload)
			}
			depth, err := store.Depth(ctx)
			if err != nil || depth != 2 {
				t.Fatalf("expected depth 2, got %d (err=%v)", depth, err)
			}
		})
	}
}

func TestQueueStoresIgnoreClockStepsWhenOrdering(t *testing.T) {
	for name, build := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t, 8)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			added := []QueuedNotification{
				{ID: "first", Payload: json.RawMessage(`{"title":"first"}`), CreatedAt: base.Add(time.Second)},
				{ID: "second", Payload: json.RawMessage(`{"title":"second"}`), CreatedAt: base},
				{ID: "third", Payload: json.RawMessage(`{"title":"third"}`), CreatedAt: base.Add(-time.Minute)},
			}
			for _, item := range added {
				if err := store.Add(ctx, item); err != nil {
					t.Fatalf("add %s failed: %v", item.ID, err)
				}
			}
			items, err := store.All(ctx)
			if err != nil {
				t.Fatalf("all failed: %v", err)
			}
			if len(items) != 3 || items[0].ID != "first" || items[1].ID != "second" || items[2].ID != "third" {
				t.Fatalf("expected [first second third], got %+v", items)
			}
		})
	}
}

func TestQueueStoresRejectDuplicatesAndOverflow(t *testing.T) {
	for name, build := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t, 1)
			item := NewQueuedNotification(json.RawMessage(`{"title":"a"}`), time.Time{})
			if err := store.Add(ctx, item); err != nil {
				t.Fatalf("first add failed: %v", err)
			}
			if err := store.Add(ctx, item); !errors.Is(err, ErrDuplicateID) {
				t.Fatalf("expected duplicate id error, got %v", err)
			}
			next := NewQueuedNotification(json.RawMessage(`{"title":"b"}`), time.Time{})
			if err := store.Add(ctx, next); !errors.Is(err, ErrQueueFull) {
				t.Fatalf("expected queue full error, got %v", err)
			}
			if store.Capacity() != 1 {
				t.Fatalf("expected capacity 1, got %d", store.Capacity())
			}
		})
	}
}

func TestQueueStoreRejectsInvalidPayload(t *testing.T) {
	store := NewInMemoryQueueStore(4)
	err := store.Add(context.Background(), QueuedNotification{ID: "x", Payload: json.RawMessage(`{not json`)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	err = store.Add(context.Background(), QueuedNotification{Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
}

func TestNewQueuedNotificationAssignsUniqueIDs(t *testing.T) {
	a := NewQueuedNotification(json.RawMessage(`{}`), time.Time{})
	b := NewQueuedNotification(json.RawMessage(`{}`), time.Time{})
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Fatalf("expected createdAt to default to now")
	}
}

func TestFileQueueStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "outbox.json")
	store, err := NewFileQueueStore(path, 4)
	if err != nil {
		t.Fatalf("new file queue store failed: %v", err)
	}
	for _, id := range []string{"q_1", "q_2"} {
		if err := store.Add(ctx, QueuedNotification{ID: id, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("add %s failed: %v", id, err)
		}
	}

	reopened, err := NewFileQueueStore(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue store failed: %v", err)
	}
	items, err := reopened.All(ctx)
	if err != nil {
		t.Fatalf("all failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "q_1" || items[1].ID != "q_2" {
		t.Fatalf("expected persisted [q_1 q_2], got %+v", items)
	}
}

func TestSQLiteQueueStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	store, err := NewSQLiteQueueStore(path, 4)
	if err != nil {
		t.Fatalf("new sqlite queue store failed: %v", err)
	}
	if err := store.Add(ctx, QueuedNotification{ID: "s_1", Payload: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteQueueStore(path, 4)
	if err != nil {
		t.Fatalf("reopen sqlite queue store failed: %v", err)
	}
	defer reopened.Close()
	items, err := reopened.All(ctx)
	if err != nil {
		t.Fatalf("all failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "s_1" {
		t.Fatalf("expected persisted s_1, got %+v", items)
	}
}

func TestMemoryQueueStoreClosed(t *testing.T) {
	store := NewInMemoryQueueStore(2)
	_ = store.Close()
	if err := store.Add(context.Background(), QueuedNotification{ID: "a", Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

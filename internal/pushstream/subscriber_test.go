package pushstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestSubscriberDeliversFramesAndReconnects(t *testing.T) {
	var connections atomic.Int32
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("apikey"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"title":"frame-`+string(rune('0'+n))+`"}`))
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var frames []string
	sub, err := NewSubscriber(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:     "anon-key",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		Handler: func(_ context.Context, payload []byte) error {
			mu.Lock()
			frames = append(frames, string(payload))
			if len(frames) == 2 {
				cancel()
			}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	if err := sub.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0] != `{"title":"frame-1"}` || frames[1] != `{"title":"frame-2"}` {
		t.Fatalf("unexpected frames %v", frames)
	}
	if connections.Load() < 2 {
		t.Fatalf("expected reconnect, got %d connections", connections.Load())
	}
	if key, _ := gotKey.Load().(string); key != "anon-key" {
		t.Fatalf("expected apikey header, got %q", key)
	}
}

func TestSubscriberStopsWhenDialKeepsFailing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sub, err := NewSubscriber(Options{
		URL:        "ws://127.0.0.1:1/push/stream",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Handler:    func(context.Context, []byte) error { return nil },
	})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	if err := sub.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}

func TestNewSubscriberValidatesOptions(t *testing.T) {
	if _, err := NewSubscriber(Options{Handler: func(context.Context, []byte) error { return nil }}); err == nil {
		t.Fatalf("expected error for missing url")
	}
	if _, err := NewSubscriber(Options{URL: "ws://x"}); err == nil {
		t.Fatalf("expected error for missing handler")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	sub, err := NewSubscriber(Options{
		URL:        "ws://x",
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		Handler:    func(context.Context, []byte) error { return nil },
	})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	for attempt := 0; attempt < 10; attempt++ {
		d := sub.backoff(attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: expected delay in (0, 1s], got %s", attempt, d)
		}
	}
	if d := sub.backoff(0); d < 80*time.Millisecond {
		t.Fatalf("expected first delay near min backoff, got %s", d)
	}
}

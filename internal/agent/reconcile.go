package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/storage"
)

// SyncTag is the sync opportunity tag that drains the outbox.
const SyncTag = "sync-notifications"

type Submitter interface {
	SubmitNotification(ctx context.Context, payload json.RawMessage) error
}

// SyncRequester asks the host for a future sync opportunity.
type SyncRequester interface {
	RequestSync(tag string)
}

type SyncRequesterFunc func(tag string)

func (f SyncRequesterFunc) RequestSync(tag string) { f(tag) }

type ReconcileResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type ReconcilerOptions struct {
	Queue  storage.QueueStore
	Remote Submitter
	Sync   SyncRequester
	Clock  func() time.Time
	Logger *slog.Logger
}

// Reconciler delivers queued notifications and keeps the ones that fail.
type Reconciler struct {
	queue  storage.QueueStore
	remote Submitter
	sync   SyncRequester
	clock  func() time.Time
	logger *slog.Logger

	running sync.Mutex
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Queue == nil || opts.Remote == nil {
		return nil, fmt.Errorf("new reconciler: queue and remote are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		queue:  opts.Queue,
		remote: opts.Remote,
		sync:   opts.Sync,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Reconcile submits every queued item in insertion order. Delivered items
// are deleted; failed items stay for the next opportunity. A failure to read
// the queue aborts the attempt.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	r.running.Lock()
	defer r.running.Unlock()

	var result ReconcileResult
	items, err := r.queue.All(ctx)
	if err != nil {
		return result, fmt.Errorf("read outbox: %w", err)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if err := r.remote.SubmitNotification(ctx, item.Payload); err != nil {
			result.Failed++
			r.logger.Warn("queued notification delivery failed", "id", item.ID, "error", err)
			continue
		}
		result.Delivered++
		if err := r.queue.Delete(ctx, item.ID); err != nil {
			r.logger.Warn("delete delivered notification failed", "id", item.ID, "error", err)
		}
	}
	if result.Attempted > 0 {
		r.logger.Info("outbox reconciled", "attempted", result.Attempted, "delivered", result.Delivered, "failed", result.Failed)
	}
	return result, nil
}

// Deliver submits payload directly. When that fails the payload is queued
// and a sync opportunity is requested. queued reports whether the payload
// ended up in the outbox.
func (r *Reconciler) Deliver(ctx context.Context, payload json.RawMessage) (queued bool, err error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return false, fmt.Errorf("deliver notification: %w", storage.ErrInvalidInput)
	}
	submitErr := r.remote.SubmitNotification(ctx, payload)
	if submitErr == nil {
		return false, nil
	}
	item := storage.NewQueuedNotification(payload, r.clock())
	if err := r.queue.Add(ctx, item); err != nil {
		return false, fmt.Errorf("queue notification after %v: %w", submitErr, err)
	}
	r.logger.Info("notification queued", "id", item.ID, "error", submitErr)
	if r.sync != nil {
		r.sync.RequestSync(SyncTag)
	}
	return true, nil
}

func (r *Reconciler) Snapshot(ctx context.Context) ([]storage.QueuedNotification, error) {
	return r.queue.All(ctx)
}

func (r *Reconciler) Depth(ctx context.Context) (int, error) {
	return r.queue.Depth(ctx)
}

func (r *Reconciler) Capacity() int {
	return r.queue.Capacity()
}

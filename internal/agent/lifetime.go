package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/agentworkforce/relaypush/internal/agent")

// Lifetime tracks the operations that keep the agent alive. The host must
// not tear the agent down while Pending is non-empty.
//
// WaitUntil is the critical path: the caller blocks and receives the error.
// Spawn is best-effort: the caller never waits and failures are only logged.
type Lifetime struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]string
	// idle is closed whenever pending becomes empty.
	idle chan struct{}
}

func NewLifetime(logger *slog.Logger) *Lifetime {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Lifetime{
		logger:  logger,
		pending: map[uint64]string{},
		idle:    idle,
	}
}

// WaitUntil runs fn and keeps the agent alive until it settles.
func (l *Lifetime) WaitUntil(ctx context.Context, name string, fn func(context.Context) error) error {
	release := l.Hold(name)
	defer release()

	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	err := runGuarded(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Spawn runs fn in the background, detached from ctx cancellation. Errors
// and panics are logged and never returned.
func (l *Lifetime) Spawn(ctx context.Context, name string, fn func(context.Context) error) {
	release := l.Hold(name)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer release()
		spanCtx, span := tracer.Start(detached, name)
		span.SetAttributes(attribute.Bool("relaypush.best_effort", true))
		defer span.End()
		if err := runGuarded(spanCtx, fn); err != nil {
			span.RecordError(err)
			l.logger.Warn("best-effort task failed", "task", name, "error", err)
		}
	}()
}

// Hold registers a pending operation that is not bound to a goroutine, such
// as a timer. The returned release func is idempotent.
func (l *Lifetime) Hold(name string) func() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.idle = make(chan struct{})
	}
	l.nextID++
	id := l.nextID
	l.pending[id] = name
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.pending, id)
			if len(l.pending) == 0 {
				close(l.idle)
			}
			l.mu.Unlock()
		})
	}
}

// Pending lists the names of outstanding operations.
func (l *Lifetime) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.pending))
	for _, name := range l.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every pending operation settles or ctx is done.
func (l *Lifetime) Wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pending operations %v: %w", l.Pending(), ctx.Err())
	}
}

func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

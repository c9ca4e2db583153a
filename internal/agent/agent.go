package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/remote"
	"github.com/agentworkforce/relaypush/internal/storage"
)

type Options struct {
	// Origin is the application origin, e.g. https://app.example.
	Origin    string
	Caches    storage.CacheStore
	Queue     storage.QueueStore
	Remote    remote.Client
	Surface   Surface
	Windows   Windows
	Transport http.RoundTripper
	Validator PayloadValidator
	Sync      SyncRequester
	Location  *time.Location
	Defaults  *Notification
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Agent dispatches inbound signals to the lifecycle, interception,
// notification, outbox and reminder components. Every entry point runs on
// the critical path of the shared Lifetime.
type Agent struct {
	origin     *url.URL
	lifetime   *Lifetime
	lifecycle  *Lifecycle
	intercept  *Interceptor
	pipeline   *Pipeline
	reconciler *Reconciler
	scheduler  *Scheduler
	windows    Windows
	logger     *slog.Logger
}

type Status struct {
	Active        *GenerationStatus     `json:"active,omitempty"`
	Installing    *GenerationStatus     `json:"installing,omitempty"`
	Next          *GenerationStatus     `json:"next,omitempty"`
	Pending       []string              `json:"pending"`
	QueueDepth    int                   `json:"queueDepth"`
	QueueCapacity int                   `json:"queueCapacity"`
	Clients       int                   `json:"clients"`
	Notifications []VisibleNotification `json:"notifications"`
}

func New(opts Options) (*Agent, error) {
	origin, err := parseOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	if opts.Caches == nil || opts.Queue == nil || opts.Remote == nil {
		return nil, fmt.Errorf("new agent: caches, queue and remote are required")
	}
	if opts.Surface == nil || opts.Windows == nil {
		return nil, fmt.Errorf("new agent: surface and windows are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	lifetime := NewLifetime(opts.Logger)

	lifecycle, err := NewLifecycle(LifecycleOptions{
		Origin:    origin,
		Caches:    opts.Caches,
		Transport: opts.Transport,
		Windows:   opts.Windows,
		Logger:    opts.Logger.With("component", "lifecycle"),
	})
	if err != nil {
		return nil, err
	}
	intercept, err := NewInterceptor(InterceptorOptions{
		Origin:    origin,
		Caches:    opts.Caches,
		Lifecycle: lifecycle,
		Transport: opts.Transport,
		Lifetime:  lifetime,
		Logger:    opts.Logger.With("component", "intercept"),
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := NewPipeline(PipelineOptions{
		Origin:    origin,
		Surface:   opts.Surface,
		Windows:   opts.Windows,
		Analytics: opts.Remote,
		Validator: opts.Validator,
		Lifetime:  lifetime,
		Defaults:  opts.Defaults,
		Clock:     opts.Clock,
		Logger:    opts.Logger.With("component", "notify"),
	})
	if err != nil {
		return nil, err
	}
	reconciler, err := NewReconciler(ReconcilerOptions{
		Queue:  opts.Queue,
		Remote: opts.Remote,
		Sync:   opts.Sync,
		Clock:  opts.Clock,
		Logger: opts.Logger.With("component", "reconcile"),
	})
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(SchedulerOptions{
		Preferences: opts.Remote,
		Pipeline:    pipeline,
		Location:    opts.Location,
		Clock:       opts.Clock,
		Logger:      opts.Logger.With("component", "reminder"),
	})
	if err != nil {
		return nil, err
	}
	return &Agent{
		origin:     origin,
		lifetime:   lifetime,
		lifecycle:  lifecycle,
		intercept:  intercept,
		pipeline:   pipeline,
		reconciler: reconciler,
		scheduler:  scheduler,
		windows:    opts.Windows,
		logger:     opts.Logger,
	}, nil
}

func (a *Agent) Origin() *url.URL {
	out := *a.origin
	return &out
}

func (a *Agent) Lifetime() *Lifetime {
	return a.lifetime
}

func (a *Agent) Install(ctx context.Context, gen Generation) error {
	return a.lifetime.WaitUntil(ctx, "install", func(ctx context.Context) error {
		return a.lifecycle.Install(ctx, gen)
	})
}

func (a *Agent) Activate(ctx context.Context) error {
	return a.lifetime.WaitUntil(ctx, "activate", a.lifecycle.Activate)
}

func (a *Agent) SkipWaiting(ctx context.Context) error {
	return a.lifetime.WaitUntil(ctx, "skip-waiting", a.lifecycle.SkipWaiting)
}

// ClientsReleased is called by the host when a client window disconnects.
func (a *Agent) ClientsReleased(ctx context.Context) error {
	return a.lifetime.WaitUntil(ctx, "clients-released", a.lifecycle.ClientsReleased)
}

func (a *Agent) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := a.lifetime.WaitUntil(ctx, "fetch", func(ctx context.Context) error {
		var err error
		resp, err = a.intercept.Fetch(ctx, req)
		return err
	})
	return resp, err
}

// Push renders an inbound push payload. Payload problems never fail it.
func (a *Agent) Push(ctx context.Context, payload []byte) error {
	return a.lifetime.WaitUntil(ctx, "push", func(ctx context.Context) error {
		_, err := a.pipeline.Render(ctx, payload)
		return err
	})
}

func (a *Agent) NotificationClick(ctx context.Context, in Interaction) error {
	return a.lifetime.WaitUntil(ctx, "notification-click", func(ctx context.Context) error {
		return a.pipeline.OnInteraction(ctx, in)
	})
}

func (a *Agent) NotificationClose(ctx context.Context, id string) error {
	return a.lifetime.WaitUntil(ctx, "notification-close", func(ctx context.Context) error {
		a.pipeline.Dismiss(ctx, id)
		return nil
	})
}

// Sync handles a sync opportunity. Tags other than SyncTag are ignored.
func (a *Agent) Sync(ctx context.Context, tag string) (ReconcileResult, error) {
	if tag != SyncTag {
		a.logger.Debug("ignoring sync tag", "tag", tag)
		return ReconcileResult{}, nil
	}
	var result ReconcileResult
	err := a.lifetime.WaitUntil(ctx, "sync", func(ctx context.Context) error {
		var err error
		result, err = a.reconciler.Reconcile(ctx)
		return err
	})
	return result, err
}

// PeriodicSync handles a scheduled wake-up. Tags other than ReminderTag are
// ignored.
func (a *Agent) PeriodicSync(ctx context.Context, tag string) (bool, error) {
	if tag != ReminderTag {
		a.logger.Debug("ignoring periodic sync tag", "tag", tag)
		return false, nil
	}
	var fired bool
	err := a.lifetime.WaitUntil(ctx, "daily-reminder", func(ctx context.Context) error {
		var err error
		fired, err = a.scheduler.MaybeFireDailyReminder(ctx)
		return err
	})
	return fired, err
}

// Message handles a control message. Scheduled notifications fire once after
// their delay; the pending timer holds the lifetime open and cannot be
// cancelled.
func (a *Agent) Message(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return a.SkipWaiting(ctx)
	case MessageScheduleNotification:
		payload := append(json.RawMessage(nil), msg.Notification...)
		delay := msg.delay()
		release := a.lifetime.Hold("scheduled-notification")
		detached := context.WithoutCancel(ctx)
		time.AfterFunc(delay, func() {
			defer release()
			if err := a.Push(detached, payload); err != nil {
				a.logger.Warn("scheduled notification failed", "error", err)
			}
		})
		a.logger.Info("notification scheduled", "delay", delay)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Deliver submits a notification to the remote service, queueing it for the
// next sync opportunity when that fails.
func (a *Agent) Deliver(ctx context.Context, payload json.RawMessage) (bool, error) {
	var queued bool
	err := a.lifetime.WaitUntil(ctx, "deliver", func(ctx context.Context) error {
		var err error
		queued, err = a.reconciler.Deliver(ctx, payload)
		return err
	})
	return queued, err
}

func (a *Agent) Outbox(ctx context.Context) ([]storage.QueuedNotification, error) {
	return a.reconciler.Snapshot(ctx)
}

func (a *Agent) Notifications() []VisibleNotification {
	return a.pipeline.Visible()
}

func (a *Agent) Status(ctx context.Context) (Status, error) {
	status := Status{
		Pending:       a.lifetime.Pending(),
		QueueCapacity: a.reconciler.Capacity(),
		Notifications: a.pipeline.Visible(),
	}
	if current, ok := a.lifecycle.Current(); ok {
		status.Active = &current
	}
	if installing, ok := a.lifecycle.Installing(); ok {
		status.Installing = &installing
	}
	if next, ok := a.lifecycle.Next(); ok {
		status.Next = &next
	}
	depth, err := a.reconciler.Depth(ctx)
	if err != nil {
		return status, fmt.Errorf("outbox depth: %w", err)
	}
	status.QueueDepth = depth
	clients, err := a.windows.List(ctx)
	if err != nil {
		return status, fmt.Errorf("list clients: %w", err)
	}
	status.Clients = len(clients)
	return status, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute: %w", raw, storage.ErrInvalidInput)
	}
	return &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: strings.ToLower(parsed.Host), Path: "/"}, nil
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/remote"
	"github.com/google/uuid"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// StandardActions is attached to every rendered notification.
func StandardActions() []Action {
	return []Action{
		{Action: ActionOpen, Title: "Open"},
		{Action: ActionClose, Title: "Close"},
	}
}

// NotificationData is the payload read back on click. URL is the deep link;
// every other key is carried through untouched in Extra.
type NotificationData struct {
	URL   string
	Extra map[string]json.RawMessage
}

func (d NotificationData) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.Extra)+1)
	for key, value := range d.Extra {
		fields[key] = value
	}
	if d.URL != "" {
		encoded, err := json.Marshal(d.URL)
		if err != nil {
			return nil, err
		}
		fields["url"] = encoded
	}
	return json.Marshal(fields)
}

// UnmarshalJSON merges into the receiver so defaults survive partial payloads.
func (d *NotificationData) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["url"]; ok {
		var link string
		if err := json.Unmarshal(raw, &link); err != nil {
			return fmt.Errorf("data.url: %w", err)
		}
		d.URL = link
		delete(fields, "url")
	}
	if len(fields) > 0 && d.Extra == nil {
		d.Extra = make(map[string]json.RawMessage, len(fields))
	}
	for key, value := range fields {
		d.Extra[key] = value
	}
	return nil
}

func (d NotificationData) clone() NotificationData {
	out := NotificationData{URL: d.URL}
	if len(d.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for key, value := range d.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	Icon      string           `json:"icon,omitempty"`
	Badge     string           `json:"badge,omitempty"`
	Tag       string           `json:"tag,omitempty"`
	Renotify  bool             `json:"renotify,omitempty"`
	Vibrate   []int            `json:"vibrate,omitempty"`
	Data      NotificationData `json:"data"`
	Actions   []Action         `json:"actions"`
	Timestamp int64            `json:"timestamp"`
}

func (n Notification) clone() Notification {
	out := n
	out.Vibrate = append([]int(nil), n.Vibrate...)
	out.Actions = append([]Action(nil), n.Actions...)
	out.Data = n.Data.clone()
	return out
}

// DefaultNotification is the record every push payload is merged over.
func DefaultNotification() Notification {
	return Notification{
		Title:   "MoodLog",
		Body:    "You have a new update.",
		Icon:    "/icons/icon-192.png",
		Badge:   "/icons/badge-72.png",
		Vibrate: []int{100, 50, 100},
		Data:    NotificationData{URL: "/"},
	}
}

type NotificationState string

const (
	NotificationPending    NotificationState = "pending"
	NotificationDisplayed  NotificationState = "displayed"
	NotificationDismissed  NotificationState = "dismissed"
	NotificationClicked    NotificationState = "clicked"
	NotificationNavigating NotificationState = "navigating"
	NotificationClosed     NotificationState = "closed"
)

// Surface displays notifications to the user.
type Surface interface {
	// Show displays n. When replaces is non-empty, n takes the place of the
	// visible notification with that ID.
	Show(ctx context.Context, n Notification, replaces string) error
	Close(ctx context.Context, id string) error
}

type Window interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	Navigate(ctx context.Context, target string) error
}

// Windows is the set of open application windows the agent controls.
type Windows interface {
	List(ctx context.Context) ([]Window, error)
	Open(ctx context.Context, target string) error
	Claim(ctx context.Context) error
}

// PayloadValidator checks inbound push payloads before they are decoded.
type PayloadValidator interface {
	ValidatePush(data []byte) error
}

// ClickRecorder receives the analytics beacon after a click.
type ClickRecorder interface {
	RecordClick(ctx context.Context, event remote.ClickEvent) error
}

// Interaction is a user action on a displayed notification. An empty Action
// means the body of the notification was clicked.
type Interaction struct {
	NotificationID string           `json:"id"`
	Action         string           `json:"action"`
	Data           NotificationData `json:"data"`
}

// VisibleNotification is a registry entry exposed for inspection.
type VisibleNotification struct {
	Notification Notification      `json:"notification"`
	State        NotificationState `json:"state"`
}

type PipelineOptions struct {
	Origin    *url.URL
	Surface   Surface
	Windows   Windows
	Analytics ClickRecorder
	Validator PayloadValidator
	Lifetime  *Lifetime
	Defaults  *Notification
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Pipeline renders push payloads and routes clicks into navigation.
type Pipeline struct {
	origin    *url.URL
	surface   Surface
	windows   Windows
	analytics ClickRecorder
	validator PayloadValidator
	lifetime  *Lifetime
	defaults  Notification
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	visible map[string]*VisibleNotification
	byTag   map[string]string
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Origin == nil || opts.Surface == nil || opts.Windows == nil {
		return nil, fmt.Errorf("new pipeline: origin, surface and windows are required")
	}
	if opts.Lifetime == nil {
		opts.Lifetime = NewLifetime(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	defaults := DefaultNotification()
	if opts.Defaults != nil {
		defaults = opts.Defaults.clone()
	}
	return &Pipeline{
		origin:    opts.Origin,
		surface:   opts.Surface,
		windows:   opts.Windows,
		analytics: opts.Analytics,
		validator: opts.Validator,
		lifetime:  opts.Lifetime,
		defaults:  defaults,
		clock:     opts.Clock,
		logger:    opts.Logger,
		visible:   map[string]*VisibleNotification{},
		byTag:     map[string]string{},
	}, nil
}

// Render merges payload over the default record and displays it. Malformed
// or absent payloads fall back to the defaults; only display failures are
// returned.
func (p *Pipeline) Render(ctx context.Context, payload []byte) (Notification, error) {
	n, err := p.decode(payload)
	if err != nil {
		p.logger.Warn("push payload rejected, using defaults", "error", err)
		n = p.defaults.clone()
	}
	return p.Display(ctx, n)
}

func (p *Pipeline) decode(payload []byte) (Notification, error) {
	n := p.defaults.clone()
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return n, nil
	}
	if p.validator != nil {
		if err := p.validator.ValidatePush(trimmed); err != nil {
			return Notification{}, err
		}
	}
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return Notification{}, err
	}
	var shorthand struct {
		URL *string `json:"url"`
	}
	if err := json.Unmarshal(trimmed, &shorthand); err == nil && shorthand.URL != nil && strings.TrimSpace(*shorthand.URL) != "" {
		n.Data.URL = strings.TrimSpace(*shorthand.URL)
	}
	return n, nil
}

// Display shows n, filling empty fields from the defaults and attaching the
// standard actions. A visible notification with the same tag is replaced.
func (p *Pipeline) Display(ctx context.Context, n Notification) (Notification, error) {
	n = p.withDefaults(n)

	p.mu.Lock()
	replaces := ""
	if n.Tag != "" {
		if previous, ok := p.byTag[n.Tag]; ok {
			replaces = previous
			if entry, ok := p.visible[previous]; ok {
				entry.State = NotificationClosed
			}
			delete(p.visible, previous)
		}
	}
	entry := &VisibleNotification{Notification: n, State: NotificationPending}
	p.visible[n.ID] = entry
	if n.Tag != "" {
		p.byTag[n.Tag] = n.ID
	}
	p.mu.Unlock()

	if err := p.surface.Show(ctx, n.clone(), replaces); err != nil {
		p.forget(n.ID)
		return n, fmt.Errorf("show notification %s: %w", n.ID, err)
	}
	p.mu.Lock()
	if current, ok := p.visible[n.ID]; ok && current.State == NotificationPending {
		current.State = NotificationDisplayed
	}
	p.mu.Unlock()
	p.logger.Info("notification displayed", "id", n.ID, "tag", n.Tag, "replaces", replaces)
	return n, nil
}

func (p *Pipeline) withDefaults(n Notification) Notification {
	n = n.clone()
	if strings.TrimSpace(n.ID) == "" {
		n.ID = uuid.NewString()
	}
	if n.Title == "" {
		n.Title = p.defaults.Title
	}
	if n.Body == "" {
		n.Body = p.defaults.Body
	}
	if n.Icon == "" {
		n.Icon = p.defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = p.defaults.Badge
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = append([]int(nil), p.defaults.Vibrate...)
	}
	if n.Data.URL == "" {
		n.Data.URL = p.defaults.Data.URL
	}
	if n.Timestamp == 0 {
		n.Timestamp = p.clock().UnixMilli()
	}
	n.Actions = StandardActions()
	return n
}

// OnInteraction closes the notification, then for any action but close
// focuses a same-origin window and navigates it, or opens a new one. The
// analytics beacon is spawned and never blocks or fails the interaction.
func (p *Pipeline) OnInteraction(ctx context.Context, in Interaction) error {
	data := in.Data
	if stored, ok := p.lookup(in.NotificationID); ok && data.URL == "" && len(data.Extra) == 0 {
		data = stored.Data.clone()
	}

	if in.NotificationID != "" {
		if err := p.surface.Close(ctx, in.NotificationID); err != nil {
			p.logger.Warn("close notification failed", "id", in.NotificationID, "error", err)
		}
	}
	if in.Action == ActionClose {
		p.transition(in.NotificationID, NotificationDismissed)
		p.forget(in.NotificationID)
		return nil
	}
	p.transition(in.NotificationID, NotificationClicked)
	defer p.forget(in.NotificationID)
	defer p.sendBeacon(ctx, in.Action, data)

	target := p.resolveTarget(data.URL)
	p.transition(in.NotificationID, NotificationNavigating)
	return p.navigate(ctx, target)
}

// Dismiss records that the user closed a notification without clicking it.
func (p *Pipeline) Dismiss(ctx context.Context, id string) {
	p.transition(id, NotificationDismissed)
	p.forget(id)
	p.logger.Info("notification dismissed", "id", id)
}

func (p *Pipeline) navigate(ctx context.Context, target string) error {
	windows, err := p.windows.List(ctx)
	if err != nil {
		p.logger.Warn("list windows failed", "error", err)
	}
	for _, window := range windows {
		if !sameOrigin(p.origin, window.URL()) {
			continue
		}
		if err := window.Focus(ctx); err != nil {
			return fmt.Errorf("focus window %s: %w", window.ID(), err)
		}
		if err := window.Navigate(ctx, target); err != nil {
			return fmt.Errorf("navigate window %s: %w", window.ID(), err)
		}
		p.logger.Info("navigated window", "window", window.ID(), "url", target)
		return nil
	}
	if err := p.windows.Open(ctx, target); err != nil {
		return fmt.Errorf("open window %s: %w", target, err)
	}
	p.logger.Info("opened window", "url", target)
	return nil
}

func (p *Pipeline) sendBeacon(ctx context.Context, action string, data NotificationData) {
	if p.analytics == nil {
		return
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		encoded = nil
	}
	event := remote.ClickEvent{
		Action:    action,
		Data:      encoded,
		Timestamp: p.clock().UnixMilli(),
	}
	p.lifetime.Spawn(ctx, "analytics-beacon", func(ctx context.Context) error {
		return p.analytics.RecordClick(ctx, event)
	})
}

func (p *Pipeline) resolveTarget(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		link = "/"
	}
	ref, err := url.Parse(link)
	if err != nil {
		p.logger.Warn("invalid notification link, using root", "url", link, "error", err)
		ref = &url.URL{Path: "/"}
	}
	return p.origin.ResolveReference(ref).String()
}

// Visible lists the notifications currently on screen, oldest first.
func (p *Pipeline) Visible() []VisibleNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]VisibleNotification, 0, len(p.visible))
	for _, entry := range p.visible {
		out = append(out, VisibleNotification{Notification: entry.Notification.clone(), State: entry.State})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Notification.Timestamp != out[j].Notification.Timestamp {
			return out[i].Notification.Timestamp < out[j].Notification.Timestamp
		}
		return out[i].Notification.ID < out[j].Notification.ID
	})
	return out
}

func (p *Pipeline) lookup(id string) (Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.visible[id]
	if !ok {
		return Notification{}, false
	}
	return entry.Notification.clone(), true
}

func (p *Pipeline) transition(id string, state NotificationState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.visible[id]; ok {
		entry.State = state
	}
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.visible[id]
	if !ok {
		return
	}
	entry.State = NotificationClosed
	delete(p.visible, id)
	if tag := entry.Notification.Tag; tag != "" && p.byTag[tag] == id {
		delete(p.byTag, tag)
	}
}

func sameOrigin(origin *url.URL, raw string) bool {
	if origin == nil {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Scheme, origin.Scheme) && strings.EqualFold(parsed.Host, origin.Host)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types exchanged with client windows.
const (
	FrameHello             = "hello"
	FrameLocation          = "location"
	FrameClaim             = "claim"
	FrameFocus             = "focus"
	FrameNavigate          = "navigate"
	FrameOpen              = "open"
	FrameNotificationShow  = "notification.show"
	FrameNotificationClose = "notification.close"
	FrameNotificationClick = "notification.click"
)

// Frame is one JSON websocket message.
type Frame struct {
	Type         string                  `json:"type"`
	ID           string                  `json:"id,omitempty"`
	URL          string                  `json:"url,omitempty"`
	Action       string                  `json:"action,omitempty"`
	Replaces     string                  `json:"replaces,omitempty"`
	Notification *agent.Notification     `json:"notification,omitempty"`
	Data         *agent.NotificationData `json:"data,omitempty"`
}

// ClientEvents receives what client windows report back.
type ClientEvents interface {
	NotificationClick(ctx context.Context, in agent.Interaction) error
	NotificationClose(ctx context.Context, id string) error
	ClientsReleased(ctx context.Context) error
}

// ClientHub tracks connected application windows. It is the agent's window
// set and its notification surface.
type ClientHub struct {
	mu           sync.RWMutex
	clients      map[string]*hubClient
	seq          uint64
	pendingOpens []string
	events         ClientEvents
	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
}

type hubClient struct {
	hub  *ClientHub
	id   string
	seq  uint64
	conn *websocket.Conn

	mu  sync.RWMutex
	url string
}

var (
	_ agent.Windows = (*ClientHub)(nil)
	_ agent.Surface = (*ClientHub)(nil)
)

// NewClientHub returns a hub that accepts browser windows from the agent's
// own host and from allowedOrigins (absolute origins such as
// "https://app.example").
func NewClientHub(logger *slog.Logger, allowedOrigins ...string) *ClientHub {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		parsed, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || parsed.Host == "" {
			logger.Warn("ignoring invalid client origin", "origin", origin)
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return &ClientHub{
		clients:        map[string]*hubClient{},
		writeTimeout:   5 * time.Second,
		originPatterns: patterns,
		logger:         logger,
	}
}

// SetEvents wires client reports to the agent. It must be called before the
// hub serves connections.
func (h *ClientHub) SetEvents(events ClientEvents) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = events
}

func (h *ClientHub) List(ctx context.Context) ([]agent.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].seq < clients[j].seq })
	out := make([]agent.Window, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out, nil
}

// Open asks connected windows to open target. With no window connected the
// request is held and the next window to say hello is navigated there.
func (h *ClientHub) Open(ctx context.Context, target string) error {
	clients := h.snapshot()
	if len(clients) == 0 {
		h.mu.Lock()
		h.pendingOpens = append(h.pendingOpens, target)
		h.mu.Unlock()
		h.logger.Info("window open deferred", "url", target)
		return nil
	}
	return clients[0].send(ctx, Frame{Type: FrameOpen, URL: target})
}

func (h *ClientHub) Claim(ctx context.Context) error {
	return h.broadcast(ctx, Frame{Type: FrameClaim})
}

func (h *ClientHub) Show(ctx context.Context, n agent.Notification, replaces string) error {
	return h.broadcast(ctx, Frame{Type: FrameNotificationShow, ID: n.ID, Replaces: replaces, Notification: &n})
}

func (h *ClientHub) Close(ctx context.Context, id string) error {
	return h.broadcast(ctx, Frame{Type: FrameNotificationClose, ID: id})
}

// broadcast succeeds when at least one window received frame. Failures on
// individual windows are logged.
func (h *ClientHub) broadcast(ctx context.Context, frame Frame) error {
	var errs []error
	delivered := 0
	for _, c := range h.snapshot() {
		if err := c.send(ctx, frame); err != nil {
			h.logger.Warn("client write failed", "client", c.id, "type", frame.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (h *ClientHub) snapshot() []*hubClient {
	h.mu.RLock()
	out := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ServeWS upgrades r and runs the client read loop until the window goes
// away. A window becomes visible to the agent after its hello frame.
func (h *ClientHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("client upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 << 10)

	ctx := r.Context()
	client := &hubClient{hub: h, id: uuid.NewString(), conn: conn}
	registered := false
	defer func() {
		if !registered {
			return
		}
		h.unregister(client)
		h.logger.Info("client disconnected", "client", client.id)
		if events := h.currentEvents(); events != nil {
			if err := events.ClientsReleased(context.WithoutCancel(ctx)); err != nil {
				h.logger.Warn("clients released handling failed", "error", err)
			}
		}
	}()

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Debug("client read ended", "client", client.id, "error", err)
			}
			return
		}
		switch frame.Type {
		case FrameHello:
			client.setURL(frame.URL)
			if !registered {
				registered = true
				h.register(client)
				h.logger.Info("client connected", "client", client.id, "url", frame.URL)
				_ = client.send(ctx, Frame{Type: FrameHello, ID: client.id})
				for _, target := range h.takePendingOpens() {
					_ = client.send(ctx, Frame{Type: FrameNavigate, URL: target})
				}
			}
		case FrameLocation:
			client.setURL(frame.URL)
		case FrameNotificationClick:
			events := h.currentEvents()
			if events == nil {
				continue
			}
			in := agent.Interaction{NotificationID: frame.ID, Action: frame.Action}
			if frame.Data != nil {
				in.Data = *frame.Data
			}
			if err := events.NotificationClick(ctx, in); err != nil {
				h.logger.Warn("notification click failed", "id", frame.ID, "error", err)
			}
		case FrameNotificationClose:
			if events := h.currentEvents(); events != nil {
				if err := events.NotificationClose(ctx, frame.ID); err != nil {
					h.logger.Warn("notification close failed", "id", frame.ID, "error", err)
				}
			}
		default:
			h.logger.Debug("ignoring client frame", "type", frame.Type)
		}
	}
}

func (h *ClientHub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	c.seq = h.seq
	h.clients[c.id] = c
}

func (h *ClientHub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

func (h *ClientHub) takePendingOpens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pendingOpens
	h.pendingOpens = nil
	return out
}

func (h *ClientHub) currentEvents() ClientEvents {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.events
}

func (c *hubClient) ID() string {
	return c.id
}

func (c *hubClient) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

func (c *hubClient) setURL(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = strings.TrimSpace(raw)
}

func (c *hubClient) Focus(ctx context.Context) error {
	return c.send(ctx, Frame{Type: FrameFocus})
}

func (c *hubClient) Navigate(ctx context.Context, target string) error {
	if err := c.send(ctx, Frame{Type: FrameNavigate, URL: target}); err != nil {
		return err
	}
	c.setURL(target)
	return nil
}

func (c *hubClient) send(ctx context.Context, frame Frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.hub.writeTimeout)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

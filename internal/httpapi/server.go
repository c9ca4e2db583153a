package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/agentworkforce/relaypush/internal/httpapi")

// Agent is the part of the offline agent the HTTP surface drives.
type Agent interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	Push(ctx context.Context, payload []byte) error
	Message(ctx context.Context, msg agent.ControlMessage) error
	Sync(ctx context.Context, tag string) (agent.ReconcileResult, error)
	PeriodicSync(ctx context.Context, tag string) (bool, error)
	Deliver(ctx context.Context, payload json.RawMessage) (bool, error)
	Outbox(ctx context.Context) ([]storage.QueuedNotification, error)
	Notifications() []agent.VisibleNotification
	Status(ctx context.Context) (agent.Status, error)
	ClientEvents
}

// MessageValidator checks control message bodies before they are decoded.
type MessageValidator interface {
	ValidateControlMessage(data []byte) error
}

type ServerConfig struct {
	JWTSecret       string
	PushHMACSecret  string
	PushMaxSkew     time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Validator       MessageValidator
	Logger          *slog.Logger
}

type Server struct {
	agent          Agent
	hub            *ClientHub
	cfg            ServerConfig
	rateLimiter    *rateLimiter
	logger         *slog.Logger
	pushReplayMu   sync.Mutex
	pushReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// Secrets used when none are configured. Only suitable for local development.
const (
	DevJWTSecret  = "dev-secret"
	DevPushSecret = "dev-push-secret"
)

// NewServer wires hub events to a and returns the local API handler. A nil
// hub disables the client websocket route.
func NewServer(a Agent, hub *ClientHub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
	}
	if cfg.PushHMACSecret == "" {
		cfg.PushHMACSecret = DevPushSecret
	}
	if cfg.PushMaxSkew == 0 {
		cfg.PushMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	if hub != nil {
		hub.SetEvents(a)
	}
	return &Server{
		agent:          a,
		hub:            hub,
		cfg:            cfg,
		rateLimiter:    limiter,
		logger:         logger,
		pushReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("relaypush.correlation_id", correlationID)))
	defer span.End()
	r = r.WithContext(ctx)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/push" && r.Method == http.MethodPost:
		s.handlePush(w, r, correlationID)
		return
	case r.URL.Path == "/v1/clients" && r.Method == http.MethodGet:
		s.handleClients(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "v1" {
		s.handleProxy(w, r, correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		requiredScope = ScopeControl
		route = "messages"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSync
		route = "sync"
	case len(parts) == 2 && parts[1] == "periodic-sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSync
		route = "periodic_sync"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope = ScopeStatus
		route = "notifications"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "click" && r.Method == http.MethodPost:
		requiredScope = ScopeControl
		route = "notification_click"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "close" && r.Method == http.MethodPost:
		requiredScope = ScopeControl
		route = "notification_close"
	case len(parts) == 2 && parts[1] == "outbox" && r.Method == http.MethodGet:
		requiredScope = ScopeStatus
		route = "outbox_list"
	case len(parts) == 2 && parts[1] == "outbox" && r.Method == http.MethodPost:
		requiredScope = ScopeOutbox
		route = "outbox_add"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeStatus
		route = "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, claims.Subject, correlationID) {
		return
	}

	switch route {
	case "messages":
		s.handleMessage(w, r, correlationID)
	case "sync":
		s.handleSync(w, r, correlationID)
	case "periodic_sync":
		s.handlePeriodicSync(w, r, correlationID)
	case "notifications":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.agent.Notifications()})
	case "notification_click":
		s.handleNotificationClick(w, r, parts[2], correlationID)
	case "notification_close":
		s.handleNotificationClose(w, r, parts[2], correlationID)
	case "outbox_list":
		s.handleOutboxList(w, r, correlationID)
	case "outbox_add":
		s.handleOutboxAdd(w, r, correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Relay-Timestamp")
	signature := r.Header.Get("X-Relay-Signature")
	if authErr := verifyPushSignature(s.cfg.PushHMACSecret, timestamp, signature, body, now, s.cfg.PushMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markPushReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "push request replay detected", correlationID)
		return
	}
	if err := s.agent.Push(r.Context(), body); err != nil {
		s.logger.Warn("push handling failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "correlationId": correlationID})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	now := time.Now().UTC()
	var authErr *authError
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		_, authErr = authorizeToken(token, s.cfg.JWTSecret, ScopeControl, now)
	} else {
		_, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, ScopeControl, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.ValidateControlMessage(body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
	}
	msg, err := agent.DecodeControlMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.agent.Message(r.Context(), msg); err != nil {
		if errors.Is(err, agent.ErrUnknownMessage) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"type": msg.Type, "correlationId": correlationID})
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	req := tagRequest{Tag: agent.SyncTag}
	if !s.decodeOptionalJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.agent.Sync(r.Context(), req.Tag)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "sync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": req.Tag, "result": result})
}

func (s *Server) handlePeriodicSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	req := tagRequest{Tag: agent.ReminderTag}
	if !s.decodeOptionalJSONBody(w, r, correlationID, &req) {
		return
	}
	fired, err := s.agent.PeriodicSync(r.Context(), req.Tag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": req.Tag, "fired": fired})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req struct {
		Action string                 `json:"action"`
		Data   agent.NotificationData `json:"data"`
	}
	if !s.decodeOptionalJSONBody(w, r, correlationID, &req) {
		return
	}
	in := agent.Interaction{NotificationID: id, Action: req.Action, Data: req.Data}
	if err := s.agent.NotificationClick(r.Context(), in); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "action": req.Action})
}

func (s *Server) handleNotificationClose(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.agent.NotificationClose(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleOutboxList(w http.ResponseWriter, r *http.Request, correlationID string) {
	items, err := s.agent.Outbox(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if items == nil {
		items = []storage.QueuedNotification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleOutboxAdd(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	queued, err := s.agent.Deliver(r.Context(), json.RawMessage(body))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, storage.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued, "correlationId": correlationID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.agent.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleProxy serves everything outside /v1 through the interception layer.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp, err := s.agent.Fetch(r.Context(), r)
	if err != nil {
		s.logger.Warn("fetch failed", "url", r.URL.String(), "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusBadGateway, "bad_gateway", err.Error(), correlationID)
		return
	}
	defer resp.Body.Close()
	header := w.Header()
	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("proxy copy interrupted", "url", r.URL.String(), "error", err)
	}
}

func isHopByHopHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeOptionalJSONBody leaves dst untouched when the body is empty.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markPushReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.PushMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.pushReplayMu.Lock()
	defer s.pushReplayMu.Unlock()
	for replayKey, expiresAt := range s.pushReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.pushReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.pushReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.pushReplaySeen[key] = now.Add(window)
	return true
}

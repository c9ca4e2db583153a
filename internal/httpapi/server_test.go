package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/agentworkforce/relaypush/internal/storage"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

type fakeAgent struct {
	mu            sync.Mutex
	pushes        [][]byte
	messages      []agent.ControlMessage
	syncTags      []string
	periodicTags  []string
	clicks        []agent.Interaction
	closes        []string
	released      int
	delivered     []json.RawMessage
	deliverErr    error
	fetchResponse *http.Response
	fetchErr      error
	fetched       []*http.Request
	releasedCh    chan struct{}
	clickCh       chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		releasedCh: make(chan struct{}, 4),
		clickCh:    make(chan struct{}, 4),
	}
}

func (f *fakeAgent) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, req)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchResponse, nil
}

func (f *fakeAgent) Push(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, append([]byte(nil), payload...))
	return nil
}

func (f *fakeAgent) Message(_ context.Context, msg agent.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeAgent) Sync(_ context.Context, tag string) (agent.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncTags = append(f.syncTags, tag)
	return agent.ReconcileResult{Attempted: 2, Delivered: 1, Failed: 1}, nil
}

func (f *fakeAgent) PeriodicSync(_ context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodicTags = append(f.periodicTags, tag)
	return tag == agent.ReminderTag, nil
}

func (f *fakeAgent) Deliver(_ context.Context, payload json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return false, f.deliverErr
	}
	f.delivered = append(f.delivered, payload)
	return true, nil
}

func (f *fakeAgent) Outbox(context.Context) ([]storage.QueuedNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.QueuedNotification, 0, len(f.delivered))
	for i, payload := range f.delivered {
		out = append(out, storage.QueuedNotification{ID: fmt.Sprintf("q_%d", i+1), Payload: payload})
	}
	return out, nil
}

func (f *fakeAgent) Notifications() []agent.VisibleNotification {
	return []agent.VisibleNotification{{
		Notification: agent.Notification{ID: "n_1", Title: "MoodLog"},
		State:        agent.NotificationDisplayed,
	}}
}

func (f *fakeAgent) Status(context.Context) (agent.Status, error) {
	return agent.Status{
		Active:        &agent.GenerationStatus{Version: "moodlog-v1", State: agent.StateActivated},
		Pending:       []string{},
		QueueDepth:    1,
		QueueCapacity: 1024,
		Clients:       2,
	}, nil
}

func (f *fakeAgent) NotificationClick(_ context.Context, in agent.Interaction) error {
	f.mu.Lock()
	f.clicks = append(f.clicks, in)
	f.mu.Unlock()
	f.clickCh <- struct{}{}
	return nil
}

func (f *fakeAgent) NotificationClose(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, id)
	return nil
}

func (f *fakeAgent) ClientsReleased(context.Context) error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	f.releasedCh <- struct{}{}
	return nil
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateControlMessage([]byte) error {
	return errors.New("schema violation")
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch typed := r.body.(type) {
	case nil:
	case []byte:
		bodyBytes = typed
	default:
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, scopes []string, exp time.Duration) string {
	t.Helper()
	token, err := MintToken(testSecret, "moodlog-web", scopes, exp, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func newTestServer(fake *fakeAgent, cfg ServerConfig) *Server {
	cfg.JWTSecret = testSecret
	return NewServer(fake, NewClientHub(nil), cfg)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id header")
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScopeAndClaimsEnforced(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{})

	statusOnly := mustTestJWT(t, []string{ScopeStatus}, time.Hour)
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(statusOnly)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", rec.Code, rec.Body.String())
	}

	expired, err := MintToken(testSecret, "moodlog-web", []string{ScopeStatus}, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("mint expired token: %v", err)
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(expired)})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "token expired") {
		t.Fatalf("expected 401 token expired, got %d (%s)", rec.Code, rec.Body.String())
	}

	forged, err := MintToken("other-secret", "moodlog-web", []string{ScopeStatus}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint forged token: %v", err)
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(forged)})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}

	noScopes := mustTestJWT(t, nil, time.Hour)
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(noScopes)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for empty scopes, got %d", rec.Code)
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	var claims tokenClaims
	if err := json.Unmarshal([]byte(`{"sub":"x","scopes":"status sync"}`), &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if !claims.hasScope(ScopeSync) || !claims.hasScope(ScopeStatus) || claims.hasScope(ScopeControl) {
		t.Fatalf("unexpected scopes %v", claims.Scopes)
	}
}

func TestMessageEndpoint(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{})
	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/messages",
		headers: bearer(token),
		body:    map[string]any{"type": "SCHEDULE_NOTIFICATION", "delay": 1500, "notification": map[string]any{"title": "later"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(fake.messages) != 1 || fake.messages[0].Type != agent.MessageScheduleNotification || fake.messages[0].Delay != 1500 {
		t.Fatalf("unexpected messages %+v", fake.messages)
	}

	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/messages",
		headers: bearer(token),
		body:    map[string]any{"type": "REBOOT"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown message, got %d", rec.Code)
	}
}

func TestMessageEndpointRunsValidator(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{Validator: rejectingValidator{}})
	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/messages",
		headers: bearer(token),
		body:    map[string]any{"type": "SKIP_WAITING"},
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "schema violation") {
		t.Fatalf("expected 400 schema violation, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(fake.messages) != 0 {
		t.Fatalf("expected message to be rejected before dispatch")
	}
}

func TestPushEndpointHMAC(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{PushHMACSecret: "push-secret"})
	body := []byte(`{"title":"New entry","body":"Your friend logged a mood","url":"/entries/7"}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := SignPush("push-secret", timestamp, body)
	headers := map[string]string{"X-Relay-Timestamp": timestamp, "X-Relay-Signature": signature}

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/push", headers: headers, body: body})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(fake.pushes) != 1 || string(fake.pushes[0]) != string(body) {
		t.Fatalf("expected payload forwarded, got %q", fake.pushes)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/push", headers: headers, body: body})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "replay") {
		t.Fatalf("expected replay rejection, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/push",
		headers: map[string]string{"X-Relay-Timestamp": timestamp, "X-Relay-Signature": SignPush("wrong", timestamp, body)},
		body:    body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}

	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/push",
		headers: map[string]string{"X-Relay-Timestamp": stale, "X-Relay-Signature": SignPush("push-secret", stale, body)},
		body:    body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", rec.Code)
	}
	if len(fake.pushes) != 1 {
		t.Fatalf("expected rejected pushes not to reach the agent, got %d", len(fake.pushes))
	}
}

func TestSyncEndpointsDefaultTags(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{})
	token := mustTestJWT(t, []string{ScopeSync}, time.Hour)

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var syncResp struct {
		Tag    string                `json:"tag"`
		Result agent.ReconcileResult `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&syncResp); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if syncResp.Tag != agent.SyncTag || syncResp.Result.Delivered != 1 {
		t.Fatalf("unexpected sync response %+v", syncResp)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token), body: map[string]string{"tag": "other"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/periodic-sync", headers: bearer(token)})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"fired":true`) {
		t.Fatalf("expected fired reminder, got %d (%s)", rec.Code, rec.Body.String())
	}
	if strings.Join(fake.syncTags, ",") != agent.SyncTag+",other" {
		t.Fatalf("unexpected sync tags %v", fake.syncTags)
	}
	if len(fake.periodicTags) != 1 || fake.periodicTags[0] != agent.ReminderTag {
		t.Fatalf("unexpected periodic tags %v", fake.periodicTags)
	}
}

func TestNotificationRoutes(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{})
	control := mustTestJWT(t, []string{ScopeControl, ScopeStatus}, time.Hour)

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/notifications/n_1/click",
		headers: bearer(control),
		body:    map[string]any{"action": agent.ActionOpen},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(fake.clicks) != 1 || fake.clicks[0].NotificationID != "n_1" || fake.clicks[0].Action != agent.ActionOpen {
		t.Fatalf("unexpected clicks %+v", fake.clicks)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/notifications/n_1/close", headers: bearer(control)})
	if rec.Code != http.StatusAccepted || len(fake.closes) != 1 || fake.closes[0] != "n_1" {
		t.Fatalf("expected close forwarded, got %d %v", rec.Code, fake.closes)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications", headers: bearer(control)})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"displayed"`) {
		t.Fatalf("expected visible notifications, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestOutboxEndpoints(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{})
	token := mustTestJWT(t, []string{ScopeOutbox, ScopeStatus}, time.Hour)

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/outbox", headers: bearer(token), body: map[string]any{"title": "hi"}})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"queued":true`) {
		t.Fatalf("expected 202 queued, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/outbox", headers: bearer(token)})
	var list struct {
		Items []storage.QueuedNotification `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != "q_1" {
		t.Fatalf("unexpected outbox %+v", list.Items)
	}

	fake.deliverErr = fmt.Errorf("queue notification: %w", storage.ErrQueueFull)
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/outbox", headers: bearer(token), body: map[string]any{"title": "hi"}})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 429 queue_full, got %d", rec.Code)
	}

	fake.deliverErr = fmt.Errorf("deliver notification: %w", storage.ErrInvalidInput)
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/outbox", headers: bearer(token), body: []byte("not json")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{})
	token := mustTestJWT(t, []string{ScopeStatus}, time.Hour)

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status agent.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Active == nil || status.Active.Version != "moodlog-v1" || status.Clients != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestUnknownV1RouteIsNotProxied(t *testing.T) {
	fake := newFakeAgent()
	server := newTestServer(fake, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(fake.fetched) != 0 {
		t.Fatalf("expected no fetch for api routes")
	}
}

func TestProxyServesThroughAgent(t *testing.T) {
	fake := newFakeAgent()
	fake.fetchResponse = &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/css"},
			"Connection":   []string{"keep-alive"},
		},
		Body: io.NopCloser(strings.NewReader("body{}")),
	}
	server := newTestServer(fake, ServerConfig{})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/styles.css"})
	if rec.Code != http.StatusOK || rec.Body.String() != "body{}" {
		t.Fatalf("expected proxied body, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/css" {
		t.Fatalf("expected content type forwarded, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Connection") != "" {
		t.Fatalf("expected hop-by-hop header dropped")
	}
	if len(fake.fetched) != 1 || fake.fetched[0].URL.Path != "/styles.css" {
		t.Fatalf("unexpected fetches %v", fake.fetched)
	}

	fake.fetchErr = errors.New("transport closed")
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/app.js"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, []string{ScopeStatus}, time.Hour)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429 with Retry-After 60, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestBodyLimit(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{MaxBodyBytes: 16})
	token := mustTestJWT(t, []string{ScopeOutbox}, time.Hour)
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/outbox",
		headers: bearer(token),
		body:    map[string]any{"title": strings.Repeat("x", 64)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestDashboardServesHTML(t *testing.T) {
	server := newTestServer(newFakeAgent(), ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/v1/status") {
		t.Fatalf("expected dashboard page, got %d", rec.Code)
	}
}

func TestClientsWebsocketRoundTrip(t *testing.T) {
	fake := newFakeAgent()
	hub := NewClientHub(nil)
	server := NewServer(fake, hub, ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/clients", nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	}

	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/clients?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameHello, URL: "https://app.example/journal"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ack Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	if ack.Type != FrameHello || ack.ID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	windows, err := hub.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(windows) != 1 || windows[0].URL() != "https://app.example/journal" || windows[0].ID() != ack.ID {
		t.Fatalf("unexpected windows %+v", windows)
	}

	if err := hub.Show(ctx, agent.Notification{ID: "n_9", Title: "MoodLog", Tag: "daily-reminder"}, ""); err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown Frame
	if err := wsjson.Read(ctx, conn, &shown); err != nil {
		t.Fatalf("read show: %v", err)
	}
	if shown.Type != FrameNotificationShow || shown.Notification == nil || shown.Notification.Tag != "daily-reminder" {
		t.Fatalf("unexpected show frame %+v", shown)
	}

	if err := windows[0].Navigate(ctx, "https://app.example/mood-entry"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	var nav Frame
	if err := wsjson.Read(ctx, conn, &nav); err != nil {
		t.Fatalf("read navigate: %v", err)
	}
	if nav.Type != FrameNavigate || nav.URL != "https://app.example/mood-entry" || windows[0].URL() != nav.URL {
		t.Fatalf("unexpected navigate frame %+v", nav)
	}

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameNotificationClick, ID: "n_9", Action: agent.ActionOpen}); err != nil {
		t.Fatalf("write click: %v", err)
	}
	select {
	case <-fake.clickCh:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for click")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	select {
	case <-fake.releasedCh:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for client release")
	}
	windows, _ = hub.List(ctx)
	if len(windows) != 0 {
		t.Fatalf("expected no windows after disconnect, got %d", len(windows))
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.clicks) != 1 || fake.clicks[0].NotificationID != "n_9" {
		t.Fatalf("unexpected clicks %+v", fake.clicks)
	}
}

func TestHubDefersOpenUntilHello(t *testing.T) {
	hub := NewClientHub(nil)
	server := NewServer(newFakeAgent(), hub, ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hub.Open(ctx, "https://app.example/mood-entry"); err != nil {
		t.Fatalf("open: %v", err)
	}
	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/clients", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameHello, URL: "https://app.example/"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ack, nav Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &nav); err != nil {
		t.Fatalf("read navigate: %v", err)
	}
	if nav.Type != FrameNavigate || nav.URL != "https://app.example/mood-entry" {
		t.Fatalf("expected deferred open delivered as navigate, got %+v", nav)
	}
}

func TestHubRejectsForeignOrigins(t *testing.T) {
	hub := NewClientHub(nil, "https://app.example")
	server := NewServer(newFakeAgent(), hub, ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/clients"
	dial := func(origin string) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + token},
				"Origin":        []string{origin},
			},
		})
		return conn, err
	}

	if _, err := dial("https://evil.example"); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
	conn, err := dial("https://app.example")
	if err != nil {
		t.Fatalf("expected configured origin to be accepted, got %v", err)
	}
	conn.CloseNow()
}

// closedServerConn returns a server side websocket connection that has
// already been closed, so every write to it fails.
func closedServerConn(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial stale client: %v", err)
	}
	t.Cleanup(func() { client.CloseNow() })
	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case <-ctx.Done():
		t.Fatalf("stale client was never accepted")
	}
	conn.CloseNow()
	return conn
}

func TestHubShowSucceedsWhenAnyClientReceives(t *testing.T) {
	hub := NewClientHub(nil)
	server := NewServer(newFakeAgent(), hub, ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stale := &hubClient{hub: hub, id: "stale", conn: closedServerConn(t, ctx)}
	hub.register(stale)
	if err := hub.Show(ctx, agent.Notification{ID: "n_0", Title: "Check in"}, ""); err == nil {
		t.Fatalf("expected show to fail when no client receives it")
	}

	token := mustTestJWT(t, []string{ScopeControl}, time.Hour)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/clients", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameHello, URL: "https://app.example/"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ack Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	if err := hub.Show(ctx, agent.Notification{ID: "n_1", Title: "Check in"}, ""); err != nil {
		t.Fatalf("expected show to succeed with one live client, got %v", err)
	}
	var shown Frame
	if err := wsjson.Read(ctx, conn, &shown); err != nil {
		t.Fatalf("read show: %v", err)
	}
	if shown.Type != FrameNotificationShow || shown.ID != "n_1" {
		t.Fatalf("expected notification.show for n_1, got %+v", shown)
	}
}

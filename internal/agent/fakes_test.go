package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaypush/internal/remote"
)

var errOffline = errors.New("network unreachable")

type fakeAsset struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork serves canned responses keyed by absolute URL.
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	assets  map[string]fakeAsset
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{assets: map[string]fakeAsset{}, calls: map[string]int{}}
}

func (n *fakeNetwork) serve(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assets[rawURL] = fakeAsset{status: status, body: body}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := req.Method + " " + req.URL.String()
	if req.Method == http.MethodGet {
		key = req.URL.String()
	}
	n.calls[key]++
	if n.offline {
		return nil, errOffline
	}
	asset, ok := n.assets[key]
	if !ok {
		asset = fakeAsset{status: http.StatusNotFound, body: "not found"}
	}
	header := asset.header
	if header == nil {
		header = http.Header{"Content-Type": []string{"text/plain"}}
	}
	return &http.Response{
		StatusCode: asset.status,
		Status:     http.StatusText(asset.status),
		Header:     header.Clone(),
		Body:       io.NopCloser(strings.NewReader(asset.body)),
		Request:    req,
	}, nil
}

type shownNotification struct {
	notification Notification
	replaces     string
}

type fakeSurface struct {
	mu      sync.Mutex
	shown   []shownNotification
	closed  []string
	showErr error
}

func (s *fakeSurface) Show(ctx context.Context, n Notification, replaces string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.showErr != nil {
		return s.showErr
	}
	s.shown = append(s.shown, shownNotification{notification: n, replaces: replaces})
	return nil
}

func (s *fakeSurface) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
	return nil
}

func (s *fakeSurface) snapshot() []shownNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shownNotification(nil), s.shown...)
}

type fakeWindow struct {
	id         string
	url        string
	focused    bool
	navigated  []string
	navigateFn func(target string) error
}

func (w *fakeWindow) ID() string  { return w.id }
func (w *fakeWindow) URL() string { return w.url }

func (w *fakeWindow) Focus(ctx context.Context) error {
	w.focused = true
	return nil
}

func (w *fakeWindow) Navigate(ctx context.Context, target string) error {
	if w.navigateFn != nil {
		if err := w.navigateFn(target); err != nil {
			return err
		}
	}
	w.navigated = append(w.navigated, target)
	w.url = target
	return nil
}

type fakeWindows struct {
	mu      sync.Mutex
	windows []*fakeWindow
	opened  []string
	claims  int
}

func (w *fakeWindows) List(ctx context.Context) ([]Window, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Window, 0, len(w.windows))
	for _, window := range w.windows {
		out = append(out, window)
	}
	return out, nil
}

func (w *fakeWindows) Open(ctx context.Context, target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opened = append(w.opened, target)
	return nil
}

func (w *fakeWindows) Claim(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.claims++
	return nil
}

func (w *fakeWindows) disconnectAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.windows = nil
}

// fakeRemote is a scripted remote.Client.
type fakeRemote struct {
	mu          sync.Mutex
	submitted   []string
	submitErrs  map[string][]error
	defaultErr  error
	prefs       remote.ReminderPreferences
	prefsErr    error
	prefCalls   int
	clicks      []remote.ClickEvent
	clickErr    error
	clickSignal chan struct{}
}

func (r *fakeRemote) SubmitNotification(ctx context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(payload)
	r.submitted = append(r.submitted, key)
	if scripted := r.submitErrs[key]; len(scripted) > 0 {
		err := scripted[0]
		r.submitErrs[key] = scripted[1:]
		return err
	}
	return r.defaultErr
}

func (r *fakeRemote) FetchPreferences(ctx context.Context) (remote.ReminderPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefCalls++
	return r.prefs, r.prefsErr
}

func (r *fakeRemote) RecordClick(ctx context.Context, event remote.ClickEvent) error {
	r.mu.Lock()
	r.clicks = append(r.clicks, event)
	err := r.clickErr
	signal := r.clickSignal
	r.mu.Unlock()
	if signal != nil {
		signal <- struct{}{}
	}
	return err
}

func (r *fakeRemote) submittedPayloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.submitted...)
}

func mustOrigin(raw string) *url.URL {
	origin, err := parseOrigin(raw)
	if err != nil {
		panic(err)
	}
	return origin
}

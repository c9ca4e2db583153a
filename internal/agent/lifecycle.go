package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypush/internal/storage"
)

type GenerationState string

const (
	StateParsed     GenerationState = "parsed"
	StateInstalling GenerationState = "installing"
	StateInstalled  GenerationState = "installed"
	StateWaiting    GenerationState = "waiting"
	StateActivating GenerationState = "activating"
	StateActivated  GenerationState = "activated"
	StateRedundant  GenerationState = "redundant"
)

// Generation is one versioned set of precached assets. Version names the
// cache store that holds them.
type Generation struct {
	Version     string
	OfflinePage string
	Assets      []string
}

type GenerationStatus struct {
	Version string          `json:"version"`
	State   GenerationState `json:"state"`
}

type generation struct {
	Generation
	state GenerationState
}

func (g *generation) status() GenerationStatus {
	return GenerationStatus{Version: g.Version, State: g.state}
}

type LifecycleOptions struct {
	Origin    *url.URL
	Caches    storage.CacheStore
	Transport http.RoundTripper
	Windows   Windows
	Logger    *slog.Logger
}

// Lifecycle governs install, activation and takeover of cache generations.
type Lifecycle struct {
	origin  *url.URL
	caches  storage.CacheStore
	client  *http.Client
	windows Windows
	logger  *slog.Logger

	installMu sync.Mutex

	mu          sync.Mutex
	active      *generation
	installing  *generation
	next        *generation
	skipWaiting bool
}

func NewLifecycle(opts LifecycleOptions) (*Lifecycle, error) {
	if opts.Origin == nil || opts.Caches == nil || opts.Windows == nil {
		return nil, fmt.Errorf("new lifecycle: origin, caches and windows are required")
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Lifecycle{
		origin: opts.Origin,
		caches: opts.Caches,
		client: &http.Client{
			Transport: opts.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if !sameOrigin(opts.Origin, req.URL.String()) {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		windows: opts.Windows,
		logger:  opts.Logger,
	}, nil
}

// Install precaches every asset of gen into the cache store named by its
// version. All assets must fetch with status 200 before anything is written.
// On failure gen becomes redundant and the active generation is untouched.
// On success gen waits while an older generation still serves clients,
// unless skip-waiting was requested; otherwise it is activated.
func (l *Lifecycle) Install(ctx context.Context, gen Generation) error {
	gen.Version = strings.TrimSpace(gen.Version)
	if gen.Version == "" {
		return fmt.Errorf("install generation: %w", storage.ErrInvalidInput)
	}
	gen.Assets = precacheList(gen)

	l.installMu.Lock()
	defer l.installMu.Unlock()

	candidate := &generation{Generation: gen, state: StateParsed}
	l.mu.Lock()
	if l.active != nil && l.active.Version == gen.Version {
		l.mu.Unlock()
		l.logger.Info("generation already active", "version", gen.Version)
		return nil
	}
	candidate.state = StateInstalling
	l.installing = candidate
	l.mu.Unlock()

	l.logger.Info("installing generation", "version", gen.Version, "assets", len(gen.Assets))
	if err := l.precache(ctx, candidate.Generation); err != nil {
		l.mu.Lock()
		candidate.state = StateRedundant
		l.installing = nil
		l.mu.Unlock()
		l.discard(ctx, gen.Version)
		return fmt.Errorf("install generation %s: %w", gen.Version, err)
	}

	l.mu.Lock()
	candidate.state = StateInstalled
	l.installing = nil
	if l.next != nil && l.next.Version != gen.Version {
		l.next.state = StateRedundant
		l.logger.Info("generation superseded", "version", l.next.Version)
	}
	l.next = candidate
	hold := l.active != nil && !l.skipWaiting
	l.mu.Unlock()

	if hold {
		clients, err := l.windows.List(ctx)
		if err != nil {
			l.logger.Warn("list clients failed", "error", err)
		}
		if len(clients) > 0 {
			l.mu.Lock()
			candidate.state = StateWaiting
			l.mu.Unlock()
			l.logger.Info("generation waiting", "version", gen.Version, "clients", len(clients))
			return nil
		}
	}
	return l.Activate(ctx)
}

func (l *Lifecycle) precache(ctx context.Context, gen Generation) error {
	type fetched struct {
		key  string
		resp storage.CachedResponse
	}
	entries := make([]fetched, 0, len(gen.Assets))
	for _, asset := range gen.Assets {
		target, err := l.resolve(asset)
		if err != nil {
			return err
		}
		resp, err := l.fetchAsset(ctx, target)
		if err != nil {
			return err
		}
		entries = append(entries, fetched{key: requestKeyForURL(target), resp: resp})
	}

	cache, err := l.caches.Open(ctx, gen.Version)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", gen.Version, err)
	}
	for _, entry := range entries {
		if err := cache.Put(ctx, entry.key, entry.resp); err != nil {
			return fmt.Errorf("put %s: %w", entry.key, err)
		}
	}
	return nil
}

func (l *Lifecycle) fetchAsset(ctx context.Context, target *url.URL) (storage.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return storage.CachedResponse{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return storage.CachedResponse{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.CachedResponse{}, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return storage.CachedResponse{}, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}
	return capture(target.String(), resp, body), nil
}

// Activate promotes the installed generation, deletes every cache store that
// does not belong to it, and claims open clients. With nothing installed it
// re-runs cleanup for the active generation.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	target := l.next
	if target == nil {
		target = l.active
	}
	if target == nil {
		l.mu.Unlock()
		return nil
	}
	target.state = StateActivating
	l.mu.Unlock()

	var errs []error
	names, err := l.caches.Keys(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list caches: %w", err))
	}
	for _, name := range names {
		if name == target.Version {
			continue
		}
		if _, err := l.caches.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		l.logger.Info("deleted stale cache", "cache", name)
	}

	l.mu.Lock()
	if l.active != nil && l.active != target {
		l.active.state = StateRedundant
	}
	target.state = StateActivated
	l.active = target
	if l.next == target {
		l.next = nil
	}
	l.skipWaiting = false
	l.mu.Unlock()

	if err := l.windows.Claim(ctx); err != nil {
		l.logger.Warn("claim clients failed", "error", err)
	}
	l.logger.Info("generation activated", "version", target.Version)
	return errors.Join(errs...)
}

// SkipWaiting lets the next generation take over without waiting for clients
// to close. A waiting generation is activated immediately.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.mu.Lock()
	l.skipWaiting = true
	waiting := l.next != nil && l.next.state == StateWaiting
	l.mu.Unlock()
	if !waiting {
		return nil
	}
	return l.Activate(ctx)
}

// ClientsReleased activates a waiting generation once no clients remain.
func (l *Lifecycle) ClientsReleased(ctx context.Context) error {
	l.mu.Lock()
	waiting := l.next != nil && l.next.state == StateWaiting
	l.mu.Unlock()
	if !waiting {
		return nil
	}
	clients, err := l.windows.List(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	if len(clients) > 0 {
		return nil
	}
	return l.Activate(ctx)
}

// Current reports the active generation.
func (l *Lifecycle) Current() (GenerationStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return GenerationStatus{}, false
	}
	return l.active.status(), true
}

// Installing reports a generation whose assets are being precached.
func (l *Lifecycle) Installing() (GenerationStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.installing == nil {
		return GenerationStatus{}, false
	}
	return l.installing.status(), true
}

// Next reports an installed generation that has not been activated yet.
func (l *Lifecycle) Next() (GenerationStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next == nil {
		return GenerationStatus{}, false
	}
	return l.next.status(), true
}

func (l *Lifecycle) activeGeneration() (Generation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return Generation{}, false
	}
	return l.active.Generation, true
}

// discard drops the store of a failed install unless another generation
// owns the same name.
func (l *Lifecycle) discard(ctx context.Context, version string) {
	l.mu.Lock()
	owned := (l.active != nil && l.active.Version == version) || (l.next != nil && l.next.Version == version)
	l.mu.Unlock()
	if owned {
		return
	}
	if _, err := l.caches.Delete(ctx, version); err != nil {
		l.logger.Warn("discard failed install cache", "cache", version, "error", err)
	}
}

func (l *Lifecycle) resolve(asset string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(asset))
	if err != nil {
		return nil, fmt.Errorf("parse asset %q: %w", asset, err)
	}
	target := l.origin.ResolveReference(ref)
	target.Fragment = ""
	return target, nil
}

func precacheList(gen Generation) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(gen.Assets)+1)
	add := func(asset string) {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return
		}
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	for _, asset := range gen.Assets {
		add(asset)
	}
	add(gen.OfflinePage)
	return out
}

func capture(rawURL string, resp *http.Response, body []byte) storage.CachedResponse {
	return storage.CachedResponse{
		URL:        rawURL,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header.Clone(),
		Body:       body,
		Type:       storage.ResponseTypeBasic,
		StoredAt:   time.Now().UTC(),
	}
}

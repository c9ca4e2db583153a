package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaypush/internal/storage"
)

// RequestKey identifies a cacheable request: the method and the absolute
// URL without its fragment.
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return requestKeyForURL(req.URL)
}

func requestKeyForURL(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return http.MethodGet + " " + clean.String()
}

type InterceptorOptions struct {
	Origin    *url.URL
	Caches    storage.CacheStore
	Lifecycle *Lifecycle
	Transport http.RoundTripper
	Lifetime  *Lifetime
	Logger    *slog.Logger
}

// Interceptor answers same-origin GET requests cache-first from the active
// generation, falling back to the network and then to the offline page or
// a synthesized 503.
type Interceptor struct {
	origin    *url.URL
	caches    storage.CacheStore
	lifecycle *Lifecycle
	transport http.RoundTripper
	lifetime  *Lifetime
	logger    *slog.Logger
}

func NewInterceptor(opts InterceptorOptions) (*Interceptor, error) {
	if opts.Origin == nil || opts.Caches == nil || opts.Lifecycle == nil {
		return nil, fmt.Errorf("new interceptor: origin, caches and lifecycle are required")
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Lifetime == nil {
		opts.Lifetime = NewLifetime(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Interceptor{
		origin:    opts.Origin,
		caches:    opts.Caches,
		lifecycle: opts.Lifecycle,
		transport: opts.Transport,
		lifetime:  opts.Lifetime,
		logger:    opts.Logger,
	}, nil
}

func (i *Interceptor) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	outbound := i.outboundRequest(ctx, req)
	if outbound.Method != http.MethodGet || !i.sameOrigin(outbound.URL) {
		return i.transport.RoundTrip(outbound)
	}

	key := RequestKey(outbound)
	gen, hasGeneration := i.lifecycle.activeGeneration()
	if hasGeneration {
		if cached, ok := i.match(ctx, gen.Version, key); ok {
			return responseFromCache(outbound, cached), nil
		}
	}

	resp, err := i.transport.RoundTrip(outbound)
	if err != nil {
		i.logger.Info("network fetch failed", "url", outbound.URL.String(), "error", err)
		return i.fallback(ctx, outbound, gen, hasGeneration), nil
	}
	if !hasGeneration || !i.cacheable(resp) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", outbound.URL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	entry := capture(outbound.URL.String(), resp, append([]byte(nil), body...))
	version := gen.Version
	i.lifetime.Spawn(ctx, "cache-write", func(ctx context.Context) error {
		if current, ok := i.lifecycle.activeGeneration(); !ok || current.Version != version {
			return nil
		}
		cache, err := i.caches.Open(ctx, version)
		if err != nil {
			return fmt.Errorf("open cache %s: %w", version, err)
		}
		return cache.Put(ctx, key, entry)
	})
	return resp, nil
}

func (i *Interceptor) outboundRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.URL.Host == "" {
		out.URL = i.origin.ResolveReference(out.URL)
	}
	out.URL.Fragment = ""
	out.URL.RawFragment = ""
	out.Host = out.URL.Host
	return out
}

func (i *Interceptor) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, i.origin.Scheme) && strings.EqualFold(u.Host, i.origin.Host)
}

func (i *Interceptor) cacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	final := resp.Request
	if final == nil || final.URL == nil {
		return false
	}
	return i.sameOrigin(final.URL)
}

func (i *Interceptor) match(ctx context.Context, version, key string) (storage.CachedResponse, bool) {
	cache, err := i.caches.Open(ctx, version)
	if err != nil {
		i.logger.Warn("open cache failed", "cache", version, "error", err)
		return storage.CachedResponse{}, false
	}
	cached, ok, err := cache.Match(ctx, key)
	if err != nil {
		i.logger.Warn("cache match failed", "cache", version, "key", key, "error", err)
		return storage.CachedResponse{}, false
	}
	return cached, ok
}

func (i *Interceptor) fallback(ctx context.Context, req *http.Request, gen Generation, hasGeneration bool) *http.Response {
	if hasGeneration && isNavigation(req) && gen.OfflinePage != "" {
		ref, err := url.Parse(gen.OfflinePage)
		if err == nil {
			offlineKey := requestKeyForURL(i.origin.ResolveReference(ref))
			if cached, ok := i.match(ctx, gen.Version, offlineKey); ok {
				return responseFromCache(req, cached)
			}
		}
		i.logger.Warn("offline page missing from cache", "cache", gen.Version, "page", gen.OfflinePage)
	}
	return serviceUnavailable(req)
}

// isNavigation reports whether req loads a top-level document.
func isNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		return mediaType == "text/html"
	}
	return false
}

func responseFromCache(req *http.Request, cached storage.CachedResponse) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	statusText := cached.StatusText
	if statusText == "" {
		statusText = http.StatusText(cached.Status)
	}
	return &http.Response{
		Status:        strconv.Itoa(cached.Status) + " " + statusText,
		StatusCode:    cached.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

func serviceUnavailable(req *http.Request) *http.Response {
	body := []byte(http.StatusText(http.StatusServiceUnavailable))
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

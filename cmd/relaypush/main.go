package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/httpapi"
	"github.com/agentworkforce/relaypush/internal/instancelock"
	"github.com/agentworkforce/relaypush/internal/manifest"
	"github.com/agentworkforce/relaypush/internal/pushstream"
	"github.com/agentworkforce/relaypush/internal/remote"
	"github.com/agentworkforce/relaypush/internal/schema"
	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/agentworkforce/relaypush/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", envOrDefault("RELAYPUSH_CONFIG", ""), "config file (default relaypush.yaml when present)")
	once := flag.Bool("once", false, "install the manifest, run one sync and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error("relaypush stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, once bool, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, "relaypush", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	lock, err := instancelock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	caches, err := storage.BuildCacheStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer caches.Close()
	queue, err := storage.BuildQueueStoreFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer queue.Close()

	location, err := cfg.Location()
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return err
	}
	client := remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteAPIKey, &http.Client{Timeout: cfg.RemoteTimeout},
		remote.WithRetries(cfg.RemoteRetries, 500*time.Millisecond, 5*time.Second))
	hub := httpapi.NewClientHub(logger.With("component", "hub"), cfg.Origin)
	syncRequests := make(chan string, 1)

	a, err := agent.New(agent.Options{
		Origin:    cfg.Origin,
		Caches:    caches,
		Queue:     queue,
		Remote:    client,
		Surface:   hub,
		Windows:   hub,
		Validator: validator,
		Sync:      agent.SyncRequesterFunc(requestSync(syncRequests)),
		Location:  location,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	install := func(ctx context.Context, m manifest.Manifest) {
		if err := a.Install(ctx, m.Generation()); err != nil {
			logger.Error("install failed", "version", m.Version, "error", err)
			return
		}
		logger.Info("install finished", "version", m.Version)
	}
	current, err := manifest.Load(cfg.ManifestPath, cfg.ManifestBaseVersion)
	if err != nil {
		return err
	}
	install(ctx, current)

	if once {
		result, err := a.Sync(ctx, agent.SyncTag)
		logger.Info("sync finished", "attempted", result.Attempted, "delivered", result.Delivered, "failed", result.Failed)
		return errors.Join(err, drain(a, cfg.ShutdownTimeout))
	}

	if cfg.JWTSecret == "" || cfg.PushHMACSecret == "" {
		logger.Warn("using development secrets for the local api")
	}
	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewServer(a, hub, httpapi.ServerConfig{
			JWTSecret:       cfg.JWTSecret,
			PushHMACSecret:  cfg.PushHMACSecret,
			PushMaxSkew:     cfg.PushMaxSkew,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Validator:       validator,
			Logger:          logger.With("component", "httpapi"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relaypush listening", "addr", cfg.ListenAddr, "origin", cfg.Origin)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := manifest.Watch(gctx, cfg.ManifestPath, manifest.WatchOptions{
			BaseVersion: cfg.ManifestBaseVersion,
			Logger:      logger.With("component", "manifest"),
		}, func(m manifest.Manifest) {
			install(gctx, m)
		})
		if err != nil {
			logger.Warn("manifest reload disabled", "path", cfg.ManifestPath, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		runSyncLoop(gctx, a, syncRequests, cfg.SyncInterval, cfg.SyncJitter, logger)
		return nil
	})
	g.Go(func() error {
		runReminderLoop(gctx, a, cfg.ReminderInterval, logger)
		return nil
	})
	if cfg.PushStreamURL != "" {
		subscriber, err := pushstream.NewSubscriber(pushstream.Options{
			URL:     cfg.PushStreamURL,
			APIKey:  cfg.RemoteAPIKey,
			Handler: a.Push,
			Logger:  logger.With("component", "pushstream"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("relaypush stopping", "reason", context.Cause(gctx))
	return errors.Join(err, drain(a, cfg.ShutdownTimeout))
}

// requestSync coalesces sync requests; one pending opportunity is enough.
func requestSync(ch chan<- string) func(tag string) {
	return func(tag string) {
		select {
		case ch <- tag:
		default:
		}
	}
}

func drain(a *agent.Agent, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Lifetime().Wait(ctx)
}

type syncer interface {
	Sync(ctx context.Context, tag string) (agent.ReconcileResult, error)
}

// runSyncLoop grants a sync opportunity on a jittered interval and whenever
// one is requested, until ctx is done.
func runSyncLoop(ctx context.Context, a syncer, requests <-chan string, interval time.Duration, jitter float64, logger *slog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	jitter = clampJitterRatio(jitter)
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()

	run := func(tag string) {
		result, err := a.Sync(ctx, tag)
		if err != nil {
			logger.Warn("sync failed", "tag", tag, "error", err)
			return
		}
		if result.Attempted > 0 {
			logger.Debug("sync finished", "tag", tag, "attempted", result.Attempted, "delivered", result.Delivered, "failed", result.Failed)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tag := <-requests:
			run(tag)
		case <-timer.C:
			run(agent.SyncTag)
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

type periodicSyncer interface {
	PeriodicSync(ctx context.Context, tag string) (bool, error)
}

func runReminderLoop(ctx context.Context, a periodicSyncer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fired, err := a.PeriodicSync(ctx, agent.ReminderTag)
			if err != nil {
				logger.Warn("reminder check failed", "error", err)
				continue
			}
			logger.Info("reminder check finished", "fired", fired)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

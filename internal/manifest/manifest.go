// Package manifest loads the precache manifest that defines a cache
// generation and watches it for edits.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const defaultDebounce = 250 * time.Millisecond

// Manifest lists the assets precached for one generation.
type Manifest struct {
	Version     string   `yaml:"version"`
	OfflinePage string   `yaml:"offlinePage"`
	Assets      []string `yaml:"assets"`
}

// Default is used when no manifest file exists.
func Default(baseVersion string) Manifest {
	m := Manifest{
		OfflinePage: "/offline.html",
		Assets:      []string{"/", "/index.html", "/manifest.json", "/icons/icon-192.png"},
	}
	m.Version = derivedVersion(baseVersion, []byte(strings.Join(append(m.Assets, m.OfflinePage), "\n")))
	return m
}

// Load reads the manifest at path. A file without a version gets one derived
// from baseVersion and a hash of the file contents, so every edit yields a
// new generation.
func Load(path, baseVersion string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(baseVersion), nil
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		m.Version = derivedVersion(baseVersion, data)
	}
	if strings.TrimSpace(m.OfflinePage) == "" {
		m.OfflinePage = "/offline.html"
	}
	if len(m.Assets) == 0 {
		return Manifest{}, fmt.Errorf("manifest %s lists no assets", path)
	}
	return m, nil
}

func (m Manifest) Generation() agent.Generation {
	return agent.Generation{
		Version:     m.Version,
		OfflinePage: m.OfflinePage,
		Assets:      append([]string(nil), m.Assets...),
	}
}

func derivedVersion(base string, content []byte) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "relaypush"
	}
	sum := sha256.Sum256(content)
	return base + "-" + hex.EncodeToString(sum[:])[:12]
}

type WatchOptions struct {
	BaseVersion string
	Debounce    time.Duration
	Logger      *slog.Logger
}

// Watch calls onChange with the reloaded manifest after the file at path is
// written, created or replaced. It watches the parent directory so editors
// that save by rename are picked up. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(Manifest)) error {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		lastVer string
	)
	if current, err := Load(target, opts.BaseVersion); err == nil {
		lastVer = current.Version
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				timer.Reset(opts.Debounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn("manifest watcher error", "error", err)
		case <-timerC:
			timerC = nil
			m, err := Load(target, opts.BaseVersion)
			if err != nil {
				opts.Logger.Warn("manifest reload failed", "path", target, "error", err)
				continue
			}
			if m.Version == lastVer {
				continue
			}
			lastVer = m.Version
			opts.Logger.Info("manifest changed", "version", m.Version, "assets", len(m.Assets))
			onChange(m)
		}
	}
}

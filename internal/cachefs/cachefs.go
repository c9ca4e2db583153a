// Package cachefs exposes one cache generation as a read-only FUSE tree so
// operators can inspect exactly what the agent will serve offline.
package cachefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// File is one cached response laid out at Path (slash separated, no leading
// slash). The first segment is the request host.
type File struct {
	Path    string
	Key     string
	Data    []byte
	ModTime time.Time
}

// Snapshot copies every entry of the cache into a sorted file list. Keys that
// do not map to a usable path are skipped.
func Snapshot(ctx context.Context, cache storage.Cache) ([]File, error) {
	keys, err := cache.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache %s: %w", cache.Name(), err)
	}
	files := make([]File, 0, len(keys))
	seen := map[string]bool{}
	for _, key := range keys {
		filePath, ok := PathForKey(key)
		if !ok || seen[filePath] {
			continue
		}
		resp, found, err := cache.Match(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !found {
			continue
		}
		seen[filePath] = true
		files = append(files, File{Path: filePath, Key: key, Data: resp.Body, ModTime: resp.StoredAt})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// PathForKey maps a request key ("GET https://host/a/b") onto a file path.
// Directory URLs get index.html; a query string is kept escaped in the name.
func PathForKey(key string) (string, bool) {
	method, raw, ok := strings.Cut(key, " ")
	if !ok || method != "GET" {
		return "", false
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	p := parsed.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	p = path.Clean("/" + p)
	if parsed.RawQuery != "" {
		p += "%3F" + url.QueryEscape(parsed.RawQuery)
	}
	host := strings.ReplaceAll(parsed.Host, ":", "_")
	return host + p, true
}

type root struct {
	fs.Inode
	files  []File
	logger *slog.Logger
}

var _ = (fs.NodeOnAdder)((*root)(nil))

func (r *root) OnAdd(ctx context.Context) {
	for _, f := range r.files {
		dir, base := path.Split(f.Path)
		parent := &r.Inode
		conflict := false
		for _, component := range strings.Split(strings.Trim(dir, "/"), "/") {
			if component == "" {
				continue
			}
			child := parent.GetChild(component)
			if child == nil {
				child = parent.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
				parent.AddChild(component, child, false)
			} else if !child.IsDir() {
				conflict = true
				break
			}
			parent = child
		}
		if conflict || parent.GetChild(base) != nil {
			r.logger.Warn("skipping conflicting cache path", "path", f.Path, "key", f.Key)
			continue
		}
		mtime := uint64(f.ModTime.Unix())
		file := parent.NewPersistentInode(ctx, &fs.MemRegularFile{
			Data: f.Data,
			Attr: fuse.Attr{Mode: 0o444, Mtime: mtime, Ctime: mtime},
		}, fs.StableAttr{})
		parent.AddChild(base, file, false)
	}
}

// MountOptions tunes Mount.
type MountOptions struct {
	Name   string
	Debug  bool
	Logger *slog.Logger
}

// Mount serves files at dir until ctx is cancelled, then unmounts.
func Mount(ctx context.Context, dir string, files []File, opts MountOptions) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("mount directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "relaypush"
	}
	server, err := fs.Mount(dir, &root{files: files, logger: logger}, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   name,
			FsName: name,
			Debug:  opts.Debug,
		},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", dir, err)
	}
	logger.Info("cache mounted", "dir", dir, "files", len(files))

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount %s: %w", dir, err)
		}
		<-done
		return nil
	case <-done:
		return nil
	}
}

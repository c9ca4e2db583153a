package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/agentworkforce/relaypush/internal/cachefs"
	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/spf13/cobra"
)

func newMountCmd(opts *globalOptions) *cobra.Command {
	var (
		cacheVersion string
		debug        bool
	)
	cmd := &cobra.Command{
		Use:   "mount <dir>",
		Short: "Mount a cache generation read-only for inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			files, name, err := loadCacheFiles(ctx, cfg.CacheDSN, cacheVersion)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mounting %s (%d files) at %s\n", name, len(files), args[0])
			return cachefs.Mount(ctx, args[0], files, cachefs.MountOptions{
				Name:   name,
				Debug:  debug,
				Logger: slog.Default(),
			})
		},
	}
	cmd.Flags().StringVar(&cacheVersion, "generation", "", "cache generation to mount (default newest)")
	cmd.Flags().BoolVar(&debug, "debug", false, "log FUSE traffic")
	return cmd
}

// loadCacheFiles snapshots the named cache, or the newest one when name is
// empty.
func loadCacheFiles(ctx context.Context, dsn, name string) ([]cachefs.File, string, error) {
	store, err := storage.BuildCacheStoreFromDSN(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close()

	names, err := store.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	if name == "" {
		if len(names) == 0 {
			return nil, "", fmt.Errorf("no cache generations in store")
		}
		name = names[len(names)-1]
	} else if !slices.Contains(names, name) {
		return nil, "", fmt.Errorf("cache %q not found", name)
	}
	cache, err := store.Open(ctx, name)
	if err != nil {
		return nil, "", err
	}
	files, err := cachefs.Snapshot(ctx, cache)
	if err != nil {
		return nil, "", err
	}
	return files, name, nil
}


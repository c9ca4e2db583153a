//go:build !unix

package instancelock

import (
	"fmt"
	"os"
	"path/filepath"
)

// Acquire falls back to an exclusive create on platforms without flock. A
// stale file left by a crash must be removed by hand.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return &Lock{
		path: path,
		release: func() error {
			_ = file.Close()
			return os.Remove(path)
		},
	}, nil
}

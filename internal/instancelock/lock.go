// Package instancelock keeps a single agent per data directory.
package instancelock

import "errors"

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("instance lock held by another process")

// Lock is a held instance lock. Release is safe to call more than once.
type Lock struct {
	path    string
	release func() error
}

func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}

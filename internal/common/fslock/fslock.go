// Package fslock provides shared/exclusive advisory file locks for
// coordinating orchestrator processes on one host.
//
// Each acquisition opens its own descriptor, so two acquisitions in the same
// process conflict exactly like acquisitions from different processes. Locks
// are not reentrant; callers hold at most one lock per path at a time.
package fslock

import (
	"errors"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/crewkit/crewkit/internal/common/logger"
)

var degradeOnce sync.Once

// PathFor returns the lock-file path guarding target: a dotfile sibling
// named .<base>.lock.
func PathFor(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".lock")
}

// Release unlocks a held lock. Safe to call exactly once.
type Release func()

func noop() {}

// Exclusive blocks until the exclusive lock on path is held.
// On platforms without advisory locking it warns once and returns a no-op
// release, so every caller degrades to lock-free operation.
func Exclusive(path string) (Release, error) {
	return acquire(path, true)
}

// Shared blocks until a shared lock on path is held.
func Shared(path string) (Release, error) {
	return acquire(path, false)
}

func acquire(path string, exclusive bool) (Release, error) {
	fl := flock.New(path)
	var err error
	if exclusive {
		err = fl.Lock()
	} else {
		err = fl.RLock()
	}
	if err != nil {
		if unsupported(err) {
			warnDegraded(err)
			_ = fl.Close()
			return noop, nil
		}
		_ = fl.Close()
		return noop, err
	}
	return func() {
		_ = fl.Unlock()
		_ = fl.Close()
	}, nil
}

// TryExclusive attempts the exclusive lock on path without blocking.
// It returns held=false when another holder exists.
func TryExclusive(path string) (held bool, release Release, err error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		if unsupported(err) {
			warnDegraded(err)
			_ = fl.Close()
			return true, noop, nil
		}
		_ = fl.Close()
		return false, noop, err
	}
	if !locked {
		_ = fl.Close()
		return false, noop, nil
	}
	return true, func() {
		_ = fl.Unlock()
		_ = fl.Close()
	}, nil
}

func unsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.ENOSYS)
}

func warnDegraded(err error) {
	degradeOnce.Do(func() {
		logger.Default().WithError(err).Warn(
			"advisory file locking unavailable; multi-process safety is degraded")
	})
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-ps"

	"github.com/oshokin/netbox-upgrade/internal/logger"
)

// Filename is the lock file created inside the install root.
const Filename = ".netbox-upgrade.lock"

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another upgrade is already running")

// Lock is a held upgrade lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock in dir without waiting.
func Acquire(ctx context.Context, dir string) (*Lock, error) {
	path := filepath.Join(dir, Filename)

	logger.DebugKV(ctx, "Acquiring upgrade lock", "path", path)

	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	if pids, scanErr := OtherInstances(filepath.Base(os.Args[0])); scanErr == nil && len(pids) > 0 {
		logger.WarnKV(ctx, "Other upgrade processes are running", "pids", pids)
	}

	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The file stays so that its inode is stable for other waiters.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}

	return l.fl.Unlock()
}

// OtherInstances lists the pids of processes with the given executable name, except this one.
func OtherInstances(name string) ([]int, error) {
	processList, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	thisProcessID := os.Getpid()

	var pids []int

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != name {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids, nil
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/maxpert/mswitch/errors"
)

// LockFileName is created in the data directory while a process owns it
const LockFileName = "LOCK"

// DirLock is an exclusive advisory lock on a data directory. Two switches
// appending to the same log would interleave records, so the file backend
// refuses to open a directory somebody else holds.
type DirLock struct {
	file *os.File
	path string
}

// LockDir takes the lock without blocking
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStorageUnavailable("lock", dir, err)
	}

	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.NewStorageUnavailable("lock", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.NewStorageLocked(dir, err)
		}
		return nil, errors.NewStorageUnavailable("lock", path, err)
	}

	// Best effort: record the owner for operators
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &DirLock{file: file, path: path}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.path, err)
	}
	return nil
}

// Package lock provides the advisory file lock held by a pipeline driver for
// the lifetime of a batch run.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive flock(2) on a file next to the task store. Only one
// driver may bootstrap and drain a store at a time; worker callbacks never
// take it.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// PathFor returns the lock file used for a store path.
func PathFor(storePath string) string {
	return storePath + ".lock"
}

func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock takes the lock without blocking and records the caller's pid in it.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := readPID(fl.path); pid > 0 {
				return fmt.Errorf("%w (pid %d): %s", ErrLocked, pid, fl.path)
			}
			return fmt.Errorf("%w: %s", ErrLocked, fl.path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// readPID returns the pid recorded by the current holder, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	_ = os.Remove(fl.path)
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// Holder reports whether another process holds the lock at path and, when it
// recorded one, its pid.
func Holder(path string) (pid int, held bool, err error) {
	fl := NewFileLock(path)
	err = fl.TryLock()
	switch {
	case err == nil:
		return 0, false, fl.Unlock()
	case errors.Is(err, ErrLocked):
		return readPID(path), true, nil
	case errors.Is(err, os.ErrNotExist):
		return 0, false, nil
	default:
		return 0, false, err
	}
}

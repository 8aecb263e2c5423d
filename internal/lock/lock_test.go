package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPathFor(t *testing.T) {
	if got := PathFor("/data/task_queue.db"); got != "/data/task_queue.db.lock" {
		t.Errorf("PathFor = %q", got)
	}
}

func TestFileLock_TryLockWritesPID(t *testing.T) {
	lockPath := PathFor(filepath.Join(t.TempDir(), "task_queue.db"))

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file pid = %q, want %d", got, os.Getpid())
	}

	// Re-locking an already held lock is a no-op.
	if err := fl.TryLock(); err != nil {
		t.Errorf("second TryLock on the same FileLock: %v", err)
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "task_queue.db.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error should name the holder pid: %v", err)
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "task_queue.db.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed on unlock, stat err = %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "task_queue.db.lock"))
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

func TestFileLock_OpenError(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "missing", "x.lock"))
	err := fl.TryLock()
	if err == nil {
		t.Fatal("expected error for a lock in a missing directory")
	}
	if errors.Is(err, ErrLocked) {
		t.Errorf("open failure must not look like contention: %v", err)
	}
}

func TestHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "task_queue.db.lock")

	if pid, held, err := Holder(lockPath); err != nil || held || pid != 0 {
		t.Fatalf("free lock: pid=%d held=%v err=%v", pid, held, err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("probing a free lock must not leave a file behind")
	}

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, held, err := Holder(lockPath)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if !held || pid != os.Getpid() {
		t.Errorf("held lock: pid=%d held=%v", pid, held)
	}
}

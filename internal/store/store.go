// Package store persists the pipeline task queue and the subprocess slot registry.
//
// Two backends are provided: a SQLite file (the default, addressed by a filesystem
// path) and Redis (addressed by a redis:// URL). Both make every mutation a single
// atomic record operation so several scheduler processes can share one store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pdart-go/hstqueue/internal/model"
)

var (
	// ErrStoreMissing is returned when the backing tables do not exist.
	ErrStoreMissing = errors.New("task queue store does not exist")
	// ErrStoreExists is returned by Create when the store is already initialized.
	ErrStoreExists = errors.New("task queue store already exists")
	// ErrSlotMissing is returned by AssignSlot when the reservation is gone.
	ErrSlotMissing = errors.New("slot reservation not found")
)

// TaskStore is the durable table of queued and running tasks.
type TaskStore interface {
	// Enqueue inserts a queued task unless one exists for the same key.
	// It reports whether the insert happened.
	Enqueue(ctx context.Context, task model.Task) (bool, error)
	// NextRunnable returns the queued task with the lowest priority value,
	// ties broken by insertion order, or nil when nothing is queued.
	NextRunnable(ctx context.Context) (*model.Task, error)
	// MarkRunning moves a queued task to running and reports whether this call
	// made the transition. Absent or already running tasks yield false.
	MarkRunning(ctx context.Context, key model.TaskKey) (bool, error)
	Has(ctx context.Context, key model.TaskKey) (bool, error)
	Remove(ctx context.Context, key model.TaskKey) error
	// RemoveAll deletes every task of a proposal and returns how many went.
	RemoveAll(ctx context.Context, proposalID string) (int, error)
	Tasks(ctx context.Context) ([]model.Task, error)
}

// SlotRegistry is the durable table of running worker processes.
type SlotRegistry interface {
	// ReserveSlot inserts slot only while fewer than limit slots are
	// registered and its pid is free, and reports whether it did. Count and
	// insert are one step.
	ReserveSlot(ctx context.Context, slot model.ProcessSlot, limit int) (bool, error)
	// AssignSlot replaces the reservation held under pid reserved with slot.
	AssignSlot(ctx context.Context, reserved int, slot model.ProcessSlot) error
	// Slots enumerates slots ordered by start time, then pid.
	Slots(ctx context.Context) ([]model.ProcessSlot, error)
	SlotCount(ctx context.Context) (int, error)
	// RemoveSlot is idempotent.
	RemoveSlot(ctx context.Context, pid int) error
}

type Store interface {
	TaskStore
	SlotRegistry
	// Exists reports whether the backing tables are still present.
	Exists(ctx context.Context) (bool, error)
	// Erase deletes every task and slot, keeping the store initialized.
	Erase(ctx context.Context) error
	Close() error
}

// FileBacked is implemented by stores living in a local file that can be watched
// for changes made by other processes.
type FileBacked interface {
	Path() string
}

func isRedisDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://")
}

// Open opens an initialized store. It never creates one; an absent store yields
// ErrStoreMissing.
func Open(ctx context.Context, dsn string) (Store, error) {
	if isRedisDSN(dsn) {
		return OpenRedis(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

// Create initializes a new store. An initialized store yields ErrStoreExists.
func Create(ctx context.Context, dsn string) (Store, error) {
	if isRedisDSN(dsn) {
		return CreateRedis(ctx, dsn)
	}
	return CreateSQLite(ctx, dsn)
}

type Mode int

const (
	// ModeFresh creates the store, or erases it when it already exists.
	ModeFresh Mode = iota
	// ModeContinue creates the store, or reuses its contents when it already exists.
	ModeContinue
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeContinue:
		return "continue"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Bootstrap prepares the store for a batch run according to the explicit mode.
// Failures other than an already-initialized store are returned unchanged and
// are meant to abort the run.
func Bootstrap(ctx context.Context, dsn string, mode Mode) (Store, error) {
	if mode != ModeFresh && mode != ModeContinue {
		return nil, fmt.Errorf("unknown bootstrap mode %v", mode)
	}

	st, err := Create(ctx, dsn)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrStoreExists) {
		return nil, fmt.Errorf("create task queue store: %w", err)
	}

	st, err = Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open task queue store: %w", err)
	}
	if mode == ModeFresh {
		if err := st.Erase(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("erase task queue store: %w", err)
		}
	}
	return st, nil
}

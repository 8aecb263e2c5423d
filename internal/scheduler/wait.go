package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Clock supplies wall-clock time for slot start times and deadlines.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Waiter pauses the reclaim loop between scans. Wait returns after d, earlier
// if the implementation learns that the store changed, or with ctx's error.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

type timerWaiter struct{}

func (timerWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StoreWatcher is a Waiter that also wakes up when the SQLite store file (or
// its journal) is written by another scheduler process. Polling stays the
// guarantee; notifications only shorten the sleep.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	base    string
	wake    chan struct{}
	logger  *slog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewStoreWatcher(storePath string, logger *slog.Logger) (*StoreWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(storePath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &StoreWatcher{
		watcher: w,
		base:    filepath.Base(storePath),
		wake:    make(chan struct{}, 1),
		logger:  logger,
		done:    make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.loop()
	return sw, nil
}

func (sw *StoreWatcher) loop() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.done:
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), sw.base) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) {
				select {
				case sw.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("store_watch_error", "error", err)
		}
	}
}

func (sw *StoreWatcher) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-sw.wake:
	}
	return nil
}

func (sw *StoreWatcher) Close() error {
	var err error
	sw.once.Do(func() {
		close(sw.done)
		err = sw.watcher.Close()
		sw.wg.Wait()
	})
	return err
}

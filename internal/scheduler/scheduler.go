// Package scheduler dispatches HST pipeline tasks onto a bounded pool of
// worker processes.
//
// Every operation goes through the shared task store and slot registry, so
// several scheduler processes (the driver and the workers calling back with
// their successor stages) cooperate without talking to each other. A request
// is enqueued, higher-priority work of other proposals is drained first, and
// the request then waits for a free slot before its worker is spawned. The
// wait is the only blocking point: it polls the slot registry and reclaims
// slots whose process exited, turned zombie, overran its deadline, or whose
// successor stage is already queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pdart-go/hstqueue/internal/events"
	"github.com/pdart-go/hstqueue/internal/logging"
	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/procs"
	"github.com/pdart-go/hstqueue/internal/store"
	"github.com/pdart-go/hstqueue/internal/tracing"
)

// ErrUnknownStage is returned for a stage number missing from the stage table.
var ErrUnknownStage = errors.New("unknown stage")

// FirstStage is the stage the driver seeds for every proposal.
const FirstStage = 0

// ErrNoStore is returned by operations that need a store before one was
// attached, opened or bootstrapped.
var ErrNoStore = errors.New("no task queue store attached")

// Deps are the collaborators a Scheduler talks to. Launcher and Prober are
// required; the rest default to the real clock, a plain timer, no event bus
// and the default logger.
type Deps struct {
	Launcher procs.Launcher
	Prober   procs.Prober
	Clock    Clock
	Waiter   Waiter
	Bus      *events.Bus
	Logger   *slog.Logger
}

type Scheduler struct {
	cfg      model.Config
	stages   *model.StageTable
	store    store.Store
	launcher procs.Launcher
	prober   procs.Prober
	clock    Clock
	waiter   Waiter
	bus      *events.Bus
	logger   *slog.Logger

	// ownWaiter is closed with the scheduler when it was created here.
	ownWaiter io.Closer
	runID     string
}

func New(cfg model.Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if deps.Launcher == nil || deps.Prober == nil {
		return nil, errors.New("scheduler needs a launcher and a prober")
	}
	stages, err := model.NewStageTable(cfg.Stages)
	if err != nil {
		return nil, fmt.Errorf("stage table: %w", err)
	}

	s := &Scheduler{
		cfg:      cfg,
		stages:   stages,
		launcher: deps.Launcher,
		prober:   deps.Prober,
		clock:    deps.Clock,
		waiter:   deps.Waiter,
		bus:      deps.Bus,
		logger:   deps.Logger,
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// SetRunID tags log lines and events with a pipeline run id.
func (s *Scheduler) SetRunID(id string) {
	s.runID = id
	if id != "" {
		s.logger = s.logger.With("run_id", id)
	}
}

func (s *Scheduler) Stages() *model.StageTable {
	return s.stages
}

func (s *Scheduler) Store() store.Store {
	return s.store
}

// Attach uses an already opened store.
func (s *Scheduler) Attach(st store.Store) {
	s.store = st
	s.setupWaiter()
}

// Open opens the configured store. An absent store yields store.ErrStoreMissing.
func (s *Scheduler) Open(ctx context.Context) error {
	st, err := store.Open(ctx, s.cfg.Store.DSN)
	if err != nil {
		return err
	}
	s.Attach(st)
	return nil
}

// Bootstrap creates the configured store, or erases or reuses an existing one
// according to mode.
func (s *Scheduler) Bootstrap(ctx context.Context, mode store.Mode) error {
	st, err := store.Bootstrap(ctx, s.cfg.Store.DSN, mode)
	if err != nil {
		return err
	}
	s.logger.Info("store_ready", "dsn", s.cfg.Store.DSN, "mode", mode.String())
	s.Attach(st)
	return nil
}

func (s *Scheduler) setupWaiter() {
	if s.waiter != nil {
		return
	}
	s.waiter = timerWaiter{}
	if !s.cfg.Scheduler.WatchStore {
		return
	}
	fb, ok := s.store.(store.FileBacked)
	if !ok {
		return
	}
	sw, err := NewStoreWatcher(fb.Path(), s.logger)
	if err != nil {
		s.logger.Warn("store_watch_disabled", "error", err)
		return
	}
	s.waiter = sw
	s.ownWaiter = sw
}

// Close releases the store and the store watcher.
func (s *Scheduler) Close() error {
	var errs []error
	if s.ownWaiter != nil {
		errs = append(errs, s.ownWaiter.Close())
		s.ownWaiter = nil
		s.waiter = nil
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}

func (s *Scheduler) publish(ev events.Event) {
	ev.RunID = s.runID
	s.bus.Publish(ev)
}

// QueueNextTask records a request to run stage for a proposal and, when the
// request is new, dispatches it. visits holds a single visit for visit-level
// stages; a list (or nothing) makes the task proposal-wide. It returns the
// spawned pid, or 0 when nothing was spawned: the store is missing, the task
// was already queued, or another scheduler claimed it first.
func (s *Scheduler) QueueNextTask(ctx context.Context, proposalID string, visits []string, stage int) (pid int, err error) {
	if s.store == nil {
		if err := s.Open(ctx); err != nil {
			if errors.Is(err, store.ErrStoreMissing) {
				s.logger.Warn("store_missing", "dsn", s.cfg.Store.DSN, "proposal_id", proposalID, "stage", stage)
				return 0, nil
			}
			return 0, err
		}
	}
	ok, err := s.store.Exists(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Warn("store_missing", "dsn", s.cfg.Store.DSN, "proposal_id", proposalID, "stage", stage)
		return 0, nil
	}

	formatted, err := model.FormatProposalID(proposalID)
	if err != nil {
		return 0, err
	}
	sc, found := s.stages.Lookup(stage)
	if !found {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStage, stage)
	}
	visit, visitArg := model.VisitArgs(visits)
	cmd, err := s.stages.Render(stage, formatted, visitArg)
	if err != nil {
		return 0, err
	}

	task := model.Task{
		TaskKey:   model.TaskKey{ProposalID: formatted, Visit: visit, Stage: stage},
		Priority:  sc.Priority,
		Status:    model.StatusQueued,
		Command:   cmd,
		CreatedAt: s.clock.Now().UTC(),
	}

	ctx, span := tracing.EnqueueSpan(ctx, task.TaskKey)
	defer func() { tracing.End(span, err) }()

	inserted, err := s.store.Enqueue(ctx, task)
	if err != nil {
		return 0, err
	}
	if !inserted {
		s.logger.Info("task_already_queued", "task", task.TaskKey.String(), "name", s.stages.Name(stage))
		s.publish(events.Event{Type: events.EventTaskDuplicate, Task: task.TaskKey, Priority: task.Priority})
		return 0, nil
	}
	s.logger.Info("task_queued", "task", task.TaskKey.String(), "name", s.stages.Name(stage), "priority", task.Priority)
	s.publish(events.Event{Type: events.EventTaskQueued, Task: task.TaskKey, Priority: task.Priority})

	return s.RunAndMaybeWait(ctx, task)
}

// preempts reports whether a pending task is dispatched ahead of the current
// unit of work. The default compares with "and": only a task differing in
// both proposal and visit goes first.
func (s *Scheduler) preempts(pending, current model.TaskKey) bool {
	diffProposal := pending.ProposalID != current.ProposalID
	diffVisit := pending.Visit != current.Visit
	if s.cfg.Scheduler.Preemption == model.PreemptEither {
		return diffProposal || diffVisit
	}
	return diffProposal && diffVisit
}

func (s *Scheduler) maxDrain() int {
	if s.cfg.Scheduler.MaxDrain <= 0 {
		return 64
	}
	return s.cfg.Scheduler.MaxDrain
}

// RunAndMaybeWait dispatches task, first launching any more urgent queued
// work that belongs to another workflow. The drain is a loop, bounded by
// scheduler.max_drain dispatches per call.
func (s *Scheduler) RunAndMaybeWait(ctx context.Context, task model.Task) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}

	drained := 0
	for {
		next, err := s.store.NextRunnable(ctx)
		if err != nil {
			return 0, err
		}
		if next == nil || !s.preempts(next.TaskKey, task.TaskKey) {
			break
		}
		if drained >= s.maxDrain() {
			s.logger.Warn("priority_drain_limit", "task", task.TaskKey.String(), "drained", drained, "pending", next.TaskKey.String())
			break
		}
		s.logger.Debug("priority_drain", "task", task.TaskKey.String(), "first", next.TaskKey.String(), "priority", next.Priority)
		if _, err := s.dispatch(ctx, *next, true); err != nil {
			if ctx.Err() != nil {
				return 0, err
			}
			// A broken preempting task must not block the request that found it.
			s.logger.Error("dispatch_failed", "task", next.TaskKey.String(), "error", err)
		}
		drained++
	}

	return s.dispatch(ctx, task, false)
}

// dispatch reserves a slot, claims the task and spawns its worker into the
// reserved slot.
func (s *Scheduler) dispatch(ctx context.Context, task model.Task, preempting bool) (pid int, err error) {
	key := task.TaskKey
	ctx, span := tracing.DispatchSpan(ctx, key, preempting)
	defer func() { tracing.End(span, err) }()

	argv, err := procs.BuildArgv(task.Command, s.cfg.Worker.Interpreter, s.cfg.Worker.SourceRoot)
	if err != nil {
		s.dropTask(ctx, key)
		return 0, fmt.Errorf("dispatch %s: %w", key, err)
	}

	hold, err := s.reserveSlot(ctx, key)
	if err != nil {
		return 0, err
	}

	claimed, err := s.store.MarkRunning(ctx, key)
	if err != nil {
		s.dropReservation(ctx, hold)
		return 0, err
	}
	if !claimed {
		s.dropReservation(ctx, hold)
		s.logger.Info("task_not_claimable", "task", key.String())
		return 0, nil
	}

	s.logger.Debug("spawning_worker", "task", key.String(), "argv", argv)
	pid, err = s.launcher.Launch(ctx, key, argv)
	if err != nil {
		// The worker never ran; drop the record so the stage can be requested again.
		s.dropReservation(ctx, hold)
		s.dropTask(ctx, key)
		return 0, err
	}

	slot := s.newSlot(pid, key)
	if err := s.store.AssignSlot(ctx, hold.PID, slot); err != nil {
		// A worker without a slot would never be reclaimed.
		s.terminate(slot)
		s.dropReservation(ctx, hold)
		s.dropTask(ctx, key)
		return 0, fmt.Errorf("register worker pid=%d for %s: %w", pid, key, err)
	}

	count, err := s.store.SlotCount(ctx)
	if err != nil {
		s.logger.Warn("slot_count_failed", "error", err)
	}
	s.logger.Info("task_started",
		"task", key.String(),
		"name", s.stages.Name(key.Stage),
		"pid", pid,
		"preempting", preempting,
		"deadline", slot.Deadline.Format(time.RFC3339),
		"slots", count,
	)
	s.publish(events.Event{Type: events.EventTaskStarted, Task: key, PID: pid, Priority: task.Priority, Count: count})
	return pid, nil
}

func (s *Scheduler) newSlot(pid int, key model.TaskKey) model.ProcessSlot {
	now := s.clock.Now()
	return model.ProcessSlot{
		PID:        pid,
		Stage:      key.Stage,
		StartedAt:  now,
		Deadline:   now.Add(s.cfg.Scheduler.MaxAllowed()),
		Visit:      key.Visit,
		ProposalID: key.ProposalID,
	}
}

// reserveSlot waits for a free slot and registers a placeholder in it. The
// store refuses the placeholder when another scheduler filled the slot first;
// the wait then starts over.
func (s *Scheduler) reserveSlot(ctx context.Context, key model.TaskKey) (model.ProcessSlot, error) {
	for {
		if err := s.WaitForSubprocess(ctx, false); err != nil {
			return model.ProcessSlot{}, err
		}
		hold := s.newSlot(reservationPID(), key)
		ok, err := s.store.ReserveSlot(ctx, hold, s.cfg.Scheduler.MaxSubprocesses)
		if err != nil {
			return model.ProcessSlot{}, err
		}
		if ok {
			return hold, nil
		}
		s.logger.Debug("slot_reservation_lost", "task", key.String())
	}
}

// reservationPID returns a negative placeholder pid. Real pids are positive.
func reservationPID() int {
	return -(rand.IntN(math.MaxInt32) + 1)
}

func (s *Scheduler) dropReservation(ctx context.Context, hold model.ProcessSlot) {
	if err := s.store.RemoveSlot(ctx, hold.PID); err != nil {
		s.logger.Error("slot_remove_failed", "pid", hold.PID, "task", hold.Key().String(), "error", err)
	}
}

func (s *Scheduler) dropTask(ctx context.Context, key model.TaskKey) {
	if err := s.store.Remove(ctx, key); err != nil {
		s.logger.Error("task_remove_failed", "task", key.String(), "error", err)
	}
}

// WaitForSubprocess blocks until a slot is free, or with drainAll until every
// slot has been reclaimed.
func (s *Scheduler) WaitForSubprocess(ctx context.Context, drainAll bool) (err error) {
	if s.store == nil {
		return ErrNoStore
	}
	if s.waiter == nil {
		s.setupWaiter()
	}

	limit := s.cfg.Scheduler.MaxSubprocesses
	satisfied := func(count int) bool {
		if drainAll {
			return count == 0
		}
		return count < limit
	}

	ctx, sp := tracing.ReclaimSpan(ctx, drainAll)
	defer func() { tracing.End(sp, err) }()

	waited := false
	for {
		count, err := s.store.SlotCount(ctx)
		if err != nil {
			return err
		}
		if satisfied(count) {
			if waited {
				s.logger.Debug("slot_wait_done", "slots", count, "drain_all", drainAll)
			}
			return nil
		}

		removed, err := s.reclaimOnce(ctx)
		if err != nil {
			return err
		}
		if removed {
			continue
		}

		if !waited {
			s.logger.Debug("slot_wait", "slots", count, "max", limit, "drain_all", drainAll)
			waited = true
		}
		if err := s.waiter.Wait(ctx, s.cfg.Scheduler.PollInterval()); err != nil {
			return err
		}
	}
}

// reclaimOnce scans the registry in order and removes the first reclaimable
// slot. It reports whether a slot was removed.
func (s *Scheduler) reclaimOnce(ctx context.Context) (bool, error) {
	slots, err := s.store.Slots(ctx)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()

	for _, sl := range slots {
		reason, err := s.reclaimReason(ctx, sl, now)
		if err != nil {
			return false, err
		}
		if reason == "" {
			continue
		}
		if err := s.release(ctx, sl, reason, now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) reclaimReason(ctx context.Context, sl model.ProcessSlot, now time.Time) (string, error) {
	if sl.Reserved() {
		// A reservation has no process yet; only its deadline can free it.
		if sl.Expired(now) {
			return events.ReasonDeadline, nil
		}
		return "", nil
	}
	queued, err := s.successorQueued(ctx, sl)
	if err != nil {
		return "", err
	}
	if queued {
		return events.ReasonSuccessorQueued, nil
	}

	state, err := s.prober.State(sl.PID)
	if err != nil {
		// Unknown state: keep the slot and let the deadline decide.
		s.logger.Warn("process_state_failed", "pid", sl.PID, "error", err)
		state = procs.StateAlive
	}
	switch state {
	case procs.StateGone:
		return events.ReasonExited, nil
	case procs.StateZombie:
		s.terminate(sl)
		return events.ReasonZombie, nil
	}

	if sl.Expired(now) {
		s.terminate(sl)
		return events.ReasonDeadline, nil
	}
	return "", nil
}

func (s *Scheduler) successorQueued(ctx context.Context, sl model.ProcessSlot) (bool, error) {
	for _, next := range s.stages.Successors(sl.Stage) {
		key := model.TaskKey{ProposalID: sl.ProposalID, Visit: sl.Visit, Stage: next}
		ok, err := s.store.Has(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) terminate(sl model.ProcessSlot) {
	err := s.prober.Terminate(sl.PID)
	if err != nil && !errors.Is(err, procs.ErrNoProcess) {
		s.logger.Warn("terminate_failed", "pid", sl.PID, "task", sl.Key().String(), "error", err)
	}
}

// release removes the slot and, with it, the task record it was running.
func (s *Scheduler) release(ctx context.Context, sl model.ProcessSlot, reason string, now time.Time) error {
	if err := s.store.RemoveSlot(ctx, sl.PID); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, sl.Key()); err != nil {
		return err
	}
	count, err := s.store.SlotCount(ctx)
	if err != nil {
		s.logger.Warn("slot_count_failed", "error", err)
	}

	runtime := now.Sub(sl.StartedAt)
	level := slog.LevelInfo
	if reason == events.ReasonDeadline || reason == events.ReasonZombie {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "slot_released",
		"task", sl.Key().String(),
		"pid", sl.PID,
		"reason", reason,
		"runtime", runtime.Round(time.Second).String(),
		"slots", count,
	)
	s.publish(events.Event{Type: events.EventSlotReleased, Task: sl.Key(), PID: sl.PID, Reason: reason, Count: count, Runtime: runtime})
	return nil
}

// AbandonProposal removes every task of a proposal the pipeline gave up on.
// Slots of already running workers are left to the reclaimer.
func (s *Scheduler) AbandonProposal(ctx context.Context, proposalID string) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	formatted, err := model.FormatProposalID(proposalID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.RemoveAll(ctx, formatted)
	if err != nil {
		return 0, err
	}
	s.logger.Info("proposal_abandoned", "proposal_id", formatted, "removed", n)
	s.publish(events.Event{Type: events.EventProposalAbandoned, Task: model.TaskKey{ProposalID: formatted}, Count: n})
	return n, nil
}

// RunPipeline bootstraps the store, seeds stage 0 for every proposal id in
// order and then waits for all slots to drain. Ids that are not integers are
// logged and skipped.
func (s *Scheduler) RunPipeline(ctx context.Context, proposalIDs []string, mode store.Mode) error {
	if id := logging.RunID(ctx); id != "" && s.runID == "" {
		s.SetRunID(id)
	}
	logger := s.logger
	logger.Info("pipeline_start", "proposals", len(proposalIDs), "mode", mode.String(),
		"max_subprocesses", s.cfg.Scheduler.MaxSubprocesses)

	if err := s.Bootstrap(ctx, mode); err != nil {
		logger.Error("store_bootstrap_failed", "error", err)
		return fmt.Errorf("bootstrap task queue store: %w", err)
	}

	for _, id := range proposalIDs {
		formatted, err := model.FormatProposalID(id)
		if err != nil {
			logger.Warn("proposal_id_invalid", "proposal_id", id, "error", err)
			s.publish(events.Event{Type: events.EventProposalSkipped, Reason: id})
			continue
		}
		logger.Info("pipeline_proposal", "proposal_id", formatted, "stage", FirstStage, "name", s.stages.Name(FirstStage))
		if _, err := s.QueueNextTask(ctx, formatted, nil, FirstStage); err != nil {
			return fmt.Errorf("queue proposal %s: %w", formatted, err)
		}
	}

	if err := s.WaitForSubprocess(ctx, true); err != nil {
		return fmt.Errorf("drain subprocesses: %w", err)
	}
	logger.Info("pipeline_done")
	return nil
}

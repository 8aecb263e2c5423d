package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdart-go/hstqueue/internal/events"
	"github.com/pdart-go/hstqueue/internal/logging"
	"github.com/pdart-go/hstqueue/internal/model"
	"github.com/pdart-go/hstqueue/internal/procs"
	"github.com/pdart-go/hstqueue/internal/store"
)

type launch struct {
	key  model.TaskKey
	argv []string
	pid  int
}

type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	launches []launch
	fail     error
	// before runs ahead of every launch, e.g. to assert the slot ceiling.
	before func(key model.TaskKey)
}

func (l *fakeLauncher) Launch(_ context.Context, key model.TaskKey, argv []string) (int, error) {
	if l.before != nil {
		l.before(key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return 0, l.fail
	}
	l.nextPID++
	pid := 1000 + l.nextPID
	l.launches = append(l.launches, launch{key: key, argv: argv, pid: pid})
	return pid, nil
}

func (l *fakeLauncher) keys() []model.TaskKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.TaskKey, len(l.launches))
	for i, ln := range l.launches {
		out[i] = ln.key
	}
	return out
}

func (l *fakeLauncher) pidOf(key model.TaskKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.launches {
		if ln.key == key {
			return ln.pid
		}
	}
	return 0
}

type fakeProber struct {
	mu           sync.Mutex
	states       map[int]procs.ProcState
	terminated   []int
	terminateErr map[int]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{states: map[int]procs.ProcState{}, terminateErr: map[int]error{}}
}

func (p *fakeProber) State(pid int) (procs.ProcState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[pid]; ok {
		return st, nil
	}
	return procs.StateAlive, nil
}

func (p *fakeProber) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, pid)
	if err := p.terminateErr[pid]; err != nil {
		return err
	}
	p.states[pid] = procs.StateGone
	return nil
}

func (p *fakeProber) set(pid int, st procs.ProcState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[pid] = st
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWaiter replaces the poll sleep. onWait simulates whatever happens in
// the outside world during one poll interval.
type fakeWaiter struct {
	calls  int
	limit  int
	onWait func(call int)
}

func (w *fakeWaiter) Wait(ctx context.Context, _ time.Duration) error {
	w.calls++
	if w.calls > w.limit {
		return errors.New("fake waiter: too many polls")
	}
	if w.onWait != nil {
		w.onWait(w.calls)
	}
	return ctx.Err()
}

type harness struct {
	sched    *Scheduler
	launcher *fakeLauncher
	prober   *fakeProber
	clock    *fakeClock
	waiter   *fakeWaiter
	bus      *events.Bus
	cfg      model.Config
	// logs collects error level lines.
	logs bytes.Buffer
}

func testConfig(t *testing.T) model.Config {
	cfg := model.DefaultConfig()
	cfg.Store.DSN = filepath.Join(t.TempDir(), "task_queue.db")
	cfg.Scheduler.MaxSubprocesses = 2
	cfg.Scheduler.MaxAllowedSec = 1800
	cfg.Scheduler.WatchStore = false
	cfg.Worker.Interpreter = "python3"
	cfg.Worker.SourceRoot = "/opt/hst"
	return cfg
}

func newHarness(t *testing.T, cfg model.Config) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		prober:   newFakeProber(),
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		waiter:   &fakeWaiter{limit: 10},
		bus:      events.NewBus(100),
		cfg:      cfg,
	}
	s, err := New(cfg, Deps{
		Launcher: h.launcher,
		Prober:   h.prober,
		Clock:    h.clock,
		Waiter:   h.waiter,
		Bus:      h.bus,
		Logger:   logging.New(&h.logs, "error", "text", ""),
	})
	require.NoError(t, err)
	h.sched = s
	t.Cleanup(func() {
		h.bus.Close()
		_ = s.Close()
	})
	return h
}

func (h *harness) bootstrap(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.Bootstrap(context.Background(), store.ModeFresh))
	h.launcher.before = func(model.TaskKey) {
		n, err := h.sched.Store().SlotCount(context.Background())
		require.NoError(t, err)
		// The spawning task's reservation is already counted.
		assert.LessOrEqual(t, n, h.cfg.Scheduler.MaxSubprocesses, "spawn above the concurrency ceiling")
	}
}

func (h *harness) task(t *testing.T, key model.TaskKey) *model.Task {
	t.Helper()
	tasks, err := h.sched.Store().Tasks(context.Background())
	require.NoError(t, err)
	for _, tk := range tasks {
		if tk.TaskKey == key {
			tk := tk
			return &tk
		}
	}
	return nil
}

func (h *harness) slotPIDs(t *testing.T) []int {
	t.Helper()
	slots, err := h.sched.Store().Slots(context.Background())
	require.NoError(t, err)
	pids := make([]int, len(slots))
	for i, sl := range slots {
		pids[i] = sl.PID
	}
	return pids
}

func key(p, v string, stage int) model.TaskKey {
	return model.TaskKey{ProposalID: p, Visit: v, Stage: stage}
}

func TestRunPipeline_ThreeProposalsTwoSlots(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	third := key("00003", "", 0)
	h.waiter.onWait = func(call int) {
		switch call {
		case 1:
			// Two workers hold both slots; the third request is still queued.
			assert.Len(t, h.launcher.keys(), 2)
			tk := h.task(t, third)
			require.NotNil(t, tk)
			assert.Equal(t, model.StatusQueued, tk.Status)
			h.prober.set(h.launcher.pidOf(key("00001", "", 0)), procs.StateGone)
		default:
			for _, ln := range h.launcher.launches {
				h.prober.set(ln.pid, procs.StateGone)
			}
		}
	}

	err := h.sched.RunPipeline(ctx, []string{"1", "00002", "3"}, store.ModeFresh)
	require.NoError(t, err)

	assert.Equal(t, []model.TaskKey{key("00001", "", 0), key("00002", "", 0), third}, h.launcher.keys())
	assert.Equal(t, []string{
		"python3", "/opt/hst/query_hst_moving_targets/query_hst_moving_targets.py", "--prog-id", "00003", "--tq",
	}, h.launcher.launches[2].argv)

	assert.Empty(t, h.slotPIDs(t), "drain leaves no slots")
	tasks, err := h.sched.Store().Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "reclaimed slots take their task records with them")
	assert.Empty(t, h.prober.terminated)
}

func TestRunPipeline_SkipsInvalidIDsAndErasesOldState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Leftovers of a previous batch.
	old, err := store.Create(ctx, cfg.Store.DSN)
	require.NoError(t, err)
	_, err = old.Enqueue(ctx, model.Task{TaskKey: key("00099", "", 3), Priority: 7, Command: "x.py"})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	h := newHarness(t, cfg)
	h.waiter.onWait = func(int) {
		for _, ln := range h.launcher.launches {
			h.prober.set(ln.pid, procs.StateGone)
		}
	}

	var skipped []events.Event
	var mu sync.Mutex
	h.bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		skipped = append(skipped, ev)
		mu.Unlock()
	}, events.EventProposalSkipped)

	require.NoError(t, h.sched.RunPipeline(ctx, []string{"abc", "-4", "7885"}, store.ModeFresh))
	assert.Equal(t, []model.TaskKey{key("07885", "", 0)}, h.launcher.keys())
	assert.Nil(t, h.task(t, key("00099", "", 3)), "fresh mode erases previous contents")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(skipped) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunPipeline_ContinueKeepsState(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	old, err := store.Create(ctx, cfg.Store.DSN)
	require.NoError(t, err)
	_, err = old.Enqueue(ctx, model.Task{TaskKey: key("00001", "", 0), Priority: 10, Command: "x.py"})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	h := newHarness(t, cfg)
	require.NoError(t, h.sched.RunPipeline(ctx, []string{"1"}, store.ModeContinue))
	assert.Empty(t, h.launcher.keys(), "the reused record makes the request a duplicate")
}

func TestRunPipeline_BootstrapFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Store.DSN = filepath.Join(blocker, "task_queue.db")

	h := newHarness(t, cfg)
	err := h.sched.RunPipeline(context.Background(), []string{"1"}, store.ModeFresh)
	require.Error(t, err)
	assert.Empty(t, h.launcher.keys())
}

func TestQueueNextTask_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bootstrap(t)
	ctx := context.Background()

	pid, err := h.sched.QueueNextTask(ctx, "00001", []string{"01"}, 4)
	require.NoError(t, err)
	assert.Positive(t, pid)

	pid, err = h.sched.QueueNextTask(ctx, "1", []string{"01"}, 4)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Len(t, h.launcher.keys(), 1)

	tk := h.task(t, key("00001", "01", 4))
	require.NotNil(t, tk)
	assert.Equal(t, model.StatusRunning, tk.Status)
	assert.Equal(t, 6, tk.Priority)
	assert.Equal(t, "retrieve_hst_visit/retrieve_hst_visit.py --prog-id 00001 --vi 01 --tq", tk.Command)
}

func TestQueueNextTask_VisitList(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bootstrap(t)

	_, err := h.sched.QueueNextTask(context.Background(), "00001", []string{"01", "02", "0A"}, 3)
	require.NoError(t, err)

	tk := h.task(t, key("00001", "", 3))
	require.NotNil(t, tk, "a visit list is stored as a proposal-wide task")
	assert.Equal(t, "update_hst_program/update_hst_program.py --prog-id 00001 --vi 01 02 0A --tq", tk.Command)
	assert.Equal(t, []string{
		"python3", "/opt/hst/update_hst_program/update_hst_program.py",
		"--prog-id", "00001", "--vi", "01", "02", "0A", "--tq",
	}, h.launcher.launches[0].argv)
}

func TestQueueNextTask_StoreMissing(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	pid, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Empty(t, h.launcher.keys())
	_, statErr := os.Stat(cfg.Store.DSN)
	assert.True(t, os.IsNotExist(statErr), "a missing store is never created by an enqueue")
}

func TestQueueNextTask_StoreRemovedUnderneath(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.bootstrap(t)
	require.NoError(t, os.Remove(cfg.Store.DSN))

	pid, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Empty(t, h.launcher.keys())
}

func TestQueueNextTask_Errors(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bootstrap(t)
	ctx := context.Background()

	_, err := h.sched.QueueNextTask(ctx, "00001", nil, 42)
	assert.ErrorIs(t, err, ErrUnknownStage)

	_, err = h.sched.QueueNextTask(ctx, "not-a-number", nil, 0)
	assert.Error(t, err)
	assert.Empty(t, h.launcher.keys())
}

func TestQueueNextTask_LaunchFailureDropsRecord(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bootstrap(t)
	h.launcher.fail = errors.New("exec: no such file")

	_, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
	require.Error(t, err)
	assert.Nil(t, h.task(t, key("00001", "", 0)))
	assert.Empty(t, h.slotPIDs(t))
}

// faultyStore fails selected operations of the store it wraps.
type faultyStore struct {
	store.Store
	removeErr error
	assignErr error
}

func (f *faultyStore) Remove(ctx context.Context, key model.TaskKey) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	return f.Store.Remove(ctx, key)
}

func (f *faultyStore) AssignSlot(ctx context.Context, reserved int, slot model.ProcessSlot) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	return f.Store.AssignSlot(ctx, reserved, slot)
}

func TestDispatch_UnparsableCommand(t *testing.T) {
	brokenConfig := func(t *testing.T) model.Config {
		cfg := testConfig(t)
		cfg.Stages = []model.StageConfig{
			{Number: 0, Name: "broken", Priority: 10, Command: `broken.py --prog-id {P} "unterminated`},
		}
		return cfg
	}

	t.Run("drops record", func(t *testing.T) {
		h := newHarness(t, brokenConfig(t))
		h.bootstrap(t)

		_, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
		require.Error(t, err)
		assert.Nil(t, h.task(t, key("00001", "", 0)))
		assert.Empty(t, h.launcher.keys())
		assert.Empty(t, h.slotPIDs(t))
		assert.Empty(t, h.logs.String())
	})

	t.Run("logs failed removal", func(t *testing.T) {
		h := newHarness(t, brokenConfig(t))
		h.bootstrap(t)
		h.sched.Attach(&faultyStore{Store: h.sched.Store(), removeErr: errors.New("disk I/O error")})

		_, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
		require.Error(t, err)
		assert.Contains(t, h.logs.String(), "task_remove_failed")
		assert.Contains(t, h.logs.String(), "disk I/O error")
	})
}

func TestDispatch_RegisterFailureStopsWorker(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.bootstrap(t)
	h.sched.Attach(&faultyStore{Store: h.sched.Store(), assignErr: errors.New("database is locked")})

	pid, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
	require.ErrorContains(t, err, "register worker pid=1001")
	assert.Zero(t, pid)

	assert.Equal(t, []int{1001}, h.prober.terminated)
	assert.Nil(t, h.task(t, key("00001", "", 0)), "the stage can be requested again")
	assert.Empty(t, h.slotPIDs(t), "the reservation is released")
}

func TestDispatch_SchedulersSharingStoreRespectCeiling(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := newHarness(t, cfg)
	a.bootstrap(t)
	b := newHarness(t, cfg)
	b.launcher.nextPID = 100
	require.NoError(t, b.sched.Open(ctx))
	b.launcher.before = func(model.TaskKey) {
		n, err := b.sched.Store().SlotCount(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, cfg.Scheduler.MaxSubprocesses, "spawn above the concurrency ceiling")
	}

	busy, err := a.sched.QueueNextTask(ctx, "00001", nil, 0)
	require.NoError(t, err)

	// While a is spawning into the last free slot, b asks for another task.
	var third int
	a.launcher.before = func(k model.TaskKey) {
		if k.ProposalID != "00002" {
			return
		}
		n, err := a.sched.Store().SlotCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "a holds its slot before spawning")

		b.waiter.onWait = func(int) { b.prober.set(busy, procs.StateGone) }
		third, err = b.sched.QueueNextTask(ctx, "00003", nil, 0)
		require.NoError(t, err)
	}

	second, err := a.sched.QueueNextTask(ctx, "00002", nil, 0)
	require.NoError(t, err)
	require.Positive(t, second)
	require.Positive(t, third)

	assert.Equal(t, 1, b.waiter.calls, "b waits until the busy worker exits")
	assert.ElementsMatch(t, []int{second, third}, a.slotPIDs(t))
	assert.Nil(t, a.task(t, key("00001", "", 0)))
}

func TestWaitForSubprocess_StaleReservationExpires(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	cfg.Scheduler.MaxAllowedSec = 10
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	// Left behind by a scheduler that died between reserving and spawning.
	now := h.clock.Now()
	ok, err := h.sched.Store().ReserveSlot(ctx, model.ProcessSlot{
		PID: -77, Stage: 0, ProposalID: "00009", StartedAt: now, Deadline: now.Add(10 * time.Second),
	}, 1)
	require.NoError(t, err)
	require.True(t, ok)
	h.prober.set(-77, procs.StateGone)

	h.waiter.onWait = func(call int) {
		if call == 2 {
			h.clock.Advance(11 * time.Second)
		}
	}
	pid, err := h.sched.QueueNextTask(ctx, "00001", nil, 0)
	require.NoError(t, err)
	assert.Positive(t, pid)

	assert.Equal(t, 2, h.waiter.calls, "a reservation is not released by a process lookup")
	assert.Empty(t, h.prober.terminated)
	assert.Equal(t, []int{pid}, h.slotPIDs(t))
}

func priorityConfig(t *testing.T, preemption string) model.Config {
	cfg := testConfig(t)
	cfg.Scheduler.Preemption = preemption
	cfg.Stages = []model.StageConfig{
		{Number: 0, Name: "slow", Priority: 5, Command: "slow.py --prog-id {P} --vi {V}"},
		{Number: 1, Name: "urgent", Priority: 1, Previous: intPtr(0), Command: "urgent.py --prog-id {P} --vi {V}"},
	}
	return cfg
}

func intPtr(n int) *int { return &n }

func enqueueDirect(t *testing.T, h *harness, k model.TaskKey, priority int) {
	t.Helper()
	ok, err := h.sched.Store().Enqueue(context.Background(), model.Task{
		TaskKey:  k,
		Priority: priority,
		Command:  "urgent.py --prog-id " + k.ProposalID,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunAndMaybeWait_PriorityDrain(t *testing.T) {
	h := newHarness(t, priorityConfig(t, model.PreemptBoth))
	h.bootstrap(t)

	urgent := key("00002", "02", 1)
	enqueueDirect(t, h, urgent, 1)

	_, err := h.sched.QueueNextTask(context.Background(), "00001", []string{"01"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []model.TaskKey{urgent, key("00001", "01", 0)}, h.launcher.keys())
}

func TestRunAndMaybeWait_PreemptionModes(t *testing.T) {
	tests := []struct {
		mode string
		want []model.TaskKey
	}{
		// Same (empty) visit: only "either" lets the other proposal go first.
		{model.PreemptBoth, []model.TaskKey{key("00001", "", 0), key("00002", "", 1)}},
		{model.PreemptEither, []model.TaskKey{key("00002", "", 1), key("00001", "", 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			h := newHarness(t, priorityConfig(t, tt.mode))
			h.bootstrap(t)
			enqueueDirect(t, h, key("00002", "", 1), 1)

			_, err := h.sched.QueueNextTask(context.Background(), "00001", nil, 0)
			require.NoError(t, err)

			if tt.mode == model.PreemptBoth {
				// The urgent task is still queued; dispatch it on its own.
				tk := h.task(t, key("00002", "", 1))
				require.NotNil(t, tk)
				_, err := h.sched.RunAndMaybeWait(context.Background(), *tk)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, h.launcher.keys())
		})
	}
}

func TestRunAndMaybeWait_DrainIsBounded(t *testing.T) {
	cfg := priorityConfig(t, model.PreemptBoth)
	cfg.Scheduler.MaxDrain = 1
	cfg.Scheduler.MaxSubprocesses = 5
	h := newHarness(t, cfg)
	h.bootstrap(t)

	enqueueDirect(t, h, key("00002", "02", 1), 1)
	enqueueDirect(t, h, key("00003", "03", 1), 1)

	_, err := h.sched.QueueNextTask(context.Background(), "00001", []string{"01"}, 0)
	require.NoError(t, err)

	assert.Equal(t, []model.TaskKey{key("00002", "02", 1), key("00001", "01", 0)}, h.launcher.keys())
	tk := h.task(t, key("00003", "03", 1))
	require.NotNil(t, tk)
	assert.Equal(t, model.StatusQueued, tk.Status)
}

func TestWaitForSubprocess_DeadlineEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	cfg.Scheduler.MaxAllowedSec = 10
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	first, err := h.sched.QueueNextTask(ctx, "00001", nil, 0)
	require.NoError(t, err)
	h.prober.terminateErr[first] = procs.ErrNoProcess

	h.waiter.onWait = func(int) { h.clock.Advance(11 * time.Second) }

	second, err := h.sched.QueueNextTask(ctx, "00002", nil, 0)
	require.NoError(t, err)
	assert.Positive(t, second)

	assert.Equal(t, 1, h.waiter.calls, "the overrun is caught on the first poll after the deadline")
	assert.Equal(t, []int{first}, h.prober.terminated)
	assert.Equal(t, []int{second}, h.slotPIDs(t))
	assert.Nil(t, h.task(t, key("00001", "", 0)))
}

func TestWaitForSubprocess_Zombie(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	first, err := h.sched.QueueNextTask(ctx, "00001", nil, 0)
	require.NoError(t, err)
	h.prober.set(first, procs.StateZombie)

	_, err = h.sched.QueueNextTask(ctx, "00002", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{first}, h.prober.terminated)
	assert.Zero(t, h.waiter.calls)
}

func TestWaitForSubprocess_SuccessorReleasesPredecessor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	retrieve, err := h.sched.QueueNextTask(ctx, "00001", []string{"01"}, 4)
	require.NoError(t, err)

	// The worker is alive and within its deadline, but it already asked for
	// its successor stage.
	label, err := h.sched.QueueNextTask(ctx, "00001", []string{"01"}, 5)
	require.NoError(t, err)
	assert.Positive(t, label)

	assert.Empty(t, h.prober.terminated)
	assert.Zero(t, h.waiter.calls)
	assert.Equal(t, []int{label}, h.slotPIDs(t))
	assert.Nil(t, h.task(t, key("00001", "01", 4)))
	assert.NotEqual(t, retrieve, label)
}

func TestWaitForSubprocess_SuccessorOfOtherVisitDoesNotRelease(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	retrieve, err := h.sched.QueueNextTask(ctx, "00001", []string{"01"}, 4)
	require.NoError(t, err)

	h.waiter.onWait = func(int) { h.prober.set(retrieve, procs.StateGone) }
	_, err = h.sched.QueueNextTask(ctx, "00001", []string{"02"}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, h.waiter.calls, "visit 02 does not release visit 01's slot")
}

func TestWaitForSubprocess_CancelledWhileWaiting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 1
	h := newHarness(t, cfg)
	h.bootstrap(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.sched.QueueNextTask(ctx, "00001", nil, 0)
	require.NoError(t, err)

	h.waiter.onWait = func(int) { cancel() }
	err = h.sched.WaitForSubprocess(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForSubprocess_NoStore(t *testing.T) {
	h := newHarness(t, testConfig(t))
	assert.ErrorIs(t, h.sched.WaitForSubprocess(context.Background(), true), ErrNoStore)
}

func TestAbandonProposal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.MaxSubprocesses = 5
	h := newHarness(t, cfg)
	h.bootstrap(t)
	ctx := context.Background()

	for _, v := range []string{"01", "02"} {
		_, err := h.sched.QueueNextTask(ctx, "00007", []string{v}, 4)
		require.NoError(t, err)
	}
	_, err := h.sched.QueueNextTask(ctx, "00008", nil, 0)
	require.NoError(t, err)

	n, err := h.sched.AbandonProposal(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks, err := h.sched.Store().Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "00008", tasks[0].ProposalID)
	assert.Len(t, h.slotPIDs(t), 3, "slots stay until reclaimed")
}

func TestPreempts(t *testing.T) {
	cur := key("00001", "01", 4)
	tests := []struct {
		pending     model.TaskKey
		both, either bool
	}{
		{key("00002", "02", 5), true, true},
		{key("00002", "01", 5), false, true},
		{key("00001", "02", 5), false, true},
		{key("00001", "01", 5), false, false},
	}
	for _, tt := range tests {
		both := &Scheduler{cfg: model.Config{Scheduler: model.SchedulerConfig{Preemption: model.PreemptBoth}}}
		either := &Scheduler{cfg: model.Config{Scheduler: model.SchedulerConfig{Preemption: model.PreemptEither}}}
		assert.Equal(t, tt.both, both.preempts(tt.pending, cur), "both %s", tt.pending)
		assert.Equal(t, tt.either, either.preempts(tt.pending, cur), "either %s", tt.pending)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, Deps{})
	assert.Error(t, err)

	cfg.Scheduler.MaxSubprocesses = 0
	_, err = New(cfg, Deps{Launcher: &fakeLauncher{}, Prober: newFakeProber()})
	assert.Error(t, err)
}

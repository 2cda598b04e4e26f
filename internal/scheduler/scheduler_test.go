package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskd/internal/cronspec"
	"taskd/internal/eventbus"
	"taskd/internal/runner"
	"taskd/internal/store"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC) // a Monday

func newService(t *testing.T, run runner.Runner, bus eventbus.Bus) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{Enabled: true, TickInterval: time.Hour}, st, run, nil, logx.Nop(), bus)
	return s, st
}

func okRunner(output string) runner.Runner {
	return runner.Func(func(context.Context, runner.Request) (runner.Result, error) {
		return runner.Result{Output: output}, nil
	})
}

// blockingRunner parks executions until release is closed.
func blockingRunner(started chan<- string, release <-chan struct{}) runner.Runner {
	return runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		if started != nil {
			started <- req.Prompt
		}
		select {
		case <-release:
			return runner.Result{Output: "ok"}, nil
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCycleDispatchesScheduledTaskAtWindow(t *testing.T) {
	t.Parallel()
	s, st := newService(t, okRunner("done"), nil)

	tk, err := task.NewScheduled("morning", "sys", "prompt",
		cronspec.Spec{Minute: "0", Hour: "9", Weekday: "1-5", Timezone: "UTC"}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	// Monday 08:59: nothing due.
	s.now = func() time.Time { return time.Date(2026, 1, 5, 8, 59, 0, 0, time.UTC) }
	sum := s.Tick(context.Background())
	if sum.Dispatched != 0 || sum.Evaluated != 1 {
		t.Fatalf("08:59 summary = %+v", sum)
	}

	// Monday 09:00: exactly one dispatch.
	fire := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fire }
	sum = s.Tick(context.Background())
	if sum.Dispatched != 1 {
		t.Fatalf("09:00 summary = %+v", sum)
	}

	waitFor(t, "task back to idle", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateIdle
	})
	cur, _ := st.Get(tk.ID)
	if cur.LastResult != "done" {
		t.Fatalf("LastResult = %q", cur.LastResult)
	}
	wantNext := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC) // Tuesday 09:00
	if !cur.Schedule.NextRunAt.Equal(wantNext) {
		t.Fatalf("NextRunAt = %v, want %v", cur.Schedule.NextRunAt, wantNext)
	}
}

func TestIdleCycleChangesNothing(t *testing.T) {
	t.Parallel()
	s, st := newService(t, okRunner(""), nil)

	tk, _ := task.NewScheduled("later", "", "p", cronspec.Spec{Minute: "0", Hour: "23"}, t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	sum := s.Tick(context.Background())
	if sum.Dispatched != 0 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	after, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("an idle cycle must not touch durable state")
	}
}

func TestCatchUpFiresOnceAfterDowntime(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	run := runner.Func(func(context.Context, runner.Request) (runner.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return runner.Result{Output: "ok"}, nil
	})
	s, st := newService(t, run, nil)

	// Hourly task whose cached next run is three windows in the past.
	tk, _ := task.NewScheduled("hourly", "", "p", cronspec.Spec{Minute: "0"}, t0)
	tk.Schedule.NextRunAt = t0.Add(-3 * time.Hour)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	sum := s.Tick(context.Background())
	if sum.Dispatched != 1 {
		t.Fatalf("summary = %+v, want exactly one catch-up dispatch", sum)
	}

	waitFor(t, "catch-up completion", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateIdle && cur.LastRun != nil
	})

	cur, _ := st.Get(tk.ID)
	if !cur.Schedule.NextRunAt.After(t0) {
		t.Fatalf("NextRunAt = %v, want strictly after %v", cur.Schedule.NextRunAt, t0)
	}

	// Another cycle at the same instant: nothing left to fire.
	sum = s.Tick(context.Background())
	if sum.Dispatched != 0 {
		t.Fatalf("second summary = %+v", sum)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("runner calls = %d, want 1 (no backlog)", calls)
	}
}

func TestPlannedItemsRunStrictlyInOrder(t *testing.T) {
	t.Parallel()
	started := make(chan string, 2)
	release := make(chan struct{})
	s, st := newService(t, blockingRunner(started, release), nil)

	t1 := t0.Add(-2 * time.Hour)
	t2 := t0.Add(-1 * time.Hour)
	tk, _ := task.NewPlanned("plan", "", "p", []time.Time{t1, t2}, t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if sum := s.Tick(context.Background()); sum.Dispatched != 1 {
		t.Fatalf("first tick = %+v", sum)
	}
	<-started

	// While t1 is in progress nothing else may dispatch.
	if sum := s.Tick(context.Background()); sum.Dispatched != 0 {
		t.Fatalf("tick during run = %+v", sum)
	}
	cur, _ := st.Get(tk.ID)
	if cur.Plan.InProgress == nil || !cur.Plan.InProgress.Equal(t1) {
		t.Fatalf("InProgress = %v, want %v", cur.Plan.InProgress, t1)
	}

	close(release)
	waitFor(t, "t1 done", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateIdle && len(cur.Plan.Done) == 1
	})
	cur, _ = st.Get(tk.ID)
	if !cur.Plan.Done[0].Equal(t1) {
		t.Fatalf("Done = %v", cur.Plan.Done)
	}

	// Next cycle picks up t2.
	if sum := s.Tick(context.Background()); sum.Dispatched != 1 {
		t.Fatalf("second dispatch = %+v", sum)
	}
	<-started
	waitFor(t, "t2 done", func() bool {
		cur, _ := st.Get(tk.ID)
		return len(cur.Plan.Done) == 2
	})
}

func TestRunAdHocTokenAuth(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	release := make(chan struct{})
	s, st := newService(t, blockingRunner(started, release), nil)
	defer close(release)

	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	// Ad-hoc tasks never fire from the loop.
	s.now = func() time.Time { return t0 }
	if sum := s.Tick(context.Background()); sum.Dispatched != 0 {
		t.Fatalf("tick = %+v", sum)
	}

	if _, err := s.RunAdHoc(context.Background(), "wrong-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong token err = %v, want ErrUnauthorized", err)
	}

	got, err := s.RunAdHoc(context.Background(), tk.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateRunning {
		t.Fatalf("state = %s, want running", got.State)
	}
	<-started

	// A second trigger while running is a conflict, not a double run.
	if _, err := s.RunAdHoc(context.Background(), tk.Token); !errors.Is(err, ErrConflict) {
		t.Fatalf("second trigger err = %v, want ErrConflict", err)
	}
}

func TestRunNowConflictAndNotFound(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	release := make(chan struct{})
	s, st := newService(t, blockingRunner(started, release), nil)
	defer close(release)

	if _, err := s.RunNow(context.Background(), "missing", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing id err = %v", err)
	}

	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if _, err := s.RunNow(context.Background(), tk.ID, "ctx-override"); err != nil {
		t.Fatal(err)
	}
	<-started
	cur, _ := st.Get(tk.ID)
	if cur.ContextID != "ctx-override" {
		t.Fatalf("ContextID = %q", cur.ContextID)
	}

	if _, err := s.RunNow(context.Background(), tk.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("running task err = %v, want ErrConflict", err)
	}
}

func TestDisableWhileRunningSettlesDisabled(t *testing.T) {
	t.Parallel()
	started := make(chan string, 1)
	release := make(chan struct{})
	s, st := newService(t, blockingRunner(started, release), nil)

	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if _, err := s.RunNow(context.Background(), tk.ID, ""); err != nil {
		t.Fatal(err)
	}
	<-started

	// Disable request lands while the execution is in flight.
	if _, err := st.UpdateChecked(tk.ID, nil, func(cur *task.Task) { cur.Disable(t0) }); err != nil {
		t.Fatal(err)
	}
	cur, _ := st.Get(tk.ID)
	if cur.State != task.StateRunning {
		t.Fatalf("state = %s, disable must not interrupt the run", cur.State)
	}

	close(release)
	waitFor(t, "settle into disabled", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateDisabled
	})
}

func TestExecutionFailureIsIsolated(t *testing.T) {
	t.Parallel()
	run := runner.Func(func(_ context.Context, req runner.Request) (runner.Result, error) {
		if req.Prompt == "bad" {
			return runner.Result{}, errors.New("exploded")
		}
		return runner.Result{Output: "fine"}, nil
	})
	s, st := newService(t, run, nil)

	bad, _ := task.NewScheduled("bad", "", "bad", cronspec.Spec{}, t0)
	good, _ := task.NewScheduled("good", "", "good", cronspec.Spec{}, t0)
	if _, err := st.Add(bad); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Add(good); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0.Add(time.Hour) }
	sum := s.Tick(context.Background())
	if sum.Dispatched != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	waitFor(t, "both settled", func() bool {
		b, _ := st.Get(bad.ID)
		g, _ := st.Get(good.ID)
		return b.State == task.StateError && g.State == task.StateIdle
	})
	b, _ := st.Get(bad.ID)
	if b.LastError != "exploded" {
		t.Fatalf("LastError = %q", b.LastError)
	}
}

func TestPanickingRunnerBecomesTaskError(t *testing.T) {
	t.Parallel()
	run := runner.Func(func(context.Context, runner.Request) (runner.Result, error) {
		panic("runner bug")
	})
	s, st := newService(t, run, nil)

	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if _, err := s.RunNow(context.Background(), tk.ID, ""); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "panic captured", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateError
	})
}

func TestDispatchTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s, st := newService(t, blockingRunner(nil, nil), nil)
	s.Apply(Config{Enabled: true, TickInterval: time.Hour, DispatchTimeout: 20 * time.Millisecond})

	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if _, err := s.RunNow(context.Background(), tk.ID, ""); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "timeout surfaces as error", func() bool {
		cur, _ := st.Get(tk.ID)
		return cur.State == task.StateError
	})
}

func TestStartRecoversStrandedRunningTasks(t *testing.T) {
	t.Parallel()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-run: Running persisted, dispatcher gone.
	if _, err := st.UpdateChecked(tk.ID, nil, func(cur *task.Task) { _ = cur.BeginRun(t0) }); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Enabled: false}, st, okRunner(""), nil, logx.Nop(), nil)
	s.now = func() time.Time { return t0.Add(time.Minute) }
	s.Start(context.Background())
	defer s.Stop(context.Background())

	cur, _ := st.Get(tk.ID)
	if cur.State != task.StateError {
		t.Fatalf("state = %s, want error after recovery", cur.State)
	}
	if cur.LastError == "" {
		t.Fatal("recovery must record a last error")
	}
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s, st := newService(t, okRunner("ok"), bus)
	tk, _ := task.NewAdHoc("hook", "", "p", t0)
	if _, err := st.Add(tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0 }
	if _, err := s.RunNow(context.Background(), tk.ID, ""); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for !seen[eventbus.TaskDispatched] || !seen[eventbus.TaskCompleted] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
			if ev.TaskID != tk.ID {
				t.Fatalf("event for %s, want %s", ev.TaskID, tk.ID)
			}
		case <-deadline:
			t.Fatalf("events seen = %v", seen)
		}
	}
}

func TestMaxInFlightSkipsExcessClaims(t *testing.T) {
	t.Parallel()
	started := make(chan string, 2)
	release := make(chan struct{})
	s, st := newService(t, blockingRunner(started, release), nil)
	s.Apply(Config{Enabled: true, TickInterval: time.Hour, MaxInFlight: 1})
	defer close(release)

	a, _ := task.NewScheduled("a", "", "a", cronspec.Spec{}, t0)
	b, _ := task.NewScheduled("b", "", "b", cronspec.Spec{}, t0)
	if _, err := st.Add(a); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Add(b); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return t0.Add(time.Hour) }
	sum := s.Tick(context.Background())
	if sum.Dispatched != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 dispatched / 1 skipped", sum)
	}
	<-started
	if got := s.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d", got)
	}
}

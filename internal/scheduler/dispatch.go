package scheduler

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/history"
	"taskd/internal/runner"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// resultCap bounds how much runner output is stored on the task itself;
// the full output belongs to the runner's own context.
const resultCap = 4096

// dispatch hands a freshly claimed (Running) task to the runner in its
// own goroutine and applies the outcome when it completes. fromLoop
// converts a loop slot reservation into the tracked flight.
func (s *Service) dispatch(ctx context.Context, t *task.Task, fromLoop bool) {
	// Detach from the loop's context: a dispatched execution outlives the
	// cycle and is cancelled only by Stop() or its own timeout.
	base := context.WithoutCancel(ctx)
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d := s.config().DispatchTimeout; d > 0 {
		runCtx, cancel = context.WithTimeout(base, d)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}

	f := &flight{id: t.ID, started: s.now().UTC(), cancel: cancel}
	s.fmu.Lock()
	if fromLoop && s.reserved > 0 {
		s.reserved--
	}
	s.inflight[t.ID] = f
	s.fmu.Unlock()

	s.publish(eventbus.TaskDispatched, t.ID, t.Name)
	s.log.Info("dispatching task",
		logx.String("id", t.ID),
		logx.String("name", t.Name),
		logx.String("kind", string(t.Kind)))

	s.flightWG.Add(1)
	go func() {
		defer s.flightWG.Done()
		defer cancel()
		defer func() {
			s.fmu.Lock()
			delete(s.inflight, t.ID)
			s.fmu.Unlock()
		}()

		res, err := s.execute(runCtx, t)
		s.complete(t, f.started, res, err)
	}()
}

// execute calls the runner with panic isolation: a panicking runner is
// an execution failure, never a dead scheduler.
func (s *Service) execute(ctx context.Context, t *task.Task) (res runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return s.run.Run(ctx, runner.Request{
		SystemPrompt: t.SystemPrompt,
		Prompt:       t.Prompt,
		ContextID:    t.ContextID,
	})
}

// complete applies the execution outcome through the store's checked
// transition and records it in history.
func (s *Service) complete(t *task.Task, started time.Time, res runner.Result, runErr error) {
	now := s.now().UTC()

	verify := func(cur *task.Task) bool { return cur.State == task.StateRunning }
	var mutate func(*task.Task)
	if runErr != nil {
		mutate = func(cur *task.Task) { cur.FailRun(now, runErr.Error()) }
	} else {
		mutate = func(cur *task.Task) { cur.CompleteRun(now, truncate(res.Output, resultCap)) }
	}

	updated, err := s.store.UpdateChecked(t.ID, verify, mutate)
	if err != nil {
		s.log.Error("result persist failed", logx.String("id", t.ID), logx.Err(err))
	}
	if updated == nil && err == nil {
		// Task deleted mid-flight, or state changed outside the checked
		// paths. The outcome still goes to history below.
		s.log.Warn("result dropped, task no longer running", logx.String("id", t.ID))
	}

	hrun := history.Run{
		TaskID:  t.ID,
		Name:    t.Name,
		Kind:    t.Kind,
		Started: started,
		TookMS:  now.Sub(started).Milliseconds(),
		OK:      runErr == nil,
		Result:  truncate(res.Output, resultCap),
	}
	if runErr != nil {
		hrun.Error = runErr.Error()
	}
	if herr := s.hist.AppendRun(context.Background(), hrun); herr != nil {
		s.log.Debug("history append failed", logx.Err(herr))
	}

	if runErr != nil {
		s.publish(eventbus.TaskFailed, t.ID, runErr.Error())
		s.log.Warn("task failed",
			logx.String("id", t.ID),
			logx.String("name", t.Name),
			logx.Err(runErr))
		return
	}
	s.publish(eventbus.TaskCompleted, t.ID, t.Name)
	s.log.Info("task completed",
		logx.String("id", t.ID),
		logx.String("name", t.Name),
		logx.Duration("took", now.Sub(started)))
}

func (s *Service) publish(typ, id string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, TaskID: id, Data: data})
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n] + "... (truncated)"
}

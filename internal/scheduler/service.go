package scheduler

import (
	"context"
	"sync"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/history"
	"taskd/internal/runner"
	"taskd/internal/store"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store *store.Store
	run   runner.Runner
	hist  history.Store
	log   logx.Logger
	bus   eventbus.Bus

	// now is the clock seam; tests pin it.
	now func() time.Time

	stopCh chan struct{}
	loopWG sync.WaitGroup

	// in-flight executions, tracked so Stop can cancel and drain.
	fmu      sync.Mutex
	inflight map[string]*flight
	reserved int // loop claims not yet registered in inflight
	flightWG sync.WaitGroup
}

type flight struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
}

func New(cfg Config, st *store.Store, run runner.Runner, hist history.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if hist == nil {
		hist, _ = history.Open(history.Config{}, log)
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		run:      run,
		hist:     hist,
		log:      log,
		bus:      bus,
		now:      time.Now,
		inflight: map[string]*flight{},
	}
}

// Apply swaps config at runtime. A changed tick interval takes effect on
// the next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start recovers tasks stranded Running by a previous crash, then starts
// the tick loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	cfg := s.cfg
	s.mu.Unlock()

	s.recoverStranded()

	if !cfg.Enabled {
		s.log.Info("scheduler disabled, loop not started")
		return
	}

	s.loopWG.Add(1)
	go s.loop(ctx, stopCh)
	s.log.Info("scheduler started", logx.Duration("tick", cfg.tick()))
}

// Stop halts the loop, cancels all in-flight executions, and waits for
// them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.loopWG.Wait()

	s.fmu.Lock()
	for _, f := range s.inflight {
		f.cancel()
	}
	s.fmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.flightWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight tasks")
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.loopWG.Done()
	timer := time.NewTimer(s.config().tick())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			sum := s.runCycle(ctx)
			if sum.Dispatched > 0 || sum.Skipped > 0 {
				s.log.Debug("cycle done",
					logx.Int("evaluated", sum.Evaluated),
					logx.Int("dispatched", sum.Dispatched),
					logx.Int("skipped", sum.Skipped))
			}
			timer.Reset(s.config().tick())
		}
	}
}

// recoverStranded settles tasks persisted as Running by a crashed
// instance: their dispatcher is gone, so they can never complete.
func (s *Service) recoverStranded() {
	s.store.Reload()
	for _, t := range s.store.List(store.Filter{State: task.StateRunning}) {
		id := t.ID
		updated, err := s.store.UpdateChecked(id,
			func(cur *task.Task) bool { return cur.State == task.StateRunning },
			func(cur *task.Task) { cur.FailRun(s.now(), "execution interrupted by restart") },
		)
		if err != nil {
			s.log.Warn("stranded task recovery failed", logx.String("id", id), logx.Err(err))
			continue
		}
		if updated != nil {
			s.log.Warn("recovered stranded task", logx.String("id", id), logx.String("name", updated.Name))
		}
	}
}

// runCycle evaluates every task once and dispatches the due ones. It
// never waits on execution; claims happen through the store's checked
// transition so a concurrent manual run cannot double-dispatch.
func (s *Service) runCycle(ctx context.Context) CycleSummary {
	now := s.now().UTC()
	sum := CycleSummary{At: now}

	s.store.Reload()
	for _, t := range s.store.List(store.Filter{}) {
		sum.Evaluated++
		if !t.Due(now) {
			continue
		}
		if !s.acquireSlot() {
			sum.Skipped++
			continue
		}

		claimed, err := s.store.UpdateChecked(t.ID,
			func(cur *task.Task) bool { return cur.Due(now) },
			func(cur *task.Task) { _ = cur.BeginRun(now) },
		)
		if err != nil {
			s.releaseSlot()
			s.log.Error("claim persist failed", logx.String("id", t.ID), logx.Err(err))
			sum.Skipped++
			continue
		}
		if claimed == nil {
			// Lost the race (or the task changed underneath); do not
			// retry within this cycle.
			s.releaseSlot()
			sum.Skipped++
			continue
		}

		s.dispatch(ctx, claimed, true)
		sum.Dispatched++
	}
	return sum
}

// acquireSlot reserves dispatch capacity ahead of the claim; the
// reservation converts into an inflight entry when dispatch registers.
func (s *Service) acquireSlot() bool {
	cfg := s.config()
	if cfg.MaxInFlight <= 0 {
		return true
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if len(s.inflight)+s.reserved >= cfg.MaxInFlight {
		return false
	}
	s.reserved++
	return true
}

func (s *Service) releaseSlot() {
	if s.config().MaxInFlight <= 0 {
		return
	}
	s.fmu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	s.fmu.Unlock()
}

// InFlight reports the number of tracked executions.
func (s *Service) InFlight() int {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return len(s.inflight)
}

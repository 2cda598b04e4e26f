package scheduler

import (
	"context"
	"fmt"
	"strings"

	"taskd/internal/store"
	"taskd/internal/task"
)

// Tick runs exactly one loop cycle synchronously, for operational and
// test probes. Idempotent when nothing is due.
func (s *Service) Tick(ctx context.Context) CycleSummary {
	return s.runCycle(ctx)
}

// RunNow claims and dispatches the task immediately, outside the tick
// cadence. A task that is not Idle yields ErrConflict; the in-flight
// execution (if any) is untouched.
func (s *Service) RunNow(ctx context.Context, id string, contextOverride string) (*task.Task, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	claimed, err := s.store.UpdateChecked(id,
		func(cur *task.Task) bool {
			if cur.State != task.StateIdle {
				return false
			}
			if cur.Kind == task.KindPlanned {
				// Manual runs start the earliest plan item even when it
				// is still in the future.
				_, ok := cur.Plan.NextDue()
				return ok
			}
			return true
		},
		func(cur *task.Task) {
			if contextOverride != "" {
				cur.ContextID = contextOverride
			}
			_ = cur.BeginRun(now)
		},
	)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		cur, gerr := s.store.Get(id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Kind == task.KindPlanned && cur.State == task.StateIdle {
			return nil, ErrNotReady
		}
		return nil, fmt.Errorf("%w (state %s)", ErrConflict, cur.State)
	}

	s.dispatch(ctx, claimed, false)
	return claimed, nil
}

// RunAdHoc authorizes an on-demand execution by trigger token. An
// unknown token yields ErrUnauthorized with no further detail; a known
// token follows the same checked claim path as RunNow.
func (s *Service) RunAdHoc(ctx context.Context, token string) (*task.Task, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}

	s.store.Reload()
	var match *task.Task
	for _, t := range s.store.List(store.Filter{Kind: task.KindAdHoc}) {
		if task.TokenEqual(t.Token, token) {
			match = t
			break
		}
	}
	if match == nil {
		return nil, ErrUnauthorized
	}

	now := s.now().UTC()
	claimed, err := s.store.UpdateChecked(match.ID,
		func(cur *task.Task) bool { return cur.State == task.StateIdle },
		func(cur *task.Task) { _ = cur.BeginRun(now) },
	)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrConflict, match.State)
	}

	s.dispatch(ctx, claimed, false)
	return claimed, nil
}

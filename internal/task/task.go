// Package task defines the automation task entities: a common envelope
// with a closed set of kinds (scheduled, planned, ad-hoc) and the state
// machine shared by the scheduler loop and external callers.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskd/internal/cronspec"
)

// ErrInvalid marks validation failures. Nothing wrapped in it is ever
// accepted into the store.
var ErrInvalid = errors.New("invalid task")

type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindPlanned   Kind = "planned"
	KindAdHoc     Kind = "ad_hoc"
)

func (k Kind) Valid() bool {
	switch k {
	case KindScheduled, KindPlanned, KindAdHoc:
		return true
	}
	return false
}

type State string

const (
	// StateIdle: eligible for dispatch.
	StateIdle State = "idle"
	// StateRunning: dispatch in flight; never double-dispatched.
	StateRunning State = "running"
	// StateDisabled: excluded from automatic dispatch.
	StateDisabled State = "disabled"
	// StateError: last execution failed; excluded until manually re-enabled.
	StateError State = "error"
)

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StateDisabled, StateError:
		return true
	}
	return false
}

// Schedule is the scheduled-kind extension: the cron fields plus the
// cached next firing instant (UTC, always in the future at computation
// time).
type Schedule struct {
	cronspec.Spec
	NextRunAt time.Time
}

// Task is the common envelope. Exactly one of Schedule, Plan or Token is
// populated, matching Kind.
type Task struct {
	ID           string
	Name         string
	SystemPrompt string
	Prompt       string
	Kind         Kind
	State        State
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastRun      *time.Time
	LastError    string
	ContextID    string
	LastResult   string

	// DisableRequested is set when a disable arrives while the task is
	// Running: the in-flight execution finishes, then the task settles
	// into Disabled instead of Idle.
	DisableRequested bool

	Schedule *Schedule
	Plan     *Plan
	Token    string
}

func newEnvelope(name, systemPrompt, prompt string, kind Kind, now time.Time) (*Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	now = now.UTC()
	return &Task{
		ID:           uuid.NewString(),
		Name:         name,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Kind:         kind,
		State:        StateIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewScheduled validates the cron spec, computes the first firing instant
// and returns an Idle scheduled task.
func NewScheduled(name, systemPrompt, prompt string, spec cronspec.Spec, now time.Time) (*Task, error) {
	sched, err := cronspec.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t, err := newEnvelope(name, systemPrompt, prompt, KindScheduled, now)
	if err != nil {
		return nil, err
	}
	t.Schedule = &Schedule{Spec: spec, NextRunAt: sched.Next(now.UTC())}
	return t, nil
}

// NewPlanned returns an Idle planned task. The todo list is sorted and
// de-duplicated; an empty list is allowed (items can be added later).
func NewPlanned(name, systemPrompt, prompt string, todo []time.Time, now time.Time) (*Task, error) {
	t, err := newEnvelope(name, systemPrompt, prompt, KindPlanned, now)
	if err != nil {
		return nil, err
	}
	t.Plan = NewPlan(todo)
	return t, nil
}

// NewAdHoc returns an Idle ad-hoc task with a freshly generated trigger
// token. The token is immutable for the lifetime of the task.
func NewAdHoc(name, systemPrompt, prompt string, now time.Time) (*Task, error) {
	t, err := newEnvelope(name, systemPrompt, prompt, KindAdHoc, now)
	if err != nil {
		return nil, err
	}
	tok, err := NewToken()
	if err != nil {
		return nil, err
	}
	t.Token = tok
	return t, nil
}

// Touch bumps the last-updated timestamp.
func (t *Task) Touch(now time.Time) { t.UpdatedAt = now.UTC() }

// Due reports whether the task should fire at now (UTC). Only Idle tasks
// are candidates; ad-hoc tasks never fire from the loop.
func (t *Task) Due(now time.Time) bool {
	if t.State != StateIdle {
		return false
	}
	switch t.Kind {
	case KindScheduled:
		return t.Schedule != nil && !t.Schedule.NextRunAt.IsZero() && !t.Schedule.NextRunAt.After(now)
	case KindPlanned:
		if t.Plan == nil {
			return false
		}
		due, ok := t.Plan.NextDue()
		return ok && !due.After(now)
	case KindAdHoc:
		return false
	}
	return false
}

// BeginRun transitions Idle -> Running. For planned tasks the due item is
// moved to in-progress in the same step, keeping the top-level state and
// the item-level progression in sync.
func (t *Task) BeginRun(now time.Time) error {
	if t.State != StateIdle {
		return fmt.Errorf("task %s is %s, not idle", t.ID, t.State)
	}
	if t.Kind == KindPlanned {
		due, ok := t.Plan.NextDue()
		if !ok {
			return fmt.Errorf("task %s has no due plan item", t.ID)
		}
		if err := t.Plan.Start(due); err != nil {
			return err
		}
	}
	t.State = StateRunning
	t.Touch(now)
	return nil
}

// CompleteRun applies a successful execution: result summary, last-run
// stamp, schedule/plan advancement, and the settled state (Idle, or
// Disabled when a disable arrived mid-flight).
func (t *Task) CompleteRun(now time.Time, result string) {
	now = now.UTC()
	t.LastRun = &now
	t.LastResult = result
	t.LastError = ""

	switch t.Kind {
	case KindScheduled:
		if t.Schedule != nil {
			// Recompute from now, not from the fired window: downtime
			// yields one catch-up firing, never a backlog.
			if sched, err := cronspec.Parse(t.Schedule.Spec); err == nil {
				t.Schedule.NextRunAt = sched.Next(now)
			}
		}
	case KindPlanned:
		if t.Plan != nil {
			_ = t.Plan.Finish()
		}
	}

	t.settle(StateIdle)
	t.Touch(now)
}

// FailRun applies a failed execution: the error is captured on the task
// and the state settles into Error (or Disabled when requested).
func (t *Task) FailRun(now time.Time, errText string) {
	now = now.UTC()
	t.LastRun = &now
	t.LastError = errText

	// Plan items only ever move forward: a failed item still lands in
	// done, with the failure recorded on the task itself.
	if t.Kind == KindPlanned && t.Plan != nil {
		_ = t.Plan.Finish()
	}

	t.settle(StateError)
	t.Touch(now)
}

func (t *Task) settle(next State) {
	if t.DisableRequested {
		t.State = StateDisabled
		t.DisableRequested = false
		return
	}
	t.State = next
}

// Disable excludes the task from automatic dispatch. Disabling a Running
// task does not interrupt the in-flight execution; the task stays Running
// and settles into Disabled on completion.
func (t *Task) Disable(now time.Time) {
	if t.State == StateRunning {
		t.DisableRequested = true
	} else {
		t.State = StateDisabled
	}
	t.Touch(now)
}

// Enable returns a Disabled or Error task to Idle and clears any pending
// disable request.
func (t *Task) Enable(now time.Time) {
	t.DisableRequested = false
	if t.State == StateDisabled || t.State == StateError {
		t.State = StateIdle
	}
	t.Touch(now)
}

// Clone returns a deep copy. The store hands out clones so no caller ever
// holds a reference into stored task state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.LastRun != nil {
		lr := *t.LastRun
		cp.LastRun = &lr
	}
	if t.Schedule != nil {
		sc := *t.Schedule
		cp.Schedule = &sc
	}
	if t.Plan != nil {
		cp.Plan = t.Plan.Clone()
	}
	return &cp
}

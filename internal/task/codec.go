package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the durable on-disk shape: a flat envelope with a kind
// discriminator and the kind-specific fields alongside. Timestamps are
// RFC 3339 UTC, which encoding/json gives us for free on time.Time.
type record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	SystemPrompt string     `json:"system_instructions,omitempty"`
	Prompt       string     `json:"body"`
	Kind         Kind       `json:"kind"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ContextID    string     `json:"context_reference,omitempty"`
	LastResult   string     `json:"result_summary,omitempty"`

	DisableRequested bool `json:"disable_requested,omitempty"`

	// scheduled
	Minute    string     `json:"minute,omitempty"`
	Hour      string     `json:"hour,omitempty"`
	Day       string     `json:"day,omitempty"`
	Month     string     `json:"month,omitempty"`
	Weekday   string     `json:"weekday,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// planned
	Todo       []time.Time `json:"todo,omitempty"`
	InProgress *time.Time  `json:"in_progress,omitempty"`
	Done       []time.Time `json:"done,omitempty"`

	// ad-hoc
	Token string `json:"token,omitempty"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	r := record{
		ID:               t.ID,
		Name:             t.Name,
		SystemPrompt:     t.SystemPrompt,
		Prompt:           t.Prompt,
		Kind:             t.Kind,
		State:            t.State,
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
		LastError:        t.LastError,
		ContextID:        t.ContextID,
		LastResult:       t.LastResult,
		DisableRequested: t.DisableRequested,
	}
	if t.LastRun != nil {
		lr := t.LastRun.UTC()
		r.LastRun = &lr
	}

	switch t.Kind {
	case KindScheduled:
		if t.Schedule != nil {
			r.Minute = t.Schedule.Minute
			r.Hour = t.Schedule.Hour
			r.Day = t.Schedule.Day
			r.Month = t.Schedule.Month
			r.Weekday = t.Schedule.Weekday
			r.Timezone = t.Schedule.Timezone
			if !t.Schedule.NextRunAt.IsZero() {
				n := t.Schedule.NextRunAt.UTC()
				r.NextRunAt = &n
			}
		}
	case KindPlanned:
		if t.Plan != nil {
			r.Todo = utcSlice(t.Plan.Todo)
			r.Done = utcSlice(t.Plan.Done)
			if t.Plan.InProgress != nil {
				ip := t.Plan.InProgress.UTC()
				r.InProgress = &ip
			}
		}
	case KindAdHoc:
		r.Token = t.Token
	}

	return json.Marshal(r)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("task record: missing id")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("task record %s: unknown kind %q", r.ID, r.Kind)
	}
	if !r.State.Valid() {
		return fmt.Errorf("task record %s: unknown state %q", r.ID, r.State)
	}

	*t = Task{
		ID:               r.ID,
		Name:             r.Name,
		SystemPrompt:     r.SystemPrompt,
		Prompt:           r.Prompt,
		Kind:             r.Kind,
		State:            r.State,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastRun:          r.LastRun,
		LastError:        r.LastError,
		ContextID:        r.ContextID,
		LastResult:       r.LastResult,
		DisableRequested: r.DisableRequested,
	}

	switch r.Kind {
	case KindScheduled:
		sc := &Schedule{}
		sc.Minute = r.Minute
		sc.Hour = r.Hour
		sc.Day = r.Day
		sc.Month = r.Month
		sc.Weekday = r.Weekday
		sc.Timezone = r.Timezone
		if r.NextRunAt != nil {
			sc.NextRunAt = r.NextRunAt.UTC()
		}
		t.Schedule = sc
	case KindPlanned:
		p := &Plan{
			Todo: r.Todo,
			Done: r.Done,
		}
		p.InProgress = r.InProgress
		t.Plan = p
	case KindAdHoc:
		if r.Token == "" {
			return fmt.Errorf("task record %s: ad-hoc task without token", r.ID)
		}
		t.Token = r.Token
	}

	return nil
}

func utcSlice(ts []time.Time) []time.Time {
	if len(ts) == 0 {
		return nil
	}
	out := make([]time.Time, len(ts))
	for i, v := range ts {
		out[i] = v.UTC()
	}
	return out
}

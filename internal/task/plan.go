package task

import (
	"errors"
	"slices"
	"time"
)

var errNoItemInProgress = errors.New("plan: no item in progress")

// Plan is the planned-kind extension: an ascending, duplicate-free todo
// list, at most one in-progress instant, and an append-only done list.
// Items only ever move todo -> in_progress -> done.
type Plan struct {
	Todo       []time.Time
	InProgress *time.Time
	Done       []time.Time
}

// NewPlan normalizes the given instants (UTC, sorted, de-duplicated).
func NewPlan(todo []time.Time) *Plan {
	p := &Plan{}
	for _, t := range todo {
		p.Add(t)
	}
	return p
}

// Add inserts an instant into todo, keeping the list sorted and free of
// duplicates. Instants already in progress or done are a no-op: items
// only move forward, so re-adding one can never pull it back into todo.
func (p *Plan) Add(t time.Time) {
	t = t.UTC().Truncate(time.Second)
	if p.InProgress != nil && p.InProgress.Equal(t) {
		return
	}
	if slices.ContainsFunc(p.Done, t.Equal) {
		return
	}
	if slices.ContainsFunc(p.Todo, t.Equal) {
		return
	}
	p.Todo = append(p.Todo, t)
	slices.SortFunc(p.Todo, time.Time.Compare)
}

// Remove drops an instant from todo. Done entries are never removed.
func (p *Plan) Remove(t time.Time) bool {
	t = t.UTC().Truncate(time.Second)
	for i, e := range p.Todo {
		if e.Equal(t) {
			p.Todo = slices.Delete(p.Todo, i, i+1)
			return true
		}
	}
	return false
}

// NextDue returns the earliest todo instant. It reports false while an
// item is in progress: a plan advances one item at a time.
func (p *Plan) NextDue() (time.Time, bool) {
	if p.InProgress != nil || len(p.Todo) == 0 {
		return time.Time{}, false
	}
	return p.Todo[0], true
}

// Start moves the given todo instant to in-progress.
func (p *Plan) Start(t time.Time) error {
	if p.InProgress != nil {
		return errors.New("plan: an item is already in progress")
	}
	if !p.Remove(t) {
		return errors.New("plan: instant not in todo")
	}
	t = t.UTC().Truncate(time.Second)
	p.InProgress = &t
	return nil
}

// Finish moves the in-progress instant to done.
func (p *Plan) Finish() error {
	if p.InProgress == nil {
		return errNoItemInProgress
	}
	p.Done = append(p.Done, *p.InProgress)
	p.InProgress = nil
	return nil
}

func (p *Plan) Clone() *Plan {
	cp := &Plan{
		Todo: slices.Clone(p.Todo),
		Done: slices.Clone(p.Done),
	}
	if p.InProgress != nil {
		ip := *p.InProgress
		cp.InProgress = &ip
	}
	return cp
}

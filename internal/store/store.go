// Package store persists the full task list in a single JSON file and
// serializes every mutation behind one lock. The write path is
// reload -> verify -> mutate -> persist, which is what gives the
// scheduler its at-most-one-dispatch guarantee.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// ErrPersist wraps write failures. The previous file is always left
// intact (write-to-temp + atomic rename), so callers may simply retry.
var ErrPersist = errors.New("store: persist failed")

// ErrNotFound is returned by lookups for unknown ids or names.
var ErrNotFound = errors.New("store: task not found")

// Store owns the durable task list. All mutation goes through the lock;
// List/Get serve from the in-memory snapshot loaded by the last
// reload/persist.
type Store struct {
	mu    sync.Mutex
	path  string
	log   logx.Logger
	tasks map[string]*task.Task

	// cache is a read-only snapshot for lock-free-ish dashboard reads.
	cmu   sync.RWMutex
	cache []*task.Task
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State task.State
	Kind  task.Kind
}

// Open loads the store file. A missing or corrupt file yields an empty
// list, never an error: durable state must not be able to wedge startup.
func Open(path string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Store{path: path, log: log, tasks: map[string]*task.Task{}}
	s.mu.Lock()
	s.reloadLocked()
	s.mu.Unlock()
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// reloadLocked re-reads durable state, discarding in-memory changes.
func (s *Store) reloadLocked() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("store file unreadable, starting empty", logx.String("path", s.path), logx.Err(err))
		}
		s.tasks = map[string]*task.Task{}
		s.refreshCacheLocked()
		return
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		s.log.Warn("store file corrupt, starting empty", logx.String("path", s.path), logx.Err(err))
		s.tasks = map[string]*task.Task{}
		s.refreshCacheLocked()
		return
	}

	tasks := make(map[string]*task.Task, len(records))
	for _, raw := range records {
		t := &task.Task{}
		if err := json.Unmarshal(raw, t); err != nil {
			// One bad record loses that record, not the whole store.
			s.log.Warn("skipping unreadable task record", logx.Err(err))
			continue
		}
		tasks[t.ID] = t
	}
	s.tasks = tasks
	s.refreshCacheLocked()
}

// Reload discards unpersisted in-memory changes and re-reads from disk.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
}

// saveLocked writes the full list via temp-file + atomic rename. On
// failure the previous good file is untouched and the in-memory view is
// rolled back to match disk.
func (s *Store) saveLocked() error {
	list := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		s.reloadLocked()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.refreshCacheLocked()
	return nil
}

func (s *Store) refreshCacheLocked() {
	snap := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap = append(snap, t.Clone())
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].CreatedAt.Before(snap[j].CreatedAt) })
	s.cmu.Lock()
	s.cache = snap
	s.cmu.Unlock()
}

// Add validates uniqueness by id, persists, and returns a copy of the
// stored task.
func (s *Store) Add(t *task.Task) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	if _, exists := s.tasks[t.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate id %s", task.ErrInvalid, t.ID)
	}
	cp := t.Clone()
	s.tasks[cp.ID] = cp
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// Remove deletes a task. It reports whether the task existed.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// GetByName returns the first task with the given name (names are a
// non-unique secondary index; creation order wins).
func (s *Store) GetByName(name string) (*task.Task, error) {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	for _, t := range s.cache {
		if t.Name == name {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
}

// List returns tasks matching the filter, served from the cached
// snapshot. Low-stakes reads (dashboards) tolerate a slightly stale view.
func (s *Store) List(f Filter) []*task.Task {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	out := make([]*task.Task, 0, len(s.cache))
	for _, t := range s.cache {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// UpdateChecked is the atomic read-modify-write primitive: under the
// lock it reloads from disk, locates the task, applies verify, and only
// if verify passes applies mutate and persists.
//
// Returns (nil, nil) when the task is missing or verify fails, so a
// caller can distinguish a lost race (no-op) from a hard failure.
func (s *Store) UpdateChecked(id string, verify func(*task.Task) bool, mutate func(*task.Task)) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	if verify != nil && !verify(t) {
		return nil, nil
	}
	mutate(t)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Len reports the current number of tasks.
func (s *Store) Len() int {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return len(s.cache)
}

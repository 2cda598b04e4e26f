package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskd/internal/cronspec"
	"taskd/internal/store"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type createRequest struct {
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_instructions,omitempty"`
	Prompt       string         `json:"body"`
	Kind         task.Kind      `json:"kind"`
	Schedule     *cronspec.Spec `json:"schedule,omitempty"`
	Todo         []time.Time    `json:"todo,omitempty"`
	ContextID    string         `json:"context_reference,omitempty"`
}

type updateRequest struct {
	Name         *string        `json:"name,omitempty"`
	SystemPrompt *string        `json:"system_instructions,omitempty"`
	Prompt       *string        `json:"body,omitempty"`
	ContextID    *string        `json:"context_reference,omitempty"`
	State        *task.State    `json:"state,omitempty"`
	Schedule     *cronspec.Spec `json:"schedule,omitempty"`
	Todo         *[]time.Time   `json:"todo,omitempty"`
}

type runRequest struct {
	ContextID string `json:"context_reference,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}

	now := time.Now().UTC()
	var (
		t   *task.Task
		err error
	)
	switch req.Kind {
	case task.KindScheduled:
		spec := cronspec.Spec{}
		if req.Schedule != nil {
			spec = *req.Schedule
		}
		if strings.TrimSpace(spec.Timezone) == "" {
			spec.Timezone = s.cfg.DefaultTimezone
		}
		t, err = task.NewScheduled(req.Name, req.SystemPrompt, req.Prompt, spec, now)
	case task.KindPlanned:
		t, err = task.NewPlanned(req.Name, req.SystemPrompt, req.Prompt, req.Todo, now)
	case task.KindAdHoc:
		t, err = task.NewAdHoc(req.Name, req.SystemPrompt, req.Prompt, now)
	default:
		err = fmt.Errorf("%w: unknown kind %q", task.ErrInvalid, req.Kind)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	t.ContextID = req.ContextID

	stored, err := s.store.Add(t)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("task created",
		logx.String("id", stored.ID),
		logx.String("name", stored.Name),
		logx.String("kind", string(stored.Kind)))
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name := q.Get("name"); name != "" {
		t, err := s.store.GetByName(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []*task.Task{t})
		return
	}
	f := store.Filter{
		State: task.State(q.Get("state")),
		Kind:  task.Kind(q.Get("kind")),
	}
	if f.State != "" && !f.State.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown state filter"})
		return
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown kind filter"})
		return
	}
	writeJSON(w, http.StatusOK, s.store.List(f))
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, id)
	case action == "" && r.Method == http.MethodPatch:
		s.updateTask(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteTask(w, r, id)
	case action == "run" && r.Method == http.MethodPost:
		s.runTask(w, r, id)
	case action == "history" && r.Method == http.MethodGet:
		s.taskHistory(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, _ *http.Request, id string) {
	t, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}

	cur, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Validate everything up front; mutate below cannot fail.
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		writeError(w, fmt.Errorf("%w: name cannot be empty", task.ErrInvalid))
		return
	}
	if req.Prompt != nil && strings.TrimSpace(*req.Prompt) == "" {
		writeError(w, fmt.Errorf("%w: body cannot be empty", task.ErrInvalid))
		return
	}
	if req.State != nil && *req.State != task.StateIdle && *req.State != task.StateDisabled {
		writeError(w, fmt.Errorf("%w: state can only be set to idle or disabled", task.ErrInvalid))
		return
	}
	if req.Schedule != nil {
		if cur.Kind != task.KindScheduled {
			writeError(w, fmt.Errorf("%w: schedule only applies to scheduled tasks", task.ErrInvalid))
			return
		}
		if strings.TrimSpace(req.Schedule.Timezone) == "" {
			req.Schedule.Timezone = s.cfg.DefaultTimezone
		}
		if err := req.Schedule.Validate(); err != nil {
			writeError(w, fmt.Errorf("%w: %v", task.ErrInvalid, err))
			return
		}
	}
	if req.Todo != nil && cur.Kind != task.KindPlanned {
		writeError(w, fmt.Errorf("%w: todo only applies to planned tasks", task.ErrInvalid))
		return
	}

	now := time.Now().UTC()
	updated, err := s.store.UpdateChecked(id, nil, func(t *task.Task) {
		if req.Name != nil {
			t.Name = strings.TrimSpace(*req.Name)
		}
		if req.SystemPrompt != nil {
			t.SystemPrompt = *req.SystemPrompt
		}
		if req.Prompt != nil {
			t.Prompt = *req.Prompt
		}
		if req.ContextID != nil {
			t.ContextID = *req.ContextID
		}
		if req.Schedule != nil {
			sched, _ := cronspec.Parse(*req.Schedule)
			t.Schedule = &task.Schedule{Spec: *req.Schedule, NextRunAt: sched.Next(now)}
		}
		if req.Todo != nil {
			// Replace the todo list; in-progress and done are owned by
			// the scheduler and never edited from outside. Seeding them
			// first lets Add drop any re-listed instant instead of
			// pulling it back into todo.
			plan := &task.Plan{InProgress: t.Plan.InProgress, Done: t.Plan.Done}
			for _, at := range *req.Todo {
				plan.Add(at)
			}
			t.Plan = plan
		}
		if req.State != nil {
			switch *req.State {
			case task.StateIdle:
				t.Enable(now)
			case task.StateDisabled:
				t.Disable(now)
			}
		}
		t.Touch(now)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if updated == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, _ *http.Request, id string) {
	ok, err := s.store.Remove(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	s.log.Info("task deleted", logx.String("id", id))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request, id string) {
	var req runRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}

	t, err := s.sched.RunNow(r.Context(), id, req.ContextID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.hist.Recent(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunAdHoc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowAdHoc(r.RemoteAddr) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", Retryable: true})
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/run/")
	t, err := s.sched.RunAdHoc(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Tick(r.Context()))
}

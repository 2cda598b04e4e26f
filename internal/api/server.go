// Package api exposes the scheduler's operations over a small JSON/HTTP
// control plane, intended for the surrounding application and for
// operators, not the public internet.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/history"
	"taskd/internal/scheduler"
	"taskd/internal/store"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type Config struct {
	Listen string
	// AdHocRatePerMin caps token-triggered runs per remote address.
	AdHocRatePerMin int
	// DefaultTimezone is inherited by scheduled tasks created or updated
	// without their own timezone. Empty means UTC.
	DefaultTimezone string
}

type Server struct {
	cfg   Config
	store *store.Store
	sched *scheduler.Service
	hist  history.Store
	log   logx.Logger

	srv *http.Server

	// per-address limiters for the token endpoint
	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(cfg Config, st *store.Store, sched *scheduler.Service, hist history.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AdHocRatePerMin <= 0 {
		cfg.AdHocRatePerMin = 30
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		sched:    sched,
		hist:     hist,
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

// Handler returns the routing mux; split out so tests can drive the API
// through httptest without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/run/", s.handleRunAdHoc)
	mux.HandleFunc("/tick", s.handleTick)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": s.store.Len()})
	})
	return mux
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("api listening", logx.String("addr", s.cfg.Listen))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) allowAdHoc(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	s.lmu.Lock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.AdHocRatePerMin)), 5)
		s.limiters[host] = lim
	}
	s.lmu.Unlock()
	return lim.Allow()
}

// ---- error mapping & JSON helpers ----

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, scheduler.ErrConflict), errors.Is(err, scheduler.ErrNotReady):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, scheduler.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, store.ErrPersist):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Retryable: true})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

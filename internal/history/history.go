// Package history keeps a durable append log of dispatch outcomes,
// separate from the task store so the hot read-modify-write path never
// grows with history.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config configures history storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": disabled (all writes are no-ops)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
	Keep        int           // rows retained per task; 0 means keep all
}

// Run records one dispatch outcome.
type Run struct {
	TaskID  string
	Name    string
	Kind    task.Kind
	Started time.Time
	TookMS  int64
	OK      bool
	Error   string
	Result  string
}

// Store is the minimal history API used by the scheduler and API layer.
type Store interface {
	AppendRun(ctx context.Context, r Run) error
	Recent(ctx context.Context, taskID string, limit int) ([]Run, error)
	Close() error
}

// Open initializes the configured store.
// It returns a no-op store if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nopStore{}, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

type nopStore struct{}

func (nopStore) AppendRun(context.Context, Run) error { return nil }
func (nopStore) Recent(context.Context, string, int) ([]Run, error) {
	return nil, nil
}
func (nopStore) Close() error { return nil }

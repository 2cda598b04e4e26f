package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id  TEXT NOT NULL,
	name     TEXT NOT NULL,
	kind     TEXT NOT NULL,
	started  TEXT NOT NULL,
	took_ms  INTEGER NOT NULL,
	ok       INTEGER NOT NULL,
	err      TEXT,
	result   TEXT
);
CREATE INDEX IF NOT EXISTS runs_task_started ON runs(task_id, started DESC);
`

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, keep: cfg.Keep, pruneEvery: 200}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, name, kind, started, took_ms, ok, err, result)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.TaskID, r.Name, string(r.Kind), r.Started.UTC().Format(time.RFC3339Nano),
		r.TookMS, boolInt(r.OK), nullStr(r.Error), nullStr(r.Result),
	)
	if err == nil && s.keep > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if perr := s.prune(pctx, r.TaskID); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT task_id, name, kind, started, took_ms, ok, err, result
	      FROM runs`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			kind    string
			started string
			ok      int
			errText sql.NullString
			result  sql.NullString
		)
		if err := rows.Scan(&r.TaskID, &r.Name, &kind, &started, &r.TookMS, &ok, &errText, &result); err != nil {
			return nil, err
		}
		r.Kind = task.Kind(kind)
		r.OK = ok != 0
		r.Error = errText.String
		r.Result = result.String
		if ts, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			r.Started = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE task_id = ? AND id NOT IN (
			SELECT id FROM runs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)`,
		taskID, taskID, s.keep,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

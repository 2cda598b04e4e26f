package scheduler

import (
	"errors"
	"time"
)

// ErrConflict signals a lost race: the task is not Idle (usually already
// Running). Non-fatal; the caller may retry later.
var ErrConflict = errors.New("task is not idle")

// ErrUnauthorized is returned for ad-hoc trigger attempts with an
// unknown token. Deliberately carries no detail.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotReady is returned when a manual run targets a planned task with
// nothing left in its todo list.
var ErrNotReady = errors.New("no plan item to run")

type Config struct {
	Enabled         bool
	TickInterval    time.Duration // default 60s
	DispatchTimeout time.Duration // 0 = unbounded (runner governs itself)
	MaxInFlight     int           // 0 = unlimited
}

func (c Config) tick() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return time.Minute
}

// CycleSummary describes one loop cycle, for health probes and tests.
type CycleSummary struct {
	At         time.Time `json:"at"`
	Evaluated  int       `json:"evaluated"`
	Dispatched int       `json:"dispatched"`
	Skipped    int       `json:"skipped"`
}

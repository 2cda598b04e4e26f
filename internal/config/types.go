// Package config loads and watches taskd's configuration file.
// YAML and JSON are both accepted; decoding is strict so typos in keys
// fail loudly instead of silently doing nothing.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Timezone is the default IANA timezone applied to new scheduled
	// tasks that don't set their own. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Log       LogConfig       `json:"log"`
	Store     StoreConfig     `json:"store"`
	History   HistoryConfig   `json:"history"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	API       APIConfig       `json:"api"`
	Debug     DebugConfig     `json:"debug"`
}

type LogConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

type HistoryConfig struct {
	Driver      string `json:"driver,omitempty"` // "none" (default) or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Keep        int    `json:"keep,omitempty"`
}

type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	TickInterval    string `json:"tick_interval,omitempty"`    // default 60s
	DispatchTimeout string `json:"dispatch_timeout,omitempty"` // default unbounded
	MaxInFlight     int    `json:"max_in_flight,omitempty"`
}

type RunnerConfig struct {
	Endpoint string `json:"endpoint"`
}

type APIConfig struct {
	Listen string `json:"listen,omitempty"` // default 127.0.0.1:8377
	// AdHocRatePerMin throttles token-triggered runs per remote address,
	// blunting token guessing. Default 30.
	AdHocRatePerMin int `json:"ad_hoc_rate_per_min,omitempty"`
}

type DebugConfig struct {
	Pprof struct {
		Enabled bool   `json:"enabled"`
		Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	} `json:"pprof"`
}

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
		return err
	}
	switch d := strings.ToLower(strings.TrimSpace(c.History.Driver)); d {
	case "", "none", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", d)
	}
	if c.History.Driver != "" && c.History.Driver != "none" && strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}

// TickInterval returns the parsed tick interval (60s default).
func (c SchedulerConfig) Tick() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.tick_interval", c.TickInterval, time.Minute)
	if err != nil {
		return time.Minute
	}
	return d
}

// Timeout returns the parsed dispatch timeout (0 = unbounded).
func (c SchedulerConfig) Timeout() time.Duration {
	d, _ := ParseDurationField("scheduler.dispatch_timeout", c.DispatchTimeout)
	return d
}

// Busy returns the parsed sqlite busy timeout.
func (c HistoryConfig) Busy() time.Duration {
	d, _ := ParseDurationField("history.busy_timeout", c.BusyTimeout)
	return d
}

// ListenAddr returns the API bind address with its default applied.
func (c APIConfig) ListenAddr() string {
	if addr := strings.TrimSpace(c.Listen); addr != "" {
		return addr
	}
	return "127.0.0.1:8377"
}

// ParseDurationField parses an optional Go duration string from the
// config file. Empty means zero; negative values are rejected, since no
// knob here has a meaning for them.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an empty or zero field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

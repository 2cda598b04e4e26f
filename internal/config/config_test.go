package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
timezone: Europe/Berlin
log:
  level: debug
  console: true
store:
  path: /var/lib/taskd/tasks.json
history:
  driver: sqlite
  path: /var/lib/taskd/history.db
  busy_timeout: 5s
  keep: 100
scheduler:
  enabled: true
  tick_interval: 30s
  dispatch_timeout: 10m
  max_in_flight: 4
runner:
  endpoint: http://127.0.0.1:9000/run
api:
  listen: 127.0.0.1:9377
  ad_hoc_rate_per_min: 10
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "taskd.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.History.Keep != 100 || cfg.History.Busy() != 5*time.Second {
		t.Errorf("History = %+v", cfg.History)
	}
	if got := cfg.Scheduler.Tick(); got != 30*time.Second {
		t.Errorf("Tick() = %v", got)
	}
	if got := cfg.Scheduler.Timeout(); got != 10*time.Minute {
		t.Errorf("Timeout() = %v", got)
	}
	if cfg.Scheduler.MaxInFlight != 4 {
		t.Errorf("MaxInFlight = %d", cfg.Scheduler.MaxInFlight)
	}
	if got := cfg.API.ListenAddr(); got != "127.0.0.1:9377" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if m.Get() != cfg {
		t.Error("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "taskd.json",
		`{"store": {"path": "tasks.json"}, "scheduler": {"enabled": true}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled should be true")
	}
	// Defaults kick in for everything unset.
	if got := cfg.Scheduler.Tick(); got != time.Minute {
		t.Errorf("default Tick() = %v", got)
	}
	if got := cfg.API.ListenAddr(); got != "127.0.0.1:8377" {
		t.Errorf("default ListenAddr() = %q", got)
	}
}

func TestParseRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			"unknown key",
			"store:\n  path: tasks.json\nschedular:\n  enabled: true\n",
			"schedular",
		},
		{
			"missing store path",
			"scheduler:\n  enabled: true\n",
			"store.path",
		},
		{
			"bad duration",
			"store:\n  path: t.json\nscheduler:\n  tick_interval: soon\n",
			"tick_interval",
		},
		{
			"bad timezone",
			"store:\n  path: t.json\ntimezone: Mars/Olympus\n",
			"timezone",
		},
		{
			"unknown history driver",
			"store:\n  path: t.json\nhistory:\n  driver: postgres\n  path: h.db\n",
			"driver",
		},
		{
			"history enabled without path",
			"store:\n  path: t.json\nhistory:\n  driver: sqlite\n",
			"history.path",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "taskd.yaml", tc.content))
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "taskd.json",
		`{"store": {"path": "t.json"}} {"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{"2h45m", 2*time.Hour + 45*time.Minute, false},
		{"-5s", 0, true},
		{"fast", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationField("field", tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDurationField(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if got, err := ParseDurationOrDefault("field", "", time.Minute); err != nil || got != time.Minute {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", got, err)
	}
}

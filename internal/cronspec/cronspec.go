// Package cronspec validates crontab-style schedule fields and computes
// the next qualifying run instant in a task's timezone.
package cronspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard five-field crontab grammar: wildcards,
// comma lists, ranges (a-b), steps (*/n, a-b/n) and JAN/SUN style names.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec holds the six user-facing schedule fields.
// Empty pattern fields default to "*" and an empty timezone means UTC.
type Spec struct {
	Minute   string `json:"minute"`
	Hour     string `json:"hour"`
	Day      string `json:"day"`
	Month    string `json:"month"`
	Weekday  string `json:"weekday"`
	Timezone string `json:"timezone,omitempty"`
}

func (s Spec) withDefaults() Spec {
	def := func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return "*"
		}
		return v
	}
	s.Minute = def(s.Minute)
	s.Hour = def(s.Hour)
	s.Day = def(s.Day)
	s.Month = def(s.Month)
	s.Weekday = def(s.Weekday)
	s.Timezone = strings.TrimSpace(s.Timezone)
	return s
}

// Expression renders the five pattern fields as a crontab line.
func (s Spec) Expression() string {
	d := s.withDefaults()
	return strings.Join([]string{d.Minute, d.Hour, d.Day, d.Month, d.Weekday}, " ")
}

// Location resolves the spec's IANA timezone, defaulting to UTC.
func (s Spec) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate rejects malformed fields synchronously, before anything is stored.
func (s Spec) Validate() error {
	_, err := Parse(s)
	return err
}

// Schedule is a compiled Spec ready for Next() evaluation.
type Schedule struct {
	inner cron.Schedule
	loc   *time.Location
}

// Parse compiles the spec. Malformed pattern fields and unknown timezones
// are reported as errors; callers wrap them into their validation taxonomy.
func Parse(s Spec) (Schedule, error) {
	loc, err := s.Location()
	if err != nil {
		return Schedule{}, err
	}
	expr := s.Expression()
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{inner: sched, loc: loc}, nil
}

// Next returns the first instant strictly after the given time that
// satisfies every field constraint, evaluated in the spec's timezone and
// returned in UTC. Local times skipped or repeated by a DST transition
// resolve to the next unambiguous forward instant. The zero time is
// returned when no instant matches within the evaluator's horizon.
//
// Catch-up is the caller's concern: recomputing from "now" rather than
// from a missed window guarantees at most one firing after downtime.
func (sc Schedule) Next(after time.Time) time.Time {
	n := sc.inner.Next(after.In(sc.loc))
	if n.IsZero() {
		return n
	}
	return n.UTC()
}

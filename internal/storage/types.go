package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tick is one stored, non-overlapping interval of attributed activity
// for a host. Start and Duration are in milliseconds. URL carries the
// page the interval was captured on so path-scoped rule patterns can
// match; merged intervals keep the URL of the first report.
type Tick struct {
	Host     string `json:"host"`
	Start    int64  `json:"start"`
	Duration int64  `json:"duration"`
	URL      string `json:"url,omitempty"`
}

// End returns the exclusive end of the tick's interval.
func (t Tick) End() int64 {
	return t.Start + t.Duration
}

// LimitRule is a user-defined per-site budget. A zero budget on any
// dimension means that dimension is unlimited.
type LimitRule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Cond         []string  `json:"cond"`          // URL glob patterns, ORed
	TimeMs       int64     `json:"time_ms"`       // daily focus budget
	WeeklyMs     int64     `json:"weekly_ms"`     // weekly focus budget
	Visits       int64     `json:"visits"`        // daily visit budget
	WeeklyVisits int64     `json:"weekly_visits"` // weekly visit budget
	Weekdays     []int     `json:"weekdays"`      // effective days, 0=Sunday; empty = every day
	AllowDelay   bool      `json:"allow_delay"`
	Enabled      bool      `json:"enabled"`
	Locked       bool      `json:"locked"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EffectiveOn reports whether the rule applies on the given weekday.
func (r LimitRule) EffectiveOn(day time.Weekday) bool {
	if len(r.Weekdays) == 0 {
		return true
	}
	for _, d := range r.Weekdays {
		if d == int(day) {
			return true
		}
	}
	return false
}

// LimitRecord accumulates accounting for one rule on one calendar date.
type LimitRecord struct {
	RuleID     string `json:"rule_id"`
	Date       string `json:"date"` // "2006-01-02"
	FocusMs    int64  `json:"focus_ms"`
	Visits     int64  `json:"visits"`
	DelayCount int64  `json:"delay_count"`
}

// WhitelistKind classifies whitelist entries. Excludes are checked
// first, then include patterns, then plain hostnames.
type WhitelistKind string

const (
	WhitelistExclude WhitelistKind = "EXCLUDE"
	WhitelistInclude WhitelistKind = "INCLUDE"
	WhitelistHost    WhitelistKind = "HOST"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the kind to uppercase.
func (k *WhitelistKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := WhitelistKind(strings.ToUpper(s))

	switch normalized {
	case WhitelistExclude, WhitelistInclude, WhitelistHost:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid whitelist kind: %s (must be EXCLUDE, INCLUDE, or HOST)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (k WhitelistKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// WhitelistEntry is one host or pattern excluded from tracking.
type WhitelistEntry struct {
	ID        string        `json:"id"`
	Pattern   string        `json:"pattern"`
	Kind      WhitelistKind `json:"kind"`
	CreatedAt time.Time     `json:"created_at"`
}

// Meta is the single installation metadata record: install timestamp,
// last-seen version and per-feature one-time flags.
type Meta struct {
	InstalledAt time.Time       `json:"installed_at"`
	Version     string          `json:"version"`
	Flags       map[string]bool `json:"flags"`
	LastSweep   time.Time       `json:"last_sweep"`
}

// Flag reports a one-time flag, tolerating a nil map.
func (m *Meta) Flag(name string) bool {
	if m.Flags == nil {
		return false
	}
	return m.Flags[name]
}

// SetFlag records a one-time flag.
func (m *Meta) SetFlag(name string) {
	if m.Flags == nil {
		m.Flags = make(map[string]bool)
	}
	m.Flags[name] = true
}

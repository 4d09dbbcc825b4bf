package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ticks() TickStore
	Records() RecordStore
	Rules() RuleStore
	Whitelist() WhitelistStore
	Meta() MetaStore
	Legacy() LegacyStore
}

// TickQuery filters Select results. A zero field means "no constraint".
type TickQuery struct {
	Host  string // exact host match
	Start int64  // lower bound (inclusive) on tick start, unix ms
}

// TickStore manages the indexed timeline of activity intervals.
// Ticks are keyed by (host, start); reconciliation of overlapping
// intervals is the caller's job, the store only persists.
type TickStore interface {
	ListByHost(ctx context.Context, host string) ([]Tick, error)
	Put(ctx context.Context, tick Tick) error
	Delete(ctx context.Context, host string, start int64) error
	Select(ctx context.Context, q TickQuery) ([]Tick, error)
	DeleteBefore(ctx context.Context, cutoff int64) (int, error)
}

// RecordStore manages per-rule, per-day accounting records.
// All increments are additive and transactional.
type RecordStore interface {
	Get(ctx context.Context, ruleID, date string) (*LimitRecord, error)
	AddFocus(ctx context.Context, ruleID, date string, ms int64) error
	IncVisit(ctx context.Context, ruleID, date string) error
	IncDelay(ctx context.Context, ruleID, date string) error
	ListRange(ctx context.Context, ruleID, from, to string) ([]LimitRecord, error)
	DeleteBefore(ctx context.Context, cutoffDate string) (int, error)
}

// RuleStore manages user-defined limit rules.
type RuleStore interface {
	Get(ctx context.Context, id string) (*LimitRule, error)
	List(ctx context.Context) ([]LimitRule, error)
	ListEnabled(ctx context.Context) ([]LimitRule, error)
	Upsert(ctx context.Context, rule LimitRule) error
	Delete(ctx context.Context, id string) error
}

// WhitelistStore manages hosts and patterns excluded from tracking.
type WhitelistStore interface {
	List(ctx context.Context) ([]WhitelistEntry, error)
	Upsert(ctx context.Context, entry WhitelistEntry) error
	Delete(ctx context.Context, id string) error
}

// MetaStore holds the single installation metadata record.
// Get returns ErrNotFound on a fresh store.
type MetaStore interface {
	Get(ctx context.Context) (*Meta, error)
	Put(ctx context.Context, meta Meta) error
}

// LegacyStore is the flat pre-index tick log. It survives only to feed
// the upgrade migration and is cleared once that completes.
type LegacyStore interface {
	Snapshot(ctx context.Context) (map[string][]Tick, error)
	Append(ctx context.Context, host string, ticks []Tick) error
	Clear(ctx context.Context) error
}

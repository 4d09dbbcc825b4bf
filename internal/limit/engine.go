package limit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/whitelist"
)

// State is a rule's standing on one dimension (daily or weekly).
type State string

const (
	StateNormal   State = "NORMAL"
	StateReminder State = "REMINDER"
	StateLimited  State = "LIMITED"
)

const dateFormat = "2006-01-02"

// weeklyCacheSize bounds the in-memory weekly aggregates. One entry per
// rule per week; 512 is far beyond any realistic rule count.
const weeklyCacheSize = 512

// Options tunes limit evaluation.
type Options struct {
	ReminderWindow time.Duration // remaining budget at or below this triggers REMINDER
	DelayGrant     time.Duration // extra budget per granted delay
	WeekStart      int           // 0=Sunday .. 6=Saturday
}

// RuleStatus is a rule's full current standing against a URL.
type RuleStatus struct {
	Rule          storage.LimitRule
	Daily         State
	Weekly        State
	DailyFocusMs  int64
	WeeklyFocusMs int64
	DailyVisits   int64
	WeeklyVisits  int64
}

// Evaluation reports the rules whose state changed during one
// accounting call. Limited rules need enforcement; Reminded rules get a
// proactive warning.
type Evaluation struct {
	Limited  []storage.LimitRule
	Reminded []storage.LimitRule
}

type compiledRule struct {
	rule  storage.LimitRule
	globs []glob.Glob
}

// weeklyTotal is the in-memory fast path for weekly aggregates, keyed
// by rule id and week start date. It is kept read-after-write
// consistent with the per-day records this process writes; on a cache
// miss it is re-derived from the store.
type weeklyTotal struct {
	FocusMs    int64
	Visits     int64
	DelayCount int64
}

// Engine evaluates per-site budgets incrementally as time and visits
// are accounted.
type Engine struct {
	store  storage.Store
	opts   Options
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	rules   []compiledRule
	loaded  bool
	matcher *whitelist.Matcher
	weekly  *lru.Cache[string, *weeklyTotal]
}

// NewEngine creates a limit engine reading rules and whitelist entries
// from the store.
func NewEngine(store storage.Store, opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.ReminderWindow <= 0 {
		opts.ReminderWindow = 5 * time.Minute
	}
	if opts.DelayGrant <= 0 {
		opts.DelayGrant = 5 * time.Minute
	}
	if opts.WeekStart < 0 || opts.WeekStart > 6 {
		return nil, fmt.Errorf("week start must be between 0 and 6, got %d", opts.WeekStart)
	}

	weekly, err := lru.New[string, *weeklyTotal](weeklyCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:   store,
		opts:    opts,
		clock:   RealClock{}, // Use real time by default
		logger:  logger.With().Str("component", "limit").Logger(),
		matcher: whitelist.NewMatcher(nil),
		weekly:  weekly,
	}, nil
}

// SetClock sets the clock for time-based evaluation (for testing)
func (e *Engine) SetClock(clock Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// ReloadRules re-reads enabled rules from the store. Call after any
// rule mutation.
func (e *Engine) ReloadRules(ctx context.Context) error {
	rules, err := e.store.Rules().ListEnabled(ctx)
	if err != nil {
		return err
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		for _, pattern := range rule.Cond {
			g, err := glob.Compile(pattern)
			if err != nil {
				e.logger.Warn().Err(err).
					Str("rule_id", rule.ID).
					Str("pattern", pattern).
					Msg("Invalid rule pattern, skipping")
				continue
			}
			cr.globs = append(cr.globs, g)
		}
		if len(cr.globs) == 0 {
			continue
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.loaded = true
	e.mu.Unlock()

	e.logger.Debug().Int("rules", len(compiled)).Msg("Limit rules reloaded")
	return nil
}

// ReloadWhitelist re-reads whitelist entries from the store. Call after
// any whitelist mutation.
func (e *Engine) ReloadWhitelist(ctx context.Context) error {
	entries, err := e.store.Whitelist().List(ctx)
	if err != nil {
		return err
	}
	matcher := whitelist.NewMatcher(entries)

	e.mu.Lock()
	e.matcher = matcher
	e.mu.Unlock()
	return nil
}

// Whitelisted reports whether host or url matches the current
// whitelist. Shared with the capture layer so both gates reload
// together.
func (e *Engine) Whitelisted(ctx context.Context, host, url string) bool {
	_, matcher, err := e.currentRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Whitelist lookup failed")
		return false
	}
	return matcher.Whitelisted(host, url)
}

// AddFocusTime accounts ms of focus against every enabled, effective
// rule matching url and reports the state transitions it caused.
// Whitelisted hosts bypass the engine entirely.
func (e *Engine) AddFocusTime(ctx context.Context, host, url string, ms int64) (Evaluation, error) {
	return e.account(ctx, host, url, ms, false)
}

// IncVisit accounts one visit against every enabled, effective rule
// matching url.
func (e *Engine) IncVisit(ctx context.Context, host, url string) (Evaluation, error) {
	return e.account(ctx, host, url, 0, true)
}

func (e *Engine) account(ctx context.Context, host, url string, ms int64, visit bool) (Evaluation, error) {
	var eval Evaluation
	if ms < 0 {
		return eval, fmt.Errorf("negative focus time: %d", ms)
	}

	rules, matcher, err := e.currentRules(ctx)
	if err != nil {
		return eval, err
	}
	if matcher.Whitelisted(host, url) {
		return eval, nil
	}

	now := e.now()
	date := now.Format(dateFormat)

	for _, cr := range rules {
		if !cr.rule.EffectiveOn(now.Weekday()) {
			continue
		}
		if !matchesAny(cr.globs, url) {
			continue
		}

		record, err := e.dayRecord(ctx, cr.rule.ID, date)
		if err != nil {
			return eval, err
		}
		week, err := e.weekTotal(ctx, cr.rule.ID, now)
		if err != nil {
			return eval, err
		}

		before := e.ruleStates(cr.rule, record, week)

		if visit {
			if err := e.store.Records().IncVisit(ctx, cr.rule.ID, date); err != nil {
				return eval, err
			}
			record.Visits++
			week.Visits++
			e.bumpWeekly(cr.rule.ID, now, 0, 1, 0)
		} else {
			if err := e.store.Records().AddFocus(ctx, cr.rule.ID, date, ms); err != nil {
				return eval, err
			}
			record.FocusMs += ms
			week.FocusMs += ms
			e.bumpWeekly(cr.rule.ID, now, ms, 0, 0)
		}

		after := e.ruleStates(cr.rule, record, week)

		if transitionedTo(before, after, StateLimited) {
			eval.Limited = append(eval.Limited, cr.rule)
			metrics.LimitTransitions.WithLabelValues("limited").Inc()
		} else if transitionedTo(before, after, StateReminder) {
			eval.Reminded = append(eval.Reminded, cr.rule)
			metrics.LimitTransitions.WithLabelValues("reminder").Inc()
		}
	}

	return eval, nil
}

// MoreMinutes grants one extra-time delay for every currently-limited,
// delay-allowed rule matching url and returns the rules that became
// un-limited as a result, so callers can resume tracking.
func (e *Engine) MoreMinutes(ctx context.Context, url string) ([]storage.LimitRule, error) {
	rules, _, err := e.currentRules(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	date := now.Format(dateFormat)

	var unlimited []storage.LimitRule
	for _, cr := range rules {
		if !cr.rule.AllowDelay || !cr.rule.EffectiveOn(now.Weekday()) {
			continue
		}
		if !matchesAny(cr.globs, url) {
			continue
		}

		record, err := e.dayRecord(ctx, cr.rule.ID, date)
		if err != nil {
			return unlimited, err
		}
		week, err := e.weekTotal(ctx, cr.rule.ID, now)
		if err != nil {
			return unlimited, err
		}

		before := e.ruleStates(cr.rule, record, week)
		if before[0] != StateLimited && before[1] != StateLimited {
			continue
		}

		if err := e.store.Records().IncDelay(ctx, cr.rule.ID, date); err != nil {
			return unlimited, err
		}
		record.DelayCount++
		week.DelayCount++
		e.bumpWeekly(cr.rule.ID, now, 0, 0, 1)
		metrics.DelayGrants.Inc()

		after := e.ruleStates(cr.rule, record, week)
		if after[0] != StateLimited && after[1] != StateLimited {
			unlimited = append(unlimited, cr.rule)
		}

		e.logger.Info().
			Str("rule_id", cr.rule.ID).
			Str("rule", cr.rule.Name).
			Msg("Extra time granted")
	}
	return unlimited, nil
}

// Status reports the current standing of every enabled rule matching
// url, for inspection surfaces.
func (e *Engine) Status(ctx context.Context, url string) ([]RuleStatus, error) {
	rules, _, err := e.currentRules(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	date := now.Format(dateFormat)

	var statuses []RuleStatus
	for _, cr := range rules {
		if !matchesAny(cr.globs, url) {
			continue
		}
		record, err := e.dayRecord(ctx, cr.rule.ID, date)
		if err != nil {
			return nil, err
		}
		week, err := e.weekTotal(ctx, cr.rule.ID, now)
		if err != nil {
			return nil, err
		}
		states := e.ruleStates(cr.rule, record, week)
		statuses = append(statuses, RuleStatus{
			Rule:          cr.rule,
			Daily:         states[0],
			Weekly:        states[1],
			DailyFocusMs:  record.FocusMs,
			WeeklyFocusMs: week.FocusMs,
			DailyVisits:   record.Visits,
			WeeklyVisits:  week.Visits,
		})
	}
	return statuses, nil
}

// currentRules returns the compiled rule set and whitelist matcher,
// loading both lazily on first use.
func (e *Engine) currentRules(ctx context.Context) ([]compiledRule, *whitelist.Matcher, error) {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()

	if !loaded {
		if err := e.ReloadRules(ctx); err != nil {
			return nil, nil, err
		}
		if err := e.ReloadWhitelist(ctx); err != nil {
			return nil, nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules, e.matcher, nil
}

func (e *Engine) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now()
}

func (e *Engine) dayRecord(ctx context.Context, ruleID, date string) (*storage.LimitRecord, error) {
	record, err := e.store.Records().Get(ctx, ruleID, date)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		record = &storage.LimitRecord{RuleID: ruleID, Date: date}
	}
	return record, nil
}

// weekTotal returns a private snapshot of the weekly aggregate for a
// rule, deriving the cached entry from the per-day records on a miss.
// The lock covers derivation so concurrent misses cannot clobber a
// bumped entry; callers get a copy and never touch cache state
// directly (see bumpWeekly).
func (e *Engine) weekTotal(ctx context.Context, ruleID string, now time.Time) (*weeklyTotal, error) {
	key := e.weekKey(ruleID, now)
	weekStart := e.weekStartDate(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	cached, ok := e.weekly.Get(key)
	if !ok {
		records, err := e.store.Records().ListRange(ctx, ruleID,
			weekStart.Format(dateFormat),
			weekStart.AddDate(0, 0, 6).Format(dateFormat))
		if err != nil {
			return nil, err
		}

		cached = &weeklyTotal{}
		for _, rec := range records {
			cached.FocusMs += rec.FocusMs
			cached.Visits += rec.Visits
			cached.DelayCount += rec.DelayCount
		}
		e.weekly.Add(key, cached)
	}

	snapshot := *cached
	return &snapshot, nil
}

// bumpWeekly folds one accounted write into the cached weekly
// aggregate. An evicted entry is left alone: the next weekTotal
// re-derives it from the store, which has the write already.
func (e *Engine) bumpWeekly(ruleID string, now time.Time, focusMs, visits, delays int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.weekly.Get(e.weekKey(ruleID, now)); ok {
		cached.FocusMs += focusMs
		cached.Visits += visits
		cached.DelayCount += delays
	}
}

func (e *Engine) weekKey(ruleID string, now time.Time) string {
	return ruleID + "|" + e.weekStartDate(now).Format(dateFormat)
}

// weekStartDate returns midnight of the first day of the week
// containing now, per the configured week-start offset.
func (e *Engine) weekStartDate(now time.Time) time.Time {
	diff := (int(now.Weekday()) - e.opts.WeekStart + 7) % 7
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.AddDate(0, 0, -diff)
}

// ruleStates computes the daily and weekly states for a rule. Either
// dimension reports the stricter of its time and visit standing.
func (e *Engine) ruleStates(rule storage.LimitRule, record *storage.LimitRecord, week *weeklyTotal) [2]State {
	grantMs := e.opts.DelayGrant.Milliseconds()
	windowMs := e.opts.ReminderWindow.Milliseconds()

	daily := stricter(
		timeState(record.FocusMs, rule.TimeMs, record.DelayCount*grantMs, windowMs),
		visitState(record.Visits, rule.Visits),
	)
	weekly := stricter(
		timeState(week.FocusMs, rule.WeeklyMs, week.DelayCount*grantMs, windowMs),
		visitState(week.Visits, rule.WeeklyVisits),
	)
	return [2]State{daily, weekly}
}

// timeState evaluates one time dimension. A zero budget means the
// dimension is unlimited; delay grants inflate the effective budget.
func timeState(wasted, budget, delayMs, windowMs int64) State {
	if budget <= 0 {
		return StateNormal
	}
	effective := budget + delayMs
	if wasted >= effective {
		return StateLimited
	}
	if effective-wasted <= windowMs {
		return StateReminder
	}
	return StateNormal
}

// visitState evaluates one visit dimension. Visits have no reminder
// window and delays do not apply.
func visitState(visits, budget int64) State {
	if budget <= 0 {
		return StateNormal
	}
	if visits >= budget {
		return StateLimited
	}
	return StateNormal
}

func stricter(a, b State) State {
	if a == StateLimited || b == StateLimited {
		return StateLimited
	}
	if a == StateReminder || b == StateReminder {
		return StateReminder
	}
	return StateNormal
}

func matchesAny(globs []glob.Glob, url string) bool {
	for _, g := range globs {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// transitionedTo reports whether either dimension newly entered target.
func transitionedTo(before, after [2]State, target State) bool {
	return (before[0] != target && after[0] == target) ||
		(before[1] != target && after[1] == target)
}

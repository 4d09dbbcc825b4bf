package limit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/storage/bolt"
)

// 2024-06-12 is a Wednesday.
var testNow = time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts Options) (*Engine, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabwatch.bolt"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := NewEngine(store, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	engine.SetClock(&TestClock{CurrentTime: testNow})
	return engine, store
}

func upsertRule(t *testing.T, store storage.Store, rule storage.LimitRule) {
	t.Helper()
	if err := store.Rules().Upsert(context.Background(), rule); err != nil {
		t.Fatalf("Upsert rule failed: %v", err)
	}
}

func TestEngine_ReminderThenLimited(t *testing.T) {
	engine, store := newTestEngine(t, Options{
		ReminderWindow: 500 * time.Millisecond,
		WeekStart:      1,
	})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Name:    "Video",
		Cond:    []string{"*video.example.com*"},
		TimeMs:  10000,
		Enabled: true,
	})

	ctx := context.Background()
	url := "https://video.example.com/watch"

	eval, err := engine.AddFocusTime(ctx, "video.example.com", url, 9000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 0 || len(eval.Reminded) != 0 {
		t.Fatalf("9000/10000 should stay NORMAL, got %+v", eval)
	}

	eval, err = engine.AddFocusTime(ctx, "video.example.com", url, 500)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Reminded) != 1 || eval.Reminded[0].ID != "rule-a" {
		t.Fatalf("remaining 500 within window should remind, got %+v", eval)
	}

	eval, err = engine.AddFocusTime(ctx, "video.example.com", url, 600)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 || eval.Limited[0].ID != "rule-a" {
		t.Fatalf("crossing the budget should limit, got %+v", eval)
	}

	// Already limited: adding more time causes no new transition.
	eval, err = engine.AddFocusTime(ctx, "video.example.com", url, 1000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 0 && len(eval.Reminded) != 0 {
		t.Fatalf("no transition expected once limited, got %+v", eval)
	}
}

func TestEngine_ZeroBudgetIsUnlimited(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		TimeMs:  0, // no daily limit
		Enabled: true,
	})

	ctx := context.Background()
	eval, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/", 48*60*60*1000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 0 {
		t.Fatalf("a zero budget must never limit, got %+v", eval)
	}
}

func TestEngine_DelayGrantExtendsBudget(t *testing.T) {
	engine, store := newTestEngine(t, Options{
		ReminderWindow: 100 * time.Millisecond,
		DelayGrant:     5000 * time.Millisecond,
		WeekStart:      1,
	})
	upsertRule(t, store, storage.LimitRule{
		ID:         "rule-a",
		Cond:       []string{"*example.com*"},
		TimeMs:     1000,
		AllowDelay: true,
		Enabled:    true,
	})

	ctx := context.Background()
	url := "https://example.com/"

	eval, err := engine.AddFocusTime(ctx, "example.com", url, 1000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("expected limit at budget, got %+v", eval)
	}

	granted, err := engine.MoreMinutes(ctx, url)
	if err != nil {
		t.Fatalf("MoreMinutes failed: %v", err)
	}
	if len(granted) != 1 || granted[0].ID != "rule-a" {
		t.Fatalf("expected one grant, got %v", granted)
	}

	// Effective budget is now 6000: the rule leaves LIMITED.
	statuses, err := engine.Status(ctx, url)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Daily != StateNormal {
		t.Fatalf("expected NORMAL after grant, got %+v", statuses)
	}

	// And it limits again once the granted time is spent too.
	eval, err = engine.AddFocusTime(ctx, "example.com", url, 5000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("expected limit after spending the grant, got %+v", eval)
	}
}

func TestEngine_MoreMinutesRequiresAllowDelay(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		TimeMs:  1000,
		Enabled: true,
	})

	granted, err := engine.MoreMinutes(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("MoreMinutes failed: %v", err)
	}
	if len(granted) != 0 {
		t.Fatalf("rule without allow_delay must not be granted, got %v", granted)
	}
}

func TestEngine_WhitelistBypassesEverything(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	ctx := context.Background()

	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		TimeMs:  1000,
		Enabled: true,
	})
	if err := store.Whitelist().Upsert(ctx, storage.WhitelistEntry{
		ID:      "w1",
		Kind:    storage.WhitelistHost,
		Pattern: "example.com",
	}); err != nil {
		t.Fatalf("Upsert whitelist failed: %v", err)
	}

	eval, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/", 5000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 0 || len(eval.Reminded) != 0 {
		t.Fatalf("whitelisted host must bypass the engine, got %+v", eval)
	}

	// Bypass means no accounting at all, not just no transitions.
	if _, err := store.Records().Get(ctx, "rule-a", testNow.Format(dateFormat)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no record written, got err=%v", err)
	}
}

func TestEngine_WeekdayEffectiveness(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:       "weekend-only",
		Cond:     []string{"*example.com*"},
		TimeMs:   1000,
		Weekdays: []int{0, 6}, // Sunday, Saturday; testNow is a Wednesday
		Enabled:  true,
	})

	ctx := context.Background()
	if _, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/", 5000); err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if _, err := store.Records().Get(ctx, "weekend-only", testNow.Format(dateFormat)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rule off-day must not account, got err=%v", err)
	}
}

func TestEngine_VisitBudget(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		Visits:  2,
		Enabled: true,
	})

	ctx := context.Background()
	url := "https://example.com/"

	eval, err := engine.IncVisit(ctx, "example.com", url)
	if err != nil {
		t.Fatalf("IncVisit failed: %v", err)
	}
	if len(eval.Limited) != 0 {
		t.Fatalf("first visit of two should not limit, got %+v", eval)
	}

	eval, err = engine.IncVisit(ctx, "example.com", url)
	if err != nil {
		t.Fatalf("IncVisit failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("second visit should hit the visit budget, got %+v", eval)
	}
}

func TestEngine_WeeklyBudgetSpansDays(t *testing.T) {
	engine, store := newTestEngine(t, Options{
		ReminderWindow: 100 * time.Millisecond,
		WeekStart:      1, // week starts Monday 2024-06-10
	})
	upsertRule(t, store, storage.LimitRule{
		ID:       "rule-a",
		Cond:     []string{"*example.com*"},
		WeeklyMs: 10000,
		Enabled:  true,
	})

	ctx := context.Background()

	// Monday and Tuesday of the same week already hold 8000ms.
	if err := store.Records().AddFocus(ctx, "rule-a", "2024-06-10", 5000); err != nil {
		t.Fatalf("AddFocus failed: %v", err)
	}
	if err := store.Records().AddFocus(ctx, "rule-a", "2024-06-11", 3000); err != nil {
		t.Fatalf("AddFocus failed: %v", err)
	}

	eval, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/", 2500)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("8000 carried + 2500 should cross the 10000 weekly budget, got %+v", eval)
	}

	// Last week's records never count against this week.
	if err := store.Records().AddFocus(ctx, "rule-a", "2024-06-08", 99999); err != nil {
		t.Fatalf("AddFocus failed: %v", err)
	}
	statuses, err := engine.Status(ctx, "https://example.com/")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].WeeklyFocusMs != 10500 {
		t.Fatalf("expected weekly total 10500, got %+v", statuses)
	}
}

func TestEngine_CondMatching(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*games.example.com*", "*.play.net*"},
		TimeMs:  1000,
		Enabled: true,
	})

	ctx := context.Background()
	if _, err := engine.AddFocusTime(ctx, "news.example.com", "https://news.example.com/", 5000); err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if _, err := store.Records().Get(ctx, "rule-a", testNow.Format(dateFormat)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("non-matching url must not account, got err=%v", err)
	}

	eval, err := engine.AddFocusTime(ctx, "games.example.com", "https://games.example.com/", 1000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("matching url should account and limit, got %+v", eval)
	}
}

func TestEngine_PathScopedCond(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com/watch*"},
		TimeMs:  1000,
		Enabled: true,
	})

	ctx := context.Background()
	if _, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/about", 5000); err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if _, err := store.Records().Get(ctx, "rule-a", testNow.Format(dateFormat)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("url outside the path scope must not account, got err=%v", err)
	}

	eval, err := engine.AddFocusTime(ctx, "example.com", "https://example.com/watch?v=abc", 1000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 1 {
		t.Fatalf("path-scoped rule should account the matching page, got %+v", eval)
	}
}

func TestEngine_ConcurrentAccounting(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		Enabled: true, // no budgets: pure accounting
	})

	ctx := context.Background()
	url := "https://example.com/"

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := engine.AddFocusTime(ctx, "example.com", url, 100); err != nil {
					t.Errorf("AddFocusTime failed: %v", err)
				}
				if _, err := engine.IncVisit(ctx, "example.com", url); err != nil {
					t.Errorf("IncVisit failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	statuses, err := engine.Status(ctx, url)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected one status, got %+v", statuses)
	}
	wantMs := int64(workers * perWorker * 100)
	if statuses[0].WeeklyFocusMs != wantMs || statuses[0].DailyFocusMs != wantMs {
		t.Fatalf("expected %dms accounted daily and weekly, got %+v", wantMs, statuses[0])
	}
	if statuses[0].WeeklyVisits != workers*perWorker {
		t.Fatalf("expected %d weekly visits, got %+v", workers*perWorker, statuses[0])
	}
}

func TestEngine_DisabledRuleIgnored(t *testing.T) {
	engine, store := newTestEngine(t, Options{WeekStart: 1})
	upsertRule(t, store, storage.LimitRule{
		ID:      "rule-a",
		Cond:    []string{"*example.com*"},
		TimeMs:  100,
		Enabled: false,
	})

	eval, err := engine.AddFocusTime(context.Background(), "example.com", "https://example.com/", 5000)
	if err != nil {
		t.Fatalf("AddFocusTime failed: %v", err)
	}
	if len(eval.Limited) != 0 {
		t.Fatalf("disabled rule must not evaluate, got %+v", eval)
	}
}

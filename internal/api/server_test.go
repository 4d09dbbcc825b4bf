package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/limit"
	"github.com/tabwatch/tabwatch/internal/platform"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/storage/bolt"
	"github.com/tabwatch/tabwatch/internal/timeline"
)

func newTestServer(t *testing.T) (*Server, storage.Store, *event.Bus) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabwatch.bolt"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tl := timeline.NewService(store, timeline.DefaultMergeThresholdMs, zerolog.Nop())
	engine, err := limit.NewEngine(store, limit.Options{WeekStart: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	bus := event.NewBus(zerolog.Nop())

	server := NewServer("127.0.0.1:0", Deps{
		Store:    store,
		Timeline: tl,
		Engine:   engine,
		Bus:      bus,
		Logger:   zerolog.Nop(),
	})
	return server, store, bus
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_EventIngest(t *testing.T) {
	server, _, bus := newTestServer(t)

	var got []event.Event
	bus.Subscribe(event.PageBlur, func(ctx context.Context, e event.Event) {
		got = append(got, e)
	})

	w := doJSON(t, server, http.MethodPost, "/api/v1/events", []event.Event{
		{Type: event.PageBlur, Host: "a.com", Start: 1000, End: 2000},
		{Type: event.PageBlur, Host: "b.com", Start: 3000, End: 4000},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(got) != 2 || got[0].Host != "a.com" || got[1].Host != "b.com" {
		t.Fatalf("events not delivered in order: %v", got)
	}
}

func TestServer_EventIngestRejectsGarbage(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_TickQuery(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()

	for _, tick := range []storage.Tick{
		{Host: "a.com", Start: 1000, Duration: 500},
		{Host: "b.com", Start: 2000, Duration: 100},
	} {
		if err := store.Ticks().Put(ctx, tick); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	w := doJSON(t, server, http.MethodGet, "/api/v1/ticks?host=a.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Ticks []storage.Tick `json:"ticks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Ticks) != 1 || resp.Ticks[0].Host != "a.com" {
		t.Fatalf("unexpected ticks: %v", resp.Ticks)
	}
}

func TestServer_RuleLifecycle(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/rules", storage.LimitRule{
		Name:    "Video",
		Cond:    []string{"*video.example.com*"},
		TimeMs:  3_600_000,
		Enabled: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}

	var created struct {
		Rule storage.LimitRule `json:"rule"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Rule.ID == "" {
		t.Fatal("expected generated rule id")
	}

	w = doJSON(t, server, http.MethodGet, "/api/v1/rules", nil)
	var listed struct {
		Rules []storage.LimitRule `json:"rules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listed.Rules) != 1 {
		t.Fatalf("expected one rule, got %v", listed.Rules)
	}

	w = doJSON(t, server, http.MethodDelete, "/api/v1/rules/"+created.Rule.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", w.Code)
	}

	w = doJSON(t, server, http.MethodDelete, "/api/v1/rules/"+created.Rule.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestServer_LockedRuleProtected(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()

	if err := store.Rules().Upsert(ctx, storage.LimitRule{
		ID:      "locked-rule",
		Cond:    []string{"*example.com*"},
		Locked:  true,
		Enabled: true,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	w := doJSON(t, server, http.MethodPut, "/api/v1/rules/locked-rule", storage.LimitRule{
		Cond:    []string{"*example.com*"},
		Enabled: false,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 editing a locked rule, got %d", w.Code)
	}

	w = doJSON(t, server, http.MethodDelete, "/api/v1/rules/locked-rule", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 deleting a locked rule, got %d", w.Code)
	}
}

func TestServer_WhitelistValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/whitelist", storage.WhitelistEntry{
		Kind:    storage.WhitelistInclude,
		Pattern: "[invalid",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed pattern, got %d", w.Code)
	}

	w = doJSON(t, server, http.MethodPost, "/api/v1/whitelist", storage.WhitelistEntry{
		Kind:    storage.WhitelistHost,
		Pattern: "docs.internal",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_MessagePolling(t *testing.T) {
	server, _, bus := newTestServer(t)
	ctx := context.Background()

	ext := platform.NewExtension(zerolog.Nop())
	ext.Register(bus)
	server.deps.Outbox = ext

	bus.Publish(ctx, event.Event{Type: event.TabActivated, TabID: 5, WindowID: 1})
	if err := ext.SendMessage(ctx, 5, map[string]string{"kind": "limited"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	w := doJSON(t, server, http.MethodGet, "/api/v1/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll failed: %d", w.Code)
	}
	var resp struct {
		Messages []platform.Envelope `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].TabID != 5 {
		t.Fatalf("unexpected messages: %v", resp.Messages)
	}

	w = doJSON(t, server, http.MethodGet, "/api/v1/messages", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("expected drained outbox, got %v", resp.Messages)
	}
}

func TestServer_StatusAndDelay(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()

	if err := store.Rules().Upsert(ctx, storage.LimitRule{
		ID:         "rule-a",
		Cond:       []string{"*example.com*"},
		TimeMs:     1000,
		AllowDelay: true,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	date := time.Now().Format("2006-01-02")
	if err := store.Records().AddFocus(ctx, "rule-a", date, 1000); err != nil {
		t.Fatalf("AddFocus failed: %v", err)
	}

	w := doJSON(t, server, http.MethodGet, "/api/v1/status?url=https://example.com/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status failed: %d", w.Code)
	}
	var status struct {
		Rules []limit.RuleStatus `json:"rules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(status.Rules) != 1 || status.Rules[0].Daily != limit.StateLimited {
		t.Fatalf("expected limited daily state, got %+v", status.Rules)
	}

	w = doJSON(t, server, http.MethodPost, "/api/v1/delay", map[string]string{"url": "https://example.com/"})
	if w.Code != http.StatusOK {
		t.Fatalf("delay failed: %d %s", w.Code, w.Body.String())
	}
	var delay struct {
		Unlimited []storage.LimitRule `json:"unlimited"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &delay); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(delay.Unlimited) != 1 || delay.Unlimited[0].ID != "rule-a" {
		t.Fatalf("expected rule un-limited by the grant, got %v", delay.Unlimited)
	}
}

package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/buffer"
	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/storage"
)

type fakePlatform struct {
	activeTab     Tab
	focusedWindow int
	err           error
}

func (f *fakePlatform) ActiveTab(ctx context.Context) (Tab, error) {
	if f.err != nil {
		return Tab{}, f.err
	}
	return f.activeTab, nil
}

func (f *fakePlatform) WindowFocused(ctx context.Context, windowID int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return windowID == f.focusedWindow, nil
}

func (f *fakePlatform) ListTabs(ctx context.Context) ([]Tab, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []Tab{f.activeTab}, nil
}

func (f *fakePlatform) SendMessage(ctx context.Context, tabID int, message any) error {
	return f.err
}

type tickCollector struct {
	mu    sync.Mutex
	ticks []storage.Tick
}

func (c *tickCollector) sink(ctx context.Context, ticks []storage.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, ticks...)
	return nil
}

func (c *tickCollector) all() []storage.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.Tick(nil), c.ticks...)
}

func newTestCapture(platform Platform, whitelisted func(host, url string) bool) (*Capture, *tickCollector) {
	collector := &tickCollector{}
	buf := buffer.New(collector.sink, true, 0, zerolog.Nop())
	focus := NewFocusTracker(platform, zerolog.Nop())
	activation := NewActivationTracker(platform, zerolog.Nop())
	audio := NewAudioTracker(zerolog.Nop())
	if whitelisted == nil {
		whitelisted = func(string, string) bool { return false }
	}
	capture := NewCapture(focus, activation, audio, buf, whitelisted, zerolog.Nop())
	return capture, collector
}

func rangeEvent() event.Event {
	return event.Event{
		Type:     event.PageBlur,
		TabID:    1,
		WindowID: 10,
		Host:     "a.com",
		URL:      "https://a.com/",
		Start:    1000,
		End:      4000,
	}
}

func TestCapture_CountsFocusedActiveRange(t *testing.T) {
	platform := &fakePlatform{activeTab: Tab{ID: 1, WindowID: 10}, focusedWindow: 10}
	capture, collector := newTestCapture(platform, nil)

	capture.Handle(context.Background(), rangeEvent(), false)

	ticks := collector.all()
	if len(ticks) != 1 {
		t.Fatalf("expected one tick, got %v", ticks)
	}
	if ticks[0].Host != "a.com" || ticks[0].Start != 1000 || ticks[0].Duration != 3000 {
		t.Fatalf("unexpected tick: %+v", ticks[0])
	}
	if ticks[0].URL != "https://a.com/" {
		t.Fatalf("tick must carry the page URL, got %q", ticks[0].URL)
	}
}

func TestCapture_Gates(t *testing.T) {
	tests := []struct {
		name     string
		platform *fakePlatform
	}{
		{
			name:     "window not focused",
			platform: &fakePlatform{activeTab: Tab{ID: 1, WindowID: 10}, focusedWindow: 99},
		},
		{
			name:     "tab not active",
			platform: &fakePlatform{activeTab: Tab{ID: 2, WindowID: 10}, focusedWindow: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture, collector := newTestCapture(tt.platform, nil)
			capture.Handle(context.Background(), rangeEvent(), false)
			if got := collector.all(); len(got) != 0 {
				t.Fatalf("gated range must not count, got %v", got)
			}
		})
	}
}

func TestCapture_WhitelistedHostNeverCounts(t *testing.T) {
	platform := &fakePlatform{activeTab: Tab{ID: 1, WindowID: 10}, focusedWindow: 10}
	capture, collector := newTestCapture(platform, func(host, url string) bool {
		return host == "a.com"
	})

	capture.Handle(context.Background(), rangeEvent(), false)
	// Whitelist wins even for bypassing sources.
	capture.Handle(context.Background(), rangeEvent(), true)

	if got := collector.all(); len(got) != 0 {
		t.Fatalf("whitelisted host must not count, got %v", got)
	}
}

func TestCapture_BypassSkipsFocusGates(t *testing.T) {
	platform := &fakePlatform{activeTab: Tab{ID: 2, WindowID: 99}, focusedWindow: 99}
	capture, collector := newTestCapture(platform, nil)

	capture.Handle(context.Background(), rangeEvent(), true)

	if got := collector.all(); len(got) != 1 {
		t.Fatalf("bypass source should count without focus gates, got %v", got)
	}
}

func TestCapture_TransientQueryFailureIsNoSignal(t *testing.T) {
	platform := &fakePlatform{err: errors.New("tab no longer exists")}
	capture, collector := newTestCapture(platform, nil)

	capture.Handle(context.Background(), rangeEvent(), false)

	if got := collector.all(); len(got) != 0 {
		t.Fatalf("platform failure should drop the range silently, got %v", got)
	}
}

func TestCapture_IgnoresMalformedRanges(t *testing.T) {
	platform := &fakePlatform{activeTab: Tab{ID: 1, WindowID: 10}, focusedWindow: 10}
	capture, collector := newTestCapture(platform, nil)

	e := rangeEvent()
	e.End = e.Start // zero length
	capture.Handle(context.Background(), e, false)

	e = rangeEvent()
	e.Host = ""
	capture.Handle(context.Background(), e, false)

	if got := collector.all(); len(got) != 0 {
		t.Fatalf("malformed ranges must not count, got %v", got)
	}
}

func TestCapture_BusWiring(t *testing.T) {
	platform := &fakePlatform{activeTab: Tab{ID: 1, WindowID: 10}, focusedWindow: 10}
	capture, collector := newTestCapture(platform, nil)

	bus := event.NewBus(zerolog.Nop())
	capture.Register(bus)

	ctx := context.Background()
	bus.Publish(ctx, event.Event{Type: event.WindowFocusChanged, WindowID: 10})
	bus.Publish(ctx, event.Event{Type: event.TabActivated, TabID: 1})
	bus.Publish(ctx, rangeEvent())

	if got := collector.all(); len(got) != 1 {
		t.Fatalf("expected blur range counted through the bus, got %v", got)
	}

	// Focus moves away: subsequent ranges stop counting.
	bus.Publish(ctx, event.Event{Type: event.WindowFocusChanged, WindowID: 99})
	bus.Publish(ctx, rangeEvent())
	if got := collector.all(); len(got) != 1 {
		t.Fatalf("unfocused window range must not count, got %v", got)
	}
}

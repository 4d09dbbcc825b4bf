// Package platform mirrors the browser's tab and window state from the
// event stream the extension pushes, and queues outbound messages the
// extension retrieves on its next poll. It is the daemon-side
// implementation of the tracker.Platform capability: the extension is
// the source of truth, this package is its last-known snapshot.
package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/tracker"
)

var (
	ErrNoActiveTab   = errors.New("no active tab known")
	ErrNoFocusSignal = errors.New("window focus state unknown")
	ErrTabNotTracked = errors.New("tab is not tracked")
)

// Outbox messages beyond this are dropped oldest-first. The extension
// polls every few seconds, so the queue only grows when it is gone.
const maxOutbox = 256

// Envelope is one queued message addressed to a tab.
type Envelope struct {
	TabID   int `json:"tab_id"`
	Payload any `json:"payload"`
}

// Extension tracks browser state pushed over the event bus.
type Extension struct {
	logger zerolog.Logger

	mu            sync.Mutex
	tabs          map[int]tracker.Tab
	activeTab     int
	focusedWindow int
	focusKnown    bool
	outbox        []Envelope
}

func NewExtension(logger zerolog.Logger) *Extension {
	return &Extension{
		logger:    logger.With().Str("component", "platform").Logger(),
		tabs:      make(map[int]tracker.Tab),
		activeTab: -1,
	}
}

// Register subscribes the state mirror to the raw event stream. Call
// before other subscribers so they see an up-to-date snapshot.
func (p *Extension) Register(bus *event.Bus) {
	// A page gaining focus is as authoritative about the active tab as
	// an explicit activation, so both events share one handler.
	activate := func(ctx context.Context, e event.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		for id, tab := range p.tabs {
			tab.Active = id == e.TabID
			p.tabs[id] = tab
		}
		tab := p.tabs[e.TabID]
		tab.ID = e.TabID
		if e.WindowID != 0 {
			tab.WindowID = e.WindowID
		}
		if e.URL != "" {
			tab.URL = e.URL
			tab.Host = e.Host
		}
		tab.Active = true
		p.tabs[e.TabID] = tab
		p.activeTab = e.TabID
	}
	bus.Subscribe(event.TabActivated, activate)
	bus.Subscribe(event.PageFocus, activate)

	bus.Subscribe(event.TabUpdated, func(ctx context.Context, e event.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		tab := p.tabs[e.TabID]
		tab.ID = e.TabID
		if e.WindowID != 0 {
			tab.WindowID = e.WindowID
		}
		if e.URL != "" {
			tab.URL = e.URL
			tab.Host = e.Host
		}
		tab.Audible = e.Audible
		p.tabs[e.TabID] = tab
	})

	bus.Subscribe(event.TabRemoved, func(ctx context.Context, e event.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.tabs, e.TabID)
		if p.activeTab == e.TabID {
			p.activeTab = -1
		}
	})

	bus.Subscribe(event.WindowFocusChanged, func(ctx context.Context, e event.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.focusedWindow = e.WindowID
		p.focusKnown = true
	})
}

func (p *Extension) ActiveTab(ctx context.Context) (tracker.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeTab < 0 {
		return tracker.Tab{}, ErrNoActiveTab
	}
	tab, ok := p.tabs[p.activeTab]
	if !ok {
		return tracker.Tab{}, ErrNoActiveTab
	}
	return tab, nil
}

func (p *Extension) WindowFocused(ctx context.Context, windowID int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.focusKnown {
		return false, ErrNoFocusSignal
	}
	return p.focusedWindow == windowID, nil
}

func (p *Extension) ListTabs(ctx context.Context) ([]tracker.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tabs := make([]tracker.Tab, 0, len(p.tabs))
	for _, tab := range p.tabs {
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// SendMessage queues a message for a tab. Delivery happens when the
// extension polls the messages endpoint.
func (p *Extension) SendMessage(ctx context.Context, tabID int, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tabs[tabID]; !ok {
		return ErrTabNotTracked
	}
	p.outbox = append(p.outbox, Envelope{TabID: tabID, Payload: message})
	if len(p.outbox) > maxOutbox {
		dropped := len(p.outbox) - maxOutbox
		p.outbox = p.outbox[dropped:]
		p.logger.Warn().Int("dropped", dropped).Msg("Outbox overflow, dropping oldest messages")
	}
	return nil
}

// Drain returns all queued messages and clears the outbox.
func (p *Extension) Drain() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbox
	p.outbox = nil
	return out
}

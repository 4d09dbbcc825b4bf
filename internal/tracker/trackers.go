package tracker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// FocusTracker caches which window currently holds focus, refreshed by
// focus-change events, so accounting decisions avoid a platform
// round-trip. The cache is rebuilt from a platform query after a
// restart.
type FocusTracker struct {
	platform Platform
	logger   zerolog.Logger

	mu            sync.Mutex
	focusedWindow int
	known         bool
}

// NewFocusTracker creates a focus tracker.
func NewFocusTracker(platform Platform, logger zerolog.Logger) *FocusTracker {
	return &FocusTracker{
		platform: platform,
		logger:   logger.With().Str("component", "focus-tracker").Logger(),
	}
}

// HandleFocusChanged records a focus-change event. A focused window id
// below zero means no window has focus.
func (t *FocusTracker) HandleFocusChanged(windowID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focusedWindow = windowID
	t.known = true
}

// IsFocused reports whether windowID holds focus, querying the platform
// only when the cache is cold.
func (t *FocusTracker) IsFocused(ctx context.Context, windowID int) (bool, error) {
	t.mu.Lock()
	if t.known {
		focused := t.focusedWindow == windowID
		t.mu.Unlock()
		return focused, nil
	}
	t.mu.Unlock()

	focused, err := t.platform.WindowFocused(ctx, windowID)
	if err != nil {
		return false, err
	}
	if focused {
		t.HandleFocusChanged(windowID)
	}
	return focused, nil
}

// ActivationTracker caches which tab is currently active.
type ActivationTracker struct {
	platform Platform
	logger   zerolog.Logger

	mu        sync.Mutex
	activeTab int
	known     bool
}

// NewActivationTracker creates an activation tracker.
func NewActivationTracker(platform Platform, logger zerolog.Logger) *ActivationTracker {
	return &ActivationTracker{
		platform: platform,
		logger:   logger.With().Str("component", "activation-tracker").Logger(),
	}
}

// HandleActivated records a tab-activated event.
func (t *ActivationTracker) HandleActivated(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeTab = tabID
	t.known = true
}

// HandleRemoved invalidates the cache if the active tab closed.
func (t *ActivationTracker) HandleRemoved(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && t.activeTab == tabID {
		t.known = false
	}
}

// IsActive reports whether tabID is the active tab, querying the
// platform only when the cache is cold.
func (t *ActivationTracker) IsActive(ctx context.Context, tabID int) (bool, error) {
	t.mu.Lock()
	if t.known {
		active := t.activeTab == tabID
		t.mu.Unlock()
		return active, nil
	}
	t.mu.Unlock()

	tab, err := t.platform.ActiveTab(ctx)
	if err != nil {
		return false, err
	}
	t.HandleActivated(tab.ID)
	return tab.ID == tabID, nil
}

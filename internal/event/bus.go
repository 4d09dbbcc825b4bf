package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Type identifies a raw platform signal.
type Type string

const (
	TabActivated       Type = "tab_activated"
	TabUpdated         Type = "tab_updated"
	TabRemoved         Type = "tab_removed"
	WindowFocusChanged Type = "window_focus_changed"
	PageVisit          Type = "page_visit"
	PageFocus          Type = "page_focus"
	PageBlur           Type = "page_blur"
	PageUnload         Type = "page_unload"
)

// Event is one raw signal from the extension. Which fields are
// populated depends on the type: tab events carry TabID/WindowID, page
// events carry Host/URL and, for blur/unload, the focused range they
// are closing out.
type Event struct {
	Type     Type   `json:"type"`
	TabID    int    `json:"tab_id,omitempty"`
	WindowID int    `json:"window_id,omitempty"`
	Host     string `json:"host,omitempty"`
	URL      string `json:"url,omitempty"`
	Audible  bool   `json:"audible,omitempty"`
	Focused  bool   `json:"focused,omitempty"`
	Start    int64  `json:"start,omitempty"` // ms
	End      int64  `json:"end,omitempty"`   // ms
}

// Handler processes one event. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(ctx context.Context, e Event)

// Bus dispatches events to subscribers. Delivery is synchronous and in
// registration order, so events from one source are processed in
// arrival order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers an event to every handler registered for its type.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug().Str("type", string(e.Type)).Msg("Event with no subscribers")
		return
	}
	for _, h := range handlers {
		h(ctx, e)
	}
}

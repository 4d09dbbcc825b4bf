package tracker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/buffer"
	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
)

// Capture turns raw platform events into timeline ticks. Before a
// range counts, three gates apply: the owning window must be focused,
// the owning tab must be active, and the host must not be whitelisted.
// Sources without reliable focus knowledge (background audio, local
// files) bypass the first two gates and rely on their own polling.
type Capture struct {
	focus       *FocusTracker
	activation  *ActivationTracker
	audio       *AudioTracker
	buf         *buffer.Buffer
	whitelisted func(host, url string) bool
	logger      zerolog.Logger
}

// NewCapture creates the capture pipeline. whitelisted is consulted on
// every range; it must be cheap.
func NewCapture(focus *FocusTracker, activation *ActivationTracker, audio *AudioTracker, buf *buffer.Buffer, whitelisted func(host, url string) bool, logger zerolog.Logger) *Capture {
	c := &Capture{
		focus:       focus,
		activation:  activation,
		audio:       audio,
		buf:         buf,
		whitelisted: whitelisted,
		logger:      logger.With().Str("component", "capture").Logger(),
	}
	audio.OnSegment(c.handleAudioSegment)
	return c
}

// Register subscribes the capture pipeline to the event bus.
func (c *Capture) Register(bus *event.Bus) {
	bus.Subscribe(event.PageBlur, func(ctx context.Context, e event.Event) {
		c.Handle(ctx, e, false)
	})
	bus.Subscribe(event.PageUnload, func(ctx context.Context, e event.Event) {
		c.Handle(ctx, e, false)
	})
	bus.Subscribe(event.TabActivated, func(ctx context.Context, e event.Event) {
		c.activation.HandleActivated(e.TabID)
		c.audio.SetActiveTab(e.TabID)
	})
	bus.Subscribe(event.TabRemoved, func(ctx context.Context, e event.Event) {
		c.activation.HandleRemoved(e.TabID)
		c.audio.Stop(e.TabID)
	})
	bus.Subscribe(event.WindowFocusChanged, func(ctx context.Context, e event.Event) {
		c.focus.HandleFocusChanged(e.WindowID)
	})
	bus.Subscribe(event.TabUpdated, func(ctx context.Context, e event.Event) {
		if !e.Audible {
			c.audio.Stop(e.TabID)
			return
		}
		active, err := c.activation.IsActive(ctx, e.TabID)
		if err != nil {
			// Tab may already be gone; assume background.
			active = false
		}
		c.audio.Start(e.TabID, e.URL, e.Host, active)
	})
}

// Handle converts one closed range event into a buffered tick if it
// passes the gates. Transient platform-query failures are no signal,
// never an error.
func (c *Capture) Handle(ctx context.Context, e event.Event, bypass bool) {
	if e.Host == "" || e.End <= e.Start {
		return
	}

	if c.whitelisted(e.Host, e.URL) {
		metrics.EventsDiscarded.WithLabelValues("whitelisted").Inc()
		return
	}

	if !bypass {
		focused, err := c.focus.IsFocused(ctx, e.WindowID)
		if err != nil || !focused {
			metrics.EventsDiscarded.WithLabelValues("window_unfocused").Inc()
			return
		}
		active, err := c.activation.IsActive(ctx, e.TabID)
		if err != nil || !active {
			metrics.EventsDiscarded.WithLabelValues("tab_inactive").Inc()
			return
		}
	}

	c.buf.Add(ctx, storage.Tick{
		Host:     e.Host,
		Start:    e.Start,
		Duration: e.End - e.Start,
		URL:      e.URL,
	})
}

// handleAudioSegment converts a finalized background-audio segment into
// a tick, bypassing the focus/activation gates.
func (c *Capture) handleAudioSegment(seg AudioSegment) {
	c.Handle(context.Background(), event.Event{
		Type:  event.TabUpdated,
		TabID: seg.TabID,
		Host:  seg.Host,
		URL:   seg.URL,
		Start: seg.Start,
		End:   seg.Start + seg.Seconds*1000,
	}, true)
}

package tracker

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AudioSegment is one finalized slice of background-audio time.
// Duration is always positive.
type AudioSegment struct {
	URL     string
	TabID   int
	Host    string
	Start   int64 // ms
	Seconds int64
}

// audioState tracks one audible tab. Exists only while the tab plays
// audio.
type audioState struct {
	host      string
	url       string
	tabID     int
	lastCheck time.Time
	active    bool
}

// AudioTracker accounts audio time playing in background tabs. Active
// tab time is already counted by the normal capture path, so segments
// are recorded only while the tab was inactive. Local files get their
// own 1-second polling tick because the platform delivers no
// activity events for them.
type AudioTracker struct {
	logger    zerolog.Logger
	listeners []func(AudioSegment)

	mu     sync.Mutex
	states map[int]*audioState
	now    func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewAudioTracker creates an audio tracker.
func NewAudioTracker(logger zerolog.Logger) *AudioTracker {
	return &AudioTracker{
		logger:   logger.With().Str("component", "audio-tracker").Logger(),
		states:   make(map[int]*audioState),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// StartPolling begins the 1-second local-file polling loop.
func (a *AudioTracker) StartPolling() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Tick()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// StopPolling halts the polling loop.
func (a *AudioTracker) StopPolling() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

// OnSegment registers a listener for finalized segments.
func (a *AudioTracker) OnSegment(fn func(AudioSegment)) {
	a.listeners = append(a.listeners, fn)
}

// Start opens an audio state for a tab, replacing any prior state whose
// url changed. Starting an already-tracked unchanged tab is a no-op.
func (a *AudioTracker) Start(tabID int, url, host string, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if state, ok := a.states[tabID]; ok {
		if state.url == url {
			return
		}
		a.finalize(state, !state.active)
	}
	a.states[tabID] = &audioState{
		host:      host,
		url:       url,
		tabID:     tabID,
		lastCheck: a.now(),
		active:    active,
	}
}

// Stop finalizes and destroys a tab's audio state.
func (a *AudioTracker) Stop(tabID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[tabID]
	if !ok {
		return
	}
	a.finalize(state, !state.active)
	delete(a.states, tabID)
}

// ActivationChanged finalizes the segment that just ended and starts a
// new one under the tab's new activation. The ended segment is recorded
// only if the tab was inactive during it.
func (a *AudioTracker) ActivationChanged(tabID int, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.states[tabID]
	if !ok {
		return
	}
	a.finalize(state, !state.active)
	state.active = active
}

// SetActiveTab applies an activation change across every tracked tab:
// the newly-active tab's segment closes unrecorded, and the previously
// active tab's segment closes and starts counting as background.
func (a *AudioTracker) SetActiveTab(tabID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, state := range a.states {
		active := id == tabID
		if state.active == active {
			continue
		}
		a.finalize(state, !state.active)
		state.active = active
	}
}

// Tick finalizes and restarts the current segment for local-file tabs.
// Called on a fixed 1-second interval.
func (a *AudioTracker) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, state := range a.states {
		if !strings.HasPrefix(state.url, "file://") {
			continue
		}
		a.finalize(state, true)
	}
}

// finalize closes the open segment, emitting it when record is set, and
// resets the segment window. Zero-length segments are never emitted.
// Caller holds the lock.
func (a *AudioTracker) finalize(state *audioState, record bool) {
	now := a.now()
	seconds := int64(now.Sub(state.lastCheck).Seconds())
	start := state.lastCheck.UnixMilli()
	state.lastCheck = now

	if !record || seconds <= 0 {
		return
	}

	segment := AudioSegment{
		URL:     state.url,
		TabID:   state.tabID,
		Host:    state.host,
		Start:   start,
		Seconds: seconds,
	}
	for _, fn := range a.listeners {
		fn(segment)
	}
	a.logger.Debug().
		Str("host", state.host).
		Int("tab", state.tabID).
		Int64("seconds", seconds).
		Msg("Audio segment recorded")
}

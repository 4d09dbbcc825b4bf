package timeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
)

const (
	// sweepCooldown throttles the retention sweep: once a pass runs,
	// the next is at least this far away regardless of restarts.
	sweepCooldown = 24 * time.Hour

	// legacyRetentionDays is the short window kept for unmigrated
	// flat-store ticks.
	legacyRetentionDays = 3

	checkInterval = time.Hour
)

// Sweeper deletes timeline and limit records older than their retention
// windows. Runs are throttled through the persisted last-sweep
// timestamp so restarts never cause back-to-back passes.
type Sweeper struct {
	store           storage.Store
	tickRetention   int // days
	recordRetention int // days
	logger          zerolog.Logger
	stopChan        chan struct{}
	now             func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store storage.Store, tickRetentionDays, recordRetentionDays int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:           store,
		tickRetention:   tickRetentionDays,
		recordRetention: recordRetentionDays,
		logger:          logger.With().Str("component", "sweeper").Logger(),
		stopChan:        make(chan struct{}),
		now:             time.Now,
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Int("tick_retention_days", s.tickRetention).
		Int("record_retention_days", s.recordRetention).
		Msg("Retention sweeper started")
}

// Stop stops the background sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.logger.Info().Msg("Retention sweeper stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// One attempt at startup; the cooldown check inside Sweep decides
	// whether anything actually happens.
	s.sweepOnce()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
	}
}

// Sweep runs one retention pass if the cooldown has elapsed. It deletes
// expired ticks, expired per-day limit records, and legacy flat-store
// ticks older than the short legacy window.
func (s *Sweeper) Sweep(ctx context.Context) error {
	meta, err := s.store.Meta().Get(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		meta = &storage.Meta{}
	}

	now := s.now()
	if now.Sub(meta.LastSweep) < sweepCooldown {
		return nil
	}

	tickCutoff := now.AddDate(0, 0, -s.tickRetention).UnixMilli()
	ticksDeleted, err := s.store.Ticks().DeleteBefore(ctx, tickCutoff)
	if err != nil {
		return err
	}
	metrics.SweepDeletions.WithLabelValues("ticks").Add(float64(ticksDeleted))

	recordCutoff := now.AddDate(0, 0, -s.recordRetention).Format("2006-01-02")
	recordsDeleted, err := s.store.Records().DeleteBefore(ctx, recordCutoff)
	if err != nil {
		return err
	}
	metrics.SweepDeletions.WithLabelValues("records").Add(float64(recordsDeleted))

	legacyDeleted, err := s.sweepLegacy(ctx, now)
	if err != nil {
		return err
	}
	metrics.SweepDeletions.WithLabelValues("legacy").Add(float64(legacyDeleted))

	meta.LastSweep = now
	if err := s.store.Meta().Put(ctx, *meta); err != nil {
		return err
	}

	s.logger.Info().
		Int("ticks_deleted", ticksDeleted).
		Int("records_deleted", recordsDeleted).
		Int("legacy_deleted", legacyDeleted).
		Msg("Retention sweep complete")

	return nil
}

// sweepLegacy rewrites the legacy flat store keeping only ticks within
// the short legacy retention window.
func (s *Sweeper) sweepLegacy(ctx context.Context, now time.Time) (int, error) {
	snapshot, err := s.store.Legacy().Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	cutoff := now.AddDate(0, 0, -legacyRetentionDays).UnixMilli()
	deleted := 0
	kept := make(map[string][]storage.Tick, len(snapshot))
	for host, ticks := range snapshot {
		for _, tick := range ticks {
			if tick.Start < cutoff {
				deleted++
				continue
			}
			kept[host] = append(kept[host], tick)
		}
	}
	if deleted == 0 {
		return 0, nil
	}

	if err := s.store.Legacy().Clear(ctx); err != nil {
		return 0, err
	}
	for host, ticks := range kept {
		if err := s.store.Legacy().Append(ctx, host, ticks); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

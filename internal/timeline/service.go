package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
)

// DefaultMergeThresholdMs is how far past a stored tick's start an
// incoming tick may begin and still be coalesced into it.
const DefaultMergeThresholdMs = 1000

// BatchResult summarizes the fate of one saved batch. Accounted holds
// the incoming ticks that actually extended the timeline (inserted or
// merged); conflicted duplicates are excluded so downstream quota
// accounting counts each interval exactly once.
type BatchResult struct {
	Inserted   int
	Merged     int
	Conflicted int
	Accounted  []storage.Tick
}

// Service is the interval-merging timeline. Every batch is reconciled
// against the stored ticks per host so that duplicate reports from
// independent event sources never double count.
type Service struct {
	store     storage.Store
	threshold int64
	logger    zerolog.Logger
}

// NewService creates a timeline service. A non-positive threshold falls
// back to the default.
func NewService(store storage.Store, mergeThresholdMs int64, logger zerolog.Logger) *Service {
	if mergeThresholdMs <= 0 {
		mergeThresholdMs = DefaultMergeThresholdMs
	}
	return &Service{
		store:     store,
		threshold: mergeThresholdMs,
		logger:    logger.With().Str("component", "timeline").Logger(),
	}
}

// BatchSave reconciles a batch of incoming ticks against stored state.
// Per incoming tick, exactly one of three outcomes applies:
//
//   - conflict: its start lies inside an existing tick's [start, end)
//     interval; it is discarded as a duplicate report
//   - merge: its start is within the merge threshold of an existing
//     tick's start; the existing tick's span is extended to cover both
//   - insert: stored as a new tick
//
// Stored ticks are loaded once per host when that host first appears in
// the batch, then maintained in memory while the batch applies, so cost
// stays linear in existing+incoming rather than their product.
func (s *Service) BatchSave(ctx context.Context, ticks []storage.Tick) (BatchResult, error) {
	var res BatchResult
	if len(ticks) == 0 {
		return res, nil
	}

	started := time.Now()
	defer func() {
		metrics.BatchSaveDuration.Observe(time.Since(started).Seconds())
	}()

	tickStore := s.store.Ticks()
	snapshots := make(map[string][]storage.Tick)

	for _, tick := range ticks {
		if tick.Host == "" || tick.Duration <= 0 {
			continue
		}

		snap, ok := snapshots[tick.Host]
		if !ok {
			existing, err := tickStore.ListByHost(ctx, tick.Host)
			if err != nil {
				return res, err
			}
			snap = existing
			snapshots[tick.Host] = snap
		}

		// Index of the closest stored tick starting at or before the
		// incoming one. Stored ticks are non-overlapping, so it is the
		// only candidate for conflict or merge.
		pred := sort.Search(len(snap), func(i int) bool {
			return snap[i].Start > tick.Start
		}) - 1

		if pred >= 0 {
			existing := snap[pred]

			if tick.Start < existing.End() {
				res.Conflicted++
				metrics.TicksSaved.WithLabelValues("conflicted").Inc()
				continue
			}

			if tick.Start <= existing.Start+s.threshold {
				merged := existing
				if tick.End() > merged.End() {
					merged.Duration = tick.End() - merged.Start
				}
				if err := tickStore.Put(ctx, merged); err != nil {
					return res, err
				}
				snap[pred] = merged
				snapshots[tick.Host] = snap
				res.Merged++
				res.Accounted = append(res.Accounted, tick)
				metrics.TicksSaved.WithLabelValues("merged").Inc()
				continue
			}
		}

		if err := tickStore.Put(ctx, tick); err != nil {
			return res, err
		}
		snap = append(snap, storage.Tick{})
		copy(snap[pred+2:], snap[pred+1:])
		snap[pred+1] = tick
		snapshots[tick.Host] = snap
		res.Inserted++
		res.Accounted = append(res.Accounted, tick)
		metrics.TicksSaved.WithLabelValues("inserted").Inc()
	}

	s.logger.Debug().
		Int("inserted", res.Inserted).
		Int("merged", res.Merged).
		Int("conflicted", res.Conflicted).
		Msg("Timeline batch saved")

	return res, nil
}

// Select returns stored ticks matching the query.
func (s *Service) Select(ctx context.Context, q storage.TickQuery) ([]storage.Tick, error) {
	return s.store.Ticks().Select(ctx, q)
}

package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

// legacyStore is the flat pre-index tick log: one JSON list per host.
// It exists only so the upgrade migration can drain it.
type legacyStore struct {
	db *bbolt.DB
}

func (s *legacyStore) Snapshot(ctx context.Context) (map[string][]storage.Tick, error) {
	snapshot := make(map[string][]storage.Tick)
	return snapshot, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLegacy))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ticks []storage.Tick
			if err := unmarshal(v, &ticks); err != nil {
				return err
			}
			snapshot[string(k)] = ticks
			return nil
		})
	})
}

func (s *legacyStore) Append(ctx context.Context, host string, ticks []storage.Tick) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLegacy))
		if b == nil {
			return fmt.Errorf("legacy bucket missing")
		}
		var existing []storage.Tick
		if value := b.Get([]byte(host)); value != nil {
			if err := unmarshal(value, &existing); err != nil {
				return err
			}
		}
		existing = append(existing, ticks...)
		data, err := marshal(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(host), data)
	})
}

func (s *legacyStore) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := tx.DeleteBucket([]byte(bucketLegacy)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketLegacy))
		return err
	})
}

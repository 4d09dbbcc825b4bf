package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type recordStore struct {
	db *bbolt.DB
}

func (s *recordStore) Get(ctx context.Context, ruleID, date string) (*storage.LimitRecord, error) {
	return getValue[storage.LimitRecord](ctx, s.db, bucketRecords, recordKey(ruleID, date))
}

func (s *recordStore) AddFocus(ctx context.Context, ruleID, date string, ms int64) error {
	return s.mutate(ctx, ruleID, date, func(rec *storage.LimitRecord) {
		rec.FocusMs += ms
	})
}

func (s *recordStore) IncVisit(ctx context.Context, ruleID, date string) error {
	return s.mutate(ctx, ruleID, date, func(rec *storage.LimitRecord) {
		rec.Visits++
	})
}

func (s *recordStore) IncDelay(ctx context.Context, ruleID, date string) error {
	return s.mutate(ctx, ruleID, date, func(rec *storage.LimitRecord) {
		rec.DelayCount++
	})
}

// mutate read-modify-writes a record inside a single transaction,
// creating it lazily on the first accounted event of the day.
func (s *recordStore) mutate(ctx context.Context, ruleID, date string, apply func(*storage.LimitRecord)) error {
	key := recordKey(ruleID, date)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketRecords))
		if b == nil {
			return fmt.Errorf("limit records bucket missing")
		}
		var rec storage.LimitRecord
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &rec); err != nil {
				return err
			}
		} else {
			rec = storage.LimitRecord{RuleID: ruleID, Date: date}
		}
		apply(&rec)
		data, err := marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *recordStore) ListRange(ctx context.Context, ruleID, from, to string) ([]storage.LimitRecord, error) {
	all, err := listPrefix[storage.LimitRecord](ctx, s.db, bucketRecords, recordPrefix(ruleID))
	if err != nil {
		return nil, err
	}
	records := make([]storage.LimitRecord, 0, len(all))
	for _, rec := range all {
		if rec.Date >= from && rec.Date <= to {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *recordStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketRecords))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.LimitRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Date < cutoffDate {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
}

func recordKey(ruleID, date string) string {
	return fmt.Sprintf("%s/%s", ruleID, date)
}

func recordPrefix(ruleID string) string {
	return ruleID + "/"
}

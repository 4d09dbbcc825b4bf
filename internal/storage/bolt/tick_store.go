package bolt

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type tickStore struct {
	db *bbolt.DB
}

func (s *tickStore) ListByHost(ctx context.Context, host string) ([]storage.Tick, error) {
	return listPrefix[storage.Tick](ctx, s.db, bucketTicks, tickHostPrefix(host))
}

func (s *tickStore) Put(ctx context.Context, tick storage.Tick) error {
	data, err := marshal(tick)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ticks := tx.Bucket([]byte(bucketTicks))
		starts := tx.Bucket([]byte(bucketTickStarts))
		if ticks == nil || starts == nil {
			return fmt.Errorf("tick buckets missing")
		}
		if err := ticks.Put([]byte(tickKey(tick.Host, tick.Start)), data); err != nil {
			return err
		}
		return starts.Put([]byte(tickStartKey(tick.Host, tick.Start)), []byte{})
	})
}

func (s *tickStore) Delete(ctx context.Context, host string, start int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ticks := tx.Bucket([]byte(bucketTicks))
		starts := tx.Bucket([]byte(bucketTickStarts))
		if ticks == nil || starts == nil {
			return fmt.Errorf("tick buckets missing")
		}
		key := []byte(tickKey(host, start))
		if ticks.Get(key) == nil {
			return storage.ErrNotFound
		}
		if err := ticks.Delete(key); err != nil {
			return err
		}
		return starts.Delete([]byte(tickStartKey(host, start)))
	})
}

// Select serves the query from whichever index covers it best: the
// host-keyed primary bucket, the start index, or a full scan. The
// uncovered predicate leg is applied as a post-filter.
func (s *tickStore) Select(ctx context.Context, q storage.TickQuery) ([]storage.Tick, error) {
	if q.Host != "" {
		ticks, err := s.ListByHost(ctx, q.Host)
		if err != nil {
			return nil, err
		}
		return filterStart(ticks, q.Start), nil
	}
	if q.Start > 0 {
		return s.selectByStart(ctx, q.Start)
	}
	return listPrefix[storage.Tick](ctx, s.db, bucketTicks, "")
}

func (s *tickStore) selectByStart(ctx context.Context, lower int64) ([]storage.Tick, error) {
	ticks := make([]storage.Tick, 0)
	return ticks, s.db.View(func(tx *bbolt.Tx) error {
		starts := tx.Bucket([]byte(bucketTickStarts))
		primary := tx.Bucket([]byte(bucketTicks))
		if starts == nil || primary == nil {
			return nil
		}
		c := starts.Cursor()
		seek := []byte(fmt.Sprintf("%020d", lower))
		for k, _ := c.Seek(seek); k != nil; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			host, start, err := parseTickStartKey(k)
			if err != nil {
				continue
			}
			value := primary.Get([]byte(tickKey(host, start)))
			if value == nil {
				continue
			}
			var tick storage.Tick
			if err := unmarshal(value, &tick); err != nil {
				return err
			}
			ticks = append(ticks, tick)
		}
		return nil
	})
}

func (s *tickStore) DeleteBefore(ctx context.Context, cutoff int64) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		starts := tx.Bucket([]byte(bucketTickStarts))
		primary := tx.Bucket([]byte(bucketTicks))
		if starts == nil || primary == nil {
			return nil
		}
		limit := []byte(fmt.Sprintf("%020d", cutoff))
		c := starts.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			host, start, err := parseTickStartKey(k)
			if err != nil {
				continue
			}
			if err := primary.Delete([]byte(tickKey(host, start))); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
}

func filterStart(ticks []storage.Tick, lower int64) []storage.Tick {
	if lower <= 0 {
		return ticks
	}
	kept := ticks[:0]
	for _, t := range ticks {
		if t.Start >= lower {
			kept = append(kept, t)
		}
	}
	return kept
}

func tickKey(host string, start int64) string {
	return fmt.Sprintf("%s/%020d", host, start)
}

func tickHostPrefix(host string) string {
	return host + "/"
}

func tickStartKey(host string, start int64) string {
	return fmt.Sprintf("%020d/%s", start, host)
}

func parseTickStartKey(key []byte) (host string, start int64, err error) {
	parts := strings.SplitN(string(key), "/", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed tick start key: %q", key)
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed tick start key: %q", key)
	}
	return parts[1], start, nil
}

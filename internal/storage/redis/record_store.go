package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type recordStore struct {
	client *redis.Client
}

func (s *recordStore) Get(ctx context.Context, ruleID, date string) (*storage.LimitRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(ruleID, date)).Result()
	if err != nil {
		return nil, err
	}
	return parseLimitRecord(data)
}

func (s *recordStore) AddFocus(ctx context.Context, ruleID, date string, ms int64) error {
	return s.bump(ctx, ruleID, date, "focus_ms", ms)
}

func (s *recordStore) IncVisit(ctx context.Context, ruleID, date string) error {
	return s.bump(ctx, ruleID, date, "visits", 1)
}

func (s *recordStore) IncDelay(ctx context.Context, ruleID, date string) error {
	return s.bump(ctx, ruleID, date, "delay_count", 1)
}

func (s *recordStore) bump(ctx context.Context, ruleID, date, field string, amount int64) error {
	script := redis.NewScript(bumpRecordScript)

	keys := []string{recordKey(ruleID, date), recordRuleIndex(ruleID)}
	args := []interface{}{ruleID, date, field, amount}

	return script.Run(ctx, s.client, keys, args...).Err()
}

func (s *recordStore) ListRange(ctx context.Context, ruleID, from, to string) ([]storage.LimitRecord, error) {
	dates, err := s.client.SMembers(ctx, recordRuleIndex(ruleID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.LimitRecord, 0, len(dates))
	for _, date := range dates {
		if date < from || date > to {
			continue
		}
		rec, err := s.Get(ctx, ruleID, date)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func (s *recordStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted := 0

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "tw:record:*", 100).Result()
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			data, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				return deleted, err
			}
			rec, err := parseLimitRecord(data)
			if err != nil {
				continue
			}
			if rec.Date < cutoffDate {
				if err := s.client.Del(ctx, key).Err(); err != nil {
					return deleted, err
				}
				s.client.SRem(ctx, recordRuleIndex(rec.RuleID), rec.Date)
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

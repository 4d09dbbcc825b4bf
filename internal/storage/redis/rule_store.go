package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type ruleStore struct {
	client *redis.Client
}

func (s *ruleStore) Get(ctx context.Context, id string) (*storage.LimitRule, error) {
	data, err := s.client.Get(ctx, ruleKey(id)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rule storage.LimitRule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &rule, nil
}

func (s *ruleStore) List(ctx context.Context) ([]storage.LimitRule, error) {
	ids, err := s.client.SMembers(ctx, ruleIDSet).Result()
	if err != nil {
		return nil, err
	}

	rules := make([]storage.LimitRule, 0, len(ids))
	for _, id := range ids {
		rule, err := s.Get(ctx, id)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

func (s *ruleStore) ListEnabled(ctx context.Context) ([]storage.LimitRule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	rules := all[:0]
	for _, rule := range all {
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.LimitRule) error {
	if rule.ID == "" {
		return fmt.Errorf("limit rule id is required")
	}

	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ruleKey(rule.ID), data, 0)
	pipe.SAdd(ctx, ruleIDSet, rule.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *ruleStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, ruleKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, ruleIDSet, id).Err()
}

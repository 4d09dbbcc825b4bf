package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type ruleStore struct {
	db *bbolt.DB
}

func (s *ruleStore) Get(ctx context.Context, id string) (*storage.LimitRule, error) {
	return getValue[storage.LimitRule](ctx, s.db, bucketRules, id)
}

func (s *ruleStore) List(ctx context.Context) ([]storage.LimitRule, error) {
	return listPrefix[storage.LimitRule](ctx, s.db, bucketRules, "")
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
	return putValue(ctx, s.db, bucketRules, rule.ID, rule)
}

func (s *ruleStore) Delete(ctx context.Context, id string) error {
	return deleteValue(ctx, s.db, bucketRules, id)
}

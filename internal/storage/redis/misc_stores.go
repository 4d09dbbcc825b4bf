package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type whitelistStore struct {
	client *redis.Client
}

func (s *whitelistStore) List(ctx context.Context) ([]storage.WhitelistEntry, error) {
	ids, err := s.client.SMembers(ctx, whitelistIDSet).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]storage.WhitelistEntry, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, whitelistKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry storage.WhitelistEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal whitelist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *whitelistStore) Upsert(ctx context.Context, entry storage.WhitelistEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("whitelist entry id is required")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal whitelist entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, whitelistKey(entry.ID), data, 0)
	pipe.SAdd(ctx, whitelistIDSet, entry.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *whitelistStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, whitelistKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, whitelistIDSet, id).Err()
}

type metaStore struct {
	client *redis.Client
}

func (s *metaStore) Get(ctx context.Context) (*storage.Meta, error) {
	data, err := s.client.Get(ctx, metaHashKey).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var meta storage.Meta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &meta, nil
}

func (s *metaStore) Put(ctx context.Context, meta storage.Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return s.client.Set(ctx, metaHashKey, data, 0).Err()
}

type legacyStore struct {
	client *redis.Client
}

func (s *legacyStore) Snapshot(ctx context.Context) (map[string][]storage.Tick, error) {
	data, err := s.client.HGetAll(ctx, legacyHashKey).Result()
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string][]storage.Tick, len(data))
	for host, raw := range data {
		var ticks []storage.Tick
		if err := json.Unmarshal([]byte(raw), &ticks); err != nil {
			return nil, fmt.Errorf("unmarshal legacy ticks for %s: %w", host, err)
		}
		snapshot[host] = ticks
	}
	return snapshot, nil
}

func (s *legacyStore) Append(ctx context.Context, host string, ticks []storage.Tick) error {
	existing, err := s.client.HGet(ctx, legacyHashKey, host).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	var merged []storage.Tick
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return fmt.Errorf("unmarshal legacy ticks for %s: %w", host, err)
		}
	}
	merged = append(merged, ticks...)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal legacy ticks: %w", err)
	}
	return s.client.HSet(ctx, legacyHashKey, host, data).Err()
}

func (s *legacyStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, legacyHashKey).Err()
}

package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tabwatch/tabwatch/internal/storage"
)

type tickStore struct {
	client *redis.Client
}

func (s *tickStore) ListByHost(ctx context.Context, host string) ([]storage.Tick, error) {
	starts, err := s.client.ZRangeByScore(ctx, tickHostIndex(host), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	ticks := make([]storage.Tick, 0, len(starts))
	for _, raw := range starts {
		start, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		tick, err := s.get(ctx, host, start)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		ticks = append(ticks, *tick)
	}
	return ticks, nil
}

func (s *tickStore) get(ctx context.Context, host string, start int64) (*storage.Tick, error) {
	data, err := s.client.HGetAll(ctx, tickKey(host, start)).Result()
	if err != nil {
		return nil, err
	}
	return parseTick(data)
}

func (s *tickStore) Put(ctx context.Context, tick storage.Tick) error {
	script := redis.NewScript(putTickScript)

	keys := []string{
		tickKey(tick.Host, tick.Start),
		tickHostIndex(tick.Host),
		tickStartIndex,
	}
	args := []interface{}{tick.Host, tick.Start, tick.Duration, tick.URL}

	return script.Run(ctx, s.client, keys, args...).Err()
}

func (s *tickStore) Delete(ctx context.Context, host string, start int64) error {
	script := redis.NewScript(deleteTickScript)

	keys := []string{
		tickKey(host, start),
		tickHostIndex(host),
		tickStartIndex,
	}

	removed, err := script.Run(ctx, s.client, keys, host, start).Int()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *tickStore) Select(ctx context.Context, q storage.TickQuery) ([]storage.Tick, error) {
	if q.Host != "" {
		ticks, err := s.ListByHost(ctx, q.Host)
		if err != nil {
			return nil, err
		}
		if q.Start <= 0 {
			return ticks, nil
		}
		kept := ticks[:0]
		for _, t := range ticks {
			if t.Start >= q.Start {
				kept = append(kept, t)
			}
		}
		return kept, nil
	}
	return s.selectByStart(ctx, q.Start)
}

func (s *tickStore) selectByStart(ctx context.Context, lower int64) ([]storage.Tick, error) {
	min := "-inf"
	if lower > 0 {
		min = strconv.FormatInt(lower, 10)
	}
	members, err := s.client.ZRangeByScore(ctx, tickStartIndex, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	ticks := make([]storage.Tick, 0, len(members))
	for _, member := range members {
		host, start, err := splitIndexMember(member)
		if err != nil {
			continue
		}
		tick, err := s.get(ctx, host, start)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		ticks = append(ticks, *tick)
	}
	return ticks, nil
}

func (s *tickStore) DeleteBefore(ctx context.Context, cutoff int64) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, tickStartIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, member := range members {
		host, start, err := splitIndexMember(member)
		if err != nil {
			continue
		}
		if err := s.Delete(ctx, host, start); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// splitIndexMember parses a "{host}/{start}" start-index member.
func splitIndexMember(member string) (string, int64, error) {
	idx := strings.LastIndex(member, "/")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed tick index member: %q", member)
	}
	start, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed tick index member: %q", member)
	}
	return member[:idx], start, nil
}

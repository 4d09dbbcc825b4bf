package redis

import (
	"fmt"
	"strconv"

	"github.com/tabwatch/tabwatch/internal/storage"
)

// parseTick converts a Redis hash to a Tick.
func parseTick(data map[string]string) (*storage.Tick, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	start, err := strconv.ParseInt(data["start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start: %w", err)
	}

	duration, err := strconv.ParseInt(data["duration"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	return &storage.Tick{
		Host:     data["host"],
		Start:    start,
		Duration: duration,
		URL:      data["url"],
	}, nil
}

// parseLimitRecord converts a Redis hash to a LimitRecord.
func parseLimitRecord(data map[string]string) (*storage.LimitRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	focusMs, err := strconv.ParseInt(data["focus_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse focus_ms: %w", err)
	}

	visits, err := strconv.ParseInt(data["visits"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse visits: %w", err)
	}

	delayCount, err := strconv.ParseInt(data["delay_count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delay_count: %w", err)
	}

	return &storage.LimitRecord{
		RuleID:     data["rule_id"],
		Date:       data["date"],
		FocusMs:    focusMs,
		Visits:     visits,
		DelayCount: delayCount,
	}, nil
}

func tickKey(host string, start int64) string {
	return fmt.Sprintf("tw:tick:%s:%d", host, start)
}

func tickHostIndex(host string) string {
	return fmt.Sprintf("tw:ticks:host:%s", host)
}

const tickStartIndex = "tw:ticks:start"

func recordKey(ruleID, date string) string {
	return fmt.Sprintf("tw:record:%s:%s", ruleID, date)
}

func recordRuleIndex(ruleID string) string {
	return fmt.Sprintf("tw:records:rule:%s", ruleID)
}

func ruleKey(id string) string {
	return fmt.Sprintf("tw:rule:%s", id)
}

func whitelistKey(id string) string {
	return fmt.Sprintf("tw:whitelist:%s", id)
}

const (
	ruleIDSet      = "tw:rules"
	whitelistIDSet = "tw:whitelist:ids"
	metaHashKey    = "tw:meta"
	legacyHashKey  = "tw:legacy"
)

package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/tracker"
)

// Kind classifies a pushed message.
type Kind string

const (
	KindLimited          Kind = "limited"
	KindReminder         Kind = "reminder"
	KindRuleChanged      Kind = "rule_changed"
	KindWhitelistChanged Kind = "whitelist_changed"
)

// Message is what content scripts receive.
type Message struct {
	Kind     Kind   `json:"kind"`
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`
}

// Notifier pushes limit state and configuration changes to tabs.
// Delivery is best effort: a tab that closed mid-send is skipped.
type Notifier struct {
	platform tracker.Platform
	logger   zerolog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(platform tracker.Platform, logger zerolog.Logger) *Notifier {
	return &Notifier{
		platform: platform,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// NotifyLimited tells one tab a rule just hit its budget.
func (n *Notifier) NotifyLimited(ctx context.Context, tabID int, rule storage.LimitRule) {
	n.send(ctx, tabID, Message{Kind: KindLimited, RuleID: rule.ID, RuleName: rule.Name})
}

// NotifyReminder warns one tab a rule is close to its budget.
func (n *Notifier) NotifyReminder(ctx context.Context, tabID int, rule storage.LimitRule) {
	n.send(ctx, tabID, Message{Kind: KindReminder, RuleID: rule.ID, RuleName: rule.Name})
}

// BroadcastConfigChange tells every open tab that rules or whitelist
// entries changed so content scripts can re-sync.
func (n *Notifier) BroadcastConfigChange(ctx context.Context, kind Kind) {
	tabs, err := n.platform.ListTabs(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to list tabs for broadcast")
		return
	}
	for _, tab := range tabs {
		n.send(ctx, tab.ID, Message{Kind: kind})
	}
}

func (n *Notifier) send(ctx context.Context, tabID int, msg Message) {
	if err := n.platform.SendMessage(ctx, tabID, msg); err != nil {
		// Tab likely closed between listing and sending.
		n.logger.Debug().Err(err).Int("tab", tabID).Str("kind", string(msg.Kind)).Msg("Notification skipped")
		return
	}
	metrics.NotificationsSent.WithLabelValues(string(msg.Kind)).Inc()
}

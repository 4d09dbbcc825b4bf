package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/notify"
	"github.com/tabwatch/tabwatch/internal/platform"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/whitelist"
)

// handleEvents ingests a batch of raw extension events and publishes
// them on the bus in arrival order.
func (s *Server) handleEvents(c *gin.Context) {
	var events []event.Event
	if err := c.ShouldBindJSON(&events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event batch"})
		return
	}

	ctx := c.Request.Context()
	for _, e := range events {
		metrics.EventsReceived.WithLabelValues(string(e.Type)).Inc()
		s.deps.Bus.Publish(ctx, e)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(events)})
}

// handleMessages drains queued extension-bound messages. The extension
// polls this between event batches.
func (s *Server) handleMessages(c *gin.Context) {
	messages := []platform.Envelope{}
	if s.deps.Outbox != nil {
		if drained := s.deps.Outbox.Drain(); drained != nil {
			messages = drained
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// handleListTicks serves timeline queries with optional host and start
// lower-bound filters.
func (s *Server) handleListTicks(c *gin.Context) {
	query := storage.TickQuery{Host: c.Query("host")}
	if raw := c.Query("start"); raw != "" {
		start, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
			return
		}
		query.Start = start
	}

	ticks, err := s.deps.Timeline.Select(c.Request.Context(), query)
	if err != nil {
		s.logger.Error().Err(err).Msg("Tick query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticks": ticks})
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.deps.Store.Rules().List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Rule list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) handleUpsertRule(c *gin.Context) {
	var rule storage.LimitRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule"})
		return
	}
	if id := c.Param("id"); id != "" {
		rule.ID = id
	}
	if len(rule.Cond) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule needs at least one pattern"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		rule.CreatedAt = now
	} else if existing, err := s.deps.Store.Rules().Get(ctx, rule.ID); err == nil {
		if existing.Locked && !rule.Locked {
			c.JSON(http.StatusForbidden, gin.H{"error": "rule is locked"})
			return
		}
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := s.deps.Store.Rules().Upsert(ctx, rule); err != nil {
		s.logger.Error().Err(err).Msg("Rule upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}
	s.afterRuleChange(c)
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if existing, err := s.deps.Store.Rules().Get(ctx, id); err == nil && existing.Locked {
		c.JSON(http.StatusForbidden, gin.H{"error": "rule is locked"})
		return
	}

	if err := s.deps.Store.Rules().Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Rule delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	s.afterRuleChange(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListWhitelist(c *gin.Context) {
	entries, err := s.deps.Store.Whitelist().List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Whitelist list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": entries})
}

func (s *Server) handleUpsertWhitelist(c *gin.Context) {
	var entry storage.WhitelistEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid whitelist entry"})
		return
	}
	if err := whitelist.Validate(entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
		entry.CreatedAt = time.Now()
	}

	if err := s.deps.Store.Whitelist().Upsert(c.Request.Context(), entry); err != nil {
		s.logger.Error().Err(err).Msg("Whitelist upsert failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert failed"})
		return
	}
	s.afterWhitelistChange(c)
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

func (s *Server) handleDeleteWhitelist(c *gin.Context) {
	if err := s.deps.Store.Whitelist().Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Whitelist delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	s.afterWhitelistChange(c)
	c.Status(http.StatusNoContent)
}

// handleStatus reports the standing of every rule matching a url.
func (s *Server) handleStatus(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	statuses, err := s.deps.Engine.Status(c.Request.Context(), url)
	if err != nil {
		s.logger.Error().Err(err).Msg("Status query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": statuses})
}

// handleDelay grants extra time for limited rules matching a url.
func (s *Server) handleDelay(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	unlimited, err := s.deps.Engine.MoreMinutes(c.Request.Context(), req.URL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Delay grant failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delay failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlimited": unlimited})
}

func (s *Server) afterRuleChange(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.deps.Engine.ReloadRules(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Rule reload failed")
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.BroadcastConfigChange(ctx, notify.KindRuleChanged)
	}
}

func (s *Server) afterWhitelistChange(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.deps.Engine.ReloadWhitelist(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Whitelist reload failed")
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.BroadcastConfigChange(ctx, notify.KindWhitelistChanged)
	}
}

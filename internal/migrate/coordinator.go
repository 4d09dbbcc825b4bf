package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/timeline"
)

// indexedStoreMajor is the major version that introduced the indexed
// tick store. Installations upgrading from before it carry their data
// in the legacy flat store.
const indexedStoreMajor = 2

// defaultWhitelist is seeded once on install. Fixed ids make the
// seeding idempotent by construction.
var defaultWhitelist = []storage.WhitelistEntry{
	{ID: "seed-localhost", Kind: storage.WhitelistHost, Pattern: "localhost"},
	{ID: "seed-loopback", Kind: storage.WhitelistHost, Pattern: "127.0.0.1"},
	{ID: "seed-newtab", Kind: storage.WhitelistHost, Pattern: "newtab"},
}

// defaultRules is seeded disabled so a fresh install shows a worked
// example without enforcing anything.
var defaultRules = []storage.LimitRule{
	{
		ID:         "seed-example-video",
		Name:       "Example: video sites",
		Cond:       []string{"*youtube.com*", "*twitch.tv*"},
		TimeMs:     int64(time.Hour / time.Millisecond),
		AllowDelay: true,
		Enabled:    false,
	},
}

// Coordinator brings persisted state forward across installs and
// upgrades: it seeds defaults on first run and migrates the legacy flat
// store into the indexed timeline exactly once.
type Coordinator struct {
	store    storage.Store
	timeline *timeline.Service
	version  string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator creates a migration coordinator for the given current
// version.
func NewCoordinator(store storage.Store, tl *timeline.Service, version string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		timeline: tl,
		version:  version,
		logger:   logger.With().Str("component", "migrate").Logger(),
		now:      time.Now,
	}
}

// Run inspects installation metadata and performs whatever install or
// upgrade work is pending. Migration failures are logged, never fatal:
// the legacy store stays intact for a retry on the next start.
func (c *Coordinator) Run(ctx context.Context) error {
	meta, err := c.store.Meta().Get(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return c.onInstall(ctx)
	}

	if meta.Version == c.version {
		return nil
	}
	return c.onUpdate(ctx, meta)
}

func (c *Coordinator) onInstall(ctx context.Context) error {
	c.logger.Info().Str("version", c.version).Msg("Fresh install, seeding defaults")

	meta := &storage.Meta{
		InstalledAt: c.now(),
		Version:     c.version,
	}

	if err := c.seedWhitelist(ctx, meta); err != nil {
		return err
	}
	if err := c.seedRules(ctx, meta); err != nil {
		return err
	}
	return c.store.Meta().Put(ctx, *meta)
}

func (c *Coordinator) onUpdate(ctx context.Context, meta *storage.Meta) error {
	prev := meta.Version
	c.logger.Info().
		Str("previous_version", prev).
		Str("version", c.version).
		Msg("Version changed, checking migrations")

	// Seeders may have been added after the original install.
	if err := c.seedWhitelist(ctx, meta); err != nil {
		return err
	}
	if err := c.seedRules(ctx, meta); err != nil {
		return err
	}

	prevMajor, err := majorOf(prev)
	if err != nil {
		c.logger.Warn().Err(err).Str("previous_version", prev).Msg("Unparseable previous version, skipping migration")
		prevMajor = indexedStoreMajor
	}

	// Gate on the previous major version, not on store contents: a
	// half-filled indexed store must not suppress a retry.
	if prevMajor < indexedStoreMajor {
		if err := c.migrateLegacy(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Legacy migration failed, legacy store kept for retry")
			return nil
		}
	}

	meta.Version = c.version
	return c.store.Meta().Put(ctx, *meta)
}

// seedWhitelist adds the fixed default whitelist entries once.
func (c *Coordinator) seedWhitelist(ctx context.Context, meta *storage.Meta) error {
	if meta.Flag("seed_whitelist") {
		return nil
	}
	for _, entry := range defaultWhitelist {
		entry.CreatedAt = c.now()
		if err := c.store.Whitelist().Upsert(ctx, entry); err != nil {
			return err
		}
	}
	meta.SetFlag("seed_whitelist")
	c.logger.Info().Int("entries", len(defaultWhitelist)).Msg("Default whitelist seeded")
	return nil
}

// seedRules adds the fixed example rules once.
func (c *Coordinator) seedRules(ctx context.Context, meta *storage.Meta) error {
	if meta.Flag("seed_rules") {
		return nil
	}
	for _, rule := range defaultRules {
		rule.CreatedAt = c.now()
		rule.UpdatedAt = rule.CreatedAt
		if err := c.store.Rules().Upsert(ctx, rule); err != nil {
			return err
		}
	}
	meta.SetFlag("seed_rules")
	c.logger.Info().Int("rules", len(defaultRules)).Msg("Default rules seeded")
	return nil
}

// migrateLegacy copies every legacy flat-store tick into the indexed
// timeline, then clears the legacy store. The timeline's merge logic
// makes a replay after partial failure safe.
func (c *Coordinator) migrateLegacy(ctx context.Context) error {
	snapshot, err := c.store.Legacy().Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	total := 0
	for host, ticks := range snapshot {
		if _, err := c.timeline.BatchSave(ctx, ticks); err != nil {
			return fmt.Errorf("migrate host %s: %w", host, err)
		}
		total += len(ticks)
	}

	if err := c.store.Legacy().Clear(ctx); err != nil {
		return err
	}

	c.logger.Info().
		Int("hosts", len(snapshot)).
		Int("ticks", total).
		Msg("Legacy store migrated")
	return nil
}

// majorOf parses the major component of a semantic version string.
func majorOf(version string) (int, error) {
	version = strings.TrimPrefix(version, "v")
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", version)
	}
	return major, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tabwatch/tabwatch/internal/api"
	"github.com/tabwatch/tabwatch/internal/buffer"
	"github.com/tabwatch/tabwatch/internal/config"
	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/limit"
	"github.com/tabwatch/tabwatch/internal/metrics"
	"github.com/tabwatch/tabwatch/internal/migrate"
	"github.com/tabwatch/tabwatch/internal/notify"
	"github.com/tabwatch/tabwatch/internal/platform"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/storage/bolt"
	"github.com/tabwatch/tabwatch/internal/storage/redis"
	"github.com/tabwatch/tabwatch/internal/systemd"
	"github.com/tabwatch/tabwatch/internal/timeline"
	"github.com/tabwatch/tabwatch/internal/tracker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the TabWatch daemon",
	Long:  `Start the TabWatch daemon with the extension API, limit engine, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting TabWatch")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	ctx := context.Background()

	// Initialize Timeline Service
	timelineService := timeline.NewService(store, cfg.Tracking.MergeThresholdMs, logger)

	// Run install/update migration before anything reads the store
	coordinator := migrate.NewCoordinator(store, timelineService, version, logger)
	if err := coordinator.Run(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Initialize Limit Engine
	engine, err := limit.NewEngine(store, limit.Options{
		ReminderWindow: cfg.Limits.ReminderWindowDuration(),
		DelayGrant:     cfg.Limits.DelayGrantDuration(),
		WeekStart:      cfg.Limits.WeekStart,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Limit Engine: %w", err)
	}

	logger.Info().
		Int("week_start", cfg.Limits.WeekStart).
		Msg("Limit Engine initialized")

	// Browser state mirror, fed by the event stream
	ext := platform.NewExtension(logger)
	notifier := notify.NewNotifier(ext, logger)

	// Tick sink: persist the batch, then account the focus time and
	// push enforcement messages for any rules that tripped. Only ticks
	// the timeline accepted count toward quota; conflicted duplicates
	// were already accounted when their original report landed.
	sink := func(ctx context.Context, ticks []storage.Tick) error {
		result, err := timelineService.BatchSave(ctx, ticks)
		if err != nil {
			return err
		}
		logger.Debug().
			Int("inserted", result.Inserted).
			Int("merged", result.Merged).
			Int("conflicted", result.Conflicted).
			Msg("Tick batch saved")

		for _, tick := range result.Accounted {
			url := tick.URL
			if url == "" {
				url = hostURL(tick.Host)
			}
			eval, err := engine.AddFocusTime(ctx, tick.Host, url, tick.Duration)
			if err != nil {
				logger.Error().Err(err).Str("host", tick.Host).Msg("Focus accounting failed")
				continue
			}
			notifyTransitions(ctx, ext, notifier, eval, logger)
		}
		return nil
	}

	buf := buffer.New(sink, cfg.Tracking.WriteMode == "immediate", cfg.Tracking.Interval(), logger)
	buf.Start()

	logger.Info().
		Str("write_mode", cfg.Tracking.WriteMode).
		Dur("flush_interval", cfg.Tracking.Interval()).
		Msg("Tick buffer started")

	// Event bus wiring. The platform mirror registers first so later
	// subscribers see current tab state.
	bus := event.NewBus(logger)
	ext.Register(bus)

	focus := tracker.NewFocusTracker(ext, logger)
	activation := tracker.NewActivationTracker(ext, logger)
	audio := tracker.NewAudioTracker(logger)

	capture := tracker.NewCapture(focus, activation, audio, buf, func(host, url string) bool {
		return engine.Whitelisted(ctx, host, url)
	}, logger)
	capture.Register(bus)

	if cfg.Tracking.AudioTracking {
		audio.StartPolling()
		logger.Info().Msg("Audio tracking enabled")
	}

	// Visits count on navigation, independent of focus time
	bus.Subscribe(event.PageVisit, func(ctx context.Context, e event.Event) {
		if e.Host == "" {
			return
		}
		url := e.URL
		if url == "" {
			url = hostURL(e.Host)
		}
		eval, err := engine.IncVisit(ctx, e.Host, url)
		if err != nil {
			logger.Error().Err(err).Str("host", e.Host).Msg("Visit accounting failed")
			return
		}
		notifyTransitions(ctx, ext, notifier, eval, logger)
	})

	// Initialize Sweeper
	sweeper := timeline.NewSweeper(store, cfg.Tracking.RetentionDays, cfg.Limits.RecordRetentionDays, logger)
	sweeper.Start()

	logger.Info().
		Int("tick_retention_days", cfg.Tracking.RetentionDays).
		Int("record_retention_days", cfg.Limits.RecordRetentionDays).
		Msg("Sweeper started")

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.API.BindAddress, cfg.API.Port)
	apiServer := api.NewServer(apiAddr, api.Deps{
		Store:    store,
		Timeline: timelineService,
		Engine:   engine,
		Bus:      bus,
		Notifier: notifier,
		Outbox:   ext,
		Logger:   logger,
	})

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	logger.Info().
		Str("addr", apiAddr).
		Msg("API Server started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Log startup complete
	logger.Info().Msg("TabWatch startup complete")
	logger.Info().Msgf("Extension API: http://%s/api/v1", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading rules and whitelist...")
			if err := engine.ReloadRules(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to reload rules")
			}
			if err := engine.ReloadWhitelist(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to reload whitelist")
			}
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components. The buffer drains first so no captured time is
	// lost on the way down.
	buf.Stop()
	audio.StopPolling()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("TabWatch stopped")

	return nil
}

// notifyTransitions pushes enforcement messages for rules that changed
// state, addressed to the currently active tab.
func notifyTransitions(ctx context.Context, ext *platform.Extension, notifier *notify.Notifier, eval limit.Evaluation, logger zerolog.Logger) {
	if len(eval.Limited) == 0 && len(eval.Reminded) == 0 {
		return
	}

	tab, err := ext.ActiveTab(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("No active tab to notify")
		return
	}

	for _, rule := range eval.Limited {
		notifier.NotifyLimited(ctx, tab.ID, rule)
	}
	for _, rule := range eval.Reminded {
		notifier.NotifyReminder(ctx, tab.ID, rule)
	}
}

// hostURL builds the canonical URL form rule patterns match against
// when only a host is known.
func hostURL(host string) string {
	return "https://" + host + "/"
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

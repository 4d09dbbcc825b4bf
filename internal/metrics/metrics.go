package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Timeline metrics
	TicksSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_ticks_saved_total",
			Help: "Ticks persisted to the timeline, by outcome",
		},
		[]string{"outcome"}, // "inserted", "merged", "conflicted"
	)

	BatchSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabwatch_batch_save_duration_seconds",
			Help:    "Duration of timeline batch saves",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	SweepDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_sweep_deletions_total",
			Help: "Records removed by the retention sweeper",
		},
		[]string{"store"}, // "ticks", "records", "legacy"
	)

	// Buffer metrics
	BufferFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_buffer_flushes_total",
			Help: "Write buffer flushes, by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	BufferedTicks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabwatch_buffered_ticks",
			Help: "Ticks currently held in the write buffer",
		},
	)

	DroppedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabwatch_dropped_ticks_total",
			Help: "Ticks discarded because a buffer flush failed",
		},
	)

	// Limit engine metrics
	LimitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_limit_transitions_total",
			Help: "Rule state transitions observed by the limit engine",
		},
		[]string{"to"}, // "reminder", "limited"
	)

	DelayGrants = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabwatch_delay_grants_total",
			Help: "Extra-time grants issued for limited rules",
		},
	)

	// Event metrics
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_events_received_total",
			Help: "Raw platform events received, by type",
		},
		[]string{"type"},
	)

	EventsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_events_discarded_total",
			Help: "Platform events discarded before counting, by gate",
		},
		[]string{"gate"}, // "window_unfocused", "tab_inactive", "whitelisted"
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabwatch_notifications_sent_total",
			Help: "Notifications pushed to tabs, by kind",
		},
		[]string{"kind"}, // "limited", "reminder", "rule_changed"
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksSaved,
		BatchSaveDuration,
		SweepDeletions,
		BufferFlushes,
		BufferedTicks,
		DroppedTicks,
		LimitTransitions,
		DelayGrants,
		EventsReceived,
		EventsDiscarded,
		NotificationsSent,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}

package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tabwatch/tabwatch/internal/event"
	"github.com/tabwatch/tabwatch/internal/limit"
	"github.com/tabwatch/tabwatch/internal/notify"
	"github.com/tabwatch/tabwatch/internal/platform"
	"github.com/tabwatch/tabwatch/internal/storage"
	"github.com/tabwatch/tabwatch/internal/timeline"
)

// MessageOutbox hands out messages queued for the extension.
type MessageOutbox interface {
	Drain() []platform.Envelope
}

// Deps are the collaborators the API surfaces.
type Deps struct {
	Store    storage.Store
	Timeline *timeline.Service
	Engine   *limit.Engine
	Bus      *event.Bus
	Notifier *notify.Notifier
	Outbox   MessageOutbox
	Logger   zerolog.Logger
}

// Server is the local HTTP API the extension talks to: event ingest,
// timeline queries, and rule/whitelist management.
type Server struct {
	deps     Deps
	server   *http.Server
	router   *gin.Engine
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates the API server.
func NewServer(addr string, deps Deps) *Server {
	// Set Gin to release mode (suppress debug output)
	gin.SetMode(gin.ReleaseMode)

	// Create Gin router without default middleware (we use zerolog)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		router: router,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/events", s.handleEvents)
		v1.GET("/messages", s.handleMessages)
		v1.GET("/ticks", s.handleListTicks)

		v1.GET("/rules", s.handleListRules)
		v1.POST("/rules", s.handleUpsertRule)
		v1.PUT("/rules/:id", s.handleUpsertRule)
		v1.DELETE("/rules/:id", s.handleDeleteRule)

		v1.GET("/whitelist", s.handleListWhitelist)
		v1.POST("/whitelist", s.handleUpsertWhitelist)
		v1.DELETE("/whitelist/:id", s.handleDeleteWhitelist)

		v1.GET("/status", s.handleStatus)
		v1.POST("/delay", s.handleDelay)
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the API server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

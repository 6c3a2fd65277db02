package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/events"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/notifications"
	"github.com/agentdeck/agentdeck/repos"
	"github.com/agentdeck/agentdeck/terminal"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *config.Config

	// Components (owned by server)
	notifService    *notifications.Service
	aggregator      *events.Aggregator
	reposManager    *repos.Manager
	reposWatcher    *repos.Watcher
	terminalManager *terminal.Manager

	// When true, session status notifications are suppressed for
	// sessions a client is actively viewing. Written from settings
	// handlers and read on event listener goroutines.
	suppressViewed atomic.Bool

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (WebSocket, SSE) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized
func New() (*Server, error) {
	cfg := config.Get()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	s.suppressViewed.Store(true)

	// 1. Open database
	log.Info().Msg("initializing database")
	_ = db.GetDB()

	// 2. Load user settings and apply log level
	settings, err := db.LoadSettings()
	if err == nil && settings.Preferences.LogLevel != "" {
		log.SetLevel(settings.Preferences.LogLevel)
		log.Info().Str("level", settings.Preferences.LogLevel).Msg("log level set from settings")
	}

	// 3. Create notifications service
	log.Info().Msg("initializing notifications service")
	s.notifService = notifications.NewService()

	// 4. Create event aggregator
	log.Info().Msg("initializing event aggregator")
	agentURL := cfg.AgentServerURL
	gracePeriod := cfg.EventIdleGracePeriod
	if err == nil {
		if settings.Agent.ServerURL != "" {
			agentURL = settings.Agent.ServerURL
		}
		if settings.Agent.IdleGraceSecs > 0 {
			gracePeriod = time.Duration(settings.Agent.IdleGraceSecs) * time.Second
		}
		s.suppressViewed.Store(settings.Agent.SuppressViewed)
	}
	s.aggregator = events.New(events.Options{
		AgentURL:           agentURL,
		IdleGracePeriod:    gracePeriod,
		ReconnectBaseDelay: cfg.EventReconnectBase,
		ReconnectMaxDelay:  cfg.EventReconnectMax,
	})

	// 5. Create repos manager and watcher
	log.Info().Msg("initializing repos manager")
	s.reposManager, err = repos.NewManager()
	if err != nil {
		return nil, fmt.Errorf("failed to create repos manager: %w", err)
	}
	s.reposWatcher, err = repos.NewWatcher(s.reposManager.BaseDir())
	if err != nil {
		return nil, fmt.Errorf("failed to create repos watcher: %w", err)
	}

	// 6. Create terminal manager
	log.Info().Msg("initializing terminal manager")
	s.terminalManager = terminal.NewManager()

	// 7. Wire service connections
	s.connectServices()

	// 8. Setup HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// connectServices wires up event handlers between services
func (s *Server) connectServices() {
	// Aggregator → Notifications: surface session status changes in the UI,
	// unless the session is already on screen
	s.aggregator.OnEvent(func(directory string, event events.Event) {
		switch ev := event.(type) {
		case *events.SessionStatusEvent:
			if s.suppressViewed.Load() && s.aggregator.IsSessionBeingViewed(ev.SessionID) {
				return
			}
			s.notifService.NotifySessionStatus(directory, ev.SessionID, ev.Status)
		case *events.SessionIdleEvent:
			if s.suppressViewed.Load() && s.aggregator.IsSessionBeingViewed(ev.SessionID) {
				return
			}
			s.notifService.NotifySessionStatus(directory, ev.SessionID, events.StatusIdle)
		}
	})

	// Watcher → Notifications: workspace file changes refresh the UI
	s.reposWatcher.SetChangeHandler(func(path string) {
		s.notifService.NotifyWorkspaceChanged(path)
	})
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// CORS for development
	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip streaming endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/notifications/stream", // SSE - needs streaming
		"/api/events/stream",        // SSE - needs streaming
		"/api/events/ws",            // WebSocket - protocol upgrade
		"/api/terminal",             // WebSocket - protocol upgrade
	})))

	// Trust proxy headers
	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	// Note: API routes are set up by calling code (main.go)
	// to avoid import cycles
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:5173": true,
			"http://localhost:7777": true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Upload-Offset, Upload-Length, Upload-Metadata, Tus-Resumable, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Upload-Offset, Upload-Length, Location, Tus-Resumable")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// Start starts all background services and the HTTP server
func (s *Server) Start() error {
	log.Info().Msg("starting server components")

	s.reposWatcher.Start()

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	// Start HTTP server (blocks)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Cancel the shutdown context to signal all long-running handlers
	// (WebSocket, SSE). This lets them stop before the HTTP server closes.
	log.Info().Msg("signaling handlers to stop")
	s.shutdownCancel()

	// Give handlers a moment to process the cancellation and close connections.
	time.Sleep(100 * time.Millisecond)

	// 2. Close notification service to cleanly disconnect SSE clients
	s.notifService.Shutdown()

	// 3. Shutdown HTTP server (stop accepting new requests, wait for existing ones)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Stop background services (in reverse order of startup)
	s.aggregator.Shutdown()
	if err := s.terminalManager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("terminal manager shutdown error")
	}
	s.reposWatcher.Stop()

	// Close database last
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
		return err
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// SetSuppressViewed updates whether viewed sessions are exempt from notifications.
// Safe to call while event listeners are running.
func (s *Server) SetSuppressViewed(v bool) {
	s.suppressViewed.Store(v)
}

// Component accessors for API handlers
func (s *Server) Events() *events.Aggregator            { return s.aggregator }
func (s *Server) Notifications() *notifications.Service { return s.notifService }
func (s *Server) Repos() *repos.Manager                 { return s.reposManager }
func (s *Server) Terminal() *terminal.Manager           { return s.terminalManager }
func (s *Server) Router() *gin.Engine                   { return s.router }
func (s *Server) ShutdownContext() context.Context      { return s.shutdownCtx }

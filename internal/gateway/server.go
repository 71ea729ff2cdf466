// Package gateway is the process boundary of the download core: HTTP
// commands, transfer events and periodic progress reports pushed over a
// websocket.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/earthdata-download/edd/internal/api"
	"github.com/earthdata-download/edd/internal/config"
	"github.com/earthdata-download/edd/internal/credentials"
	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/progress"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/storage"
)

// Config contains gateway configuration
type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	CORSEnabled      bool
	AllowedOrigins   []string
	ProgressInterval time.Duration
	DefaultLocation  string
}

// ConfigFrom maps the application config onto the gateway
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ReadTimeout:      time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.Server.WriteTimeout) * time.Second,
		CORSEnabled:      cfg.Server.CORSEnabled,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ProgressInterval: time.Duration(cfg.Download.ProgressInterval) * time.Millisecond,
		DefaultLocation:  cfg.Download.DefaultLocation,
	}
}

// CookieResetter drops transfer cookies when the signed-in user changes
type CookieResetter interface {
	ResetCookies()
}

// Deps are the collaborators of the gateway. Hub must be the one whose
// Notifier was handed to the session.
type Deps struct {
	Hub         *Hub
	Session     *session.Session
	Aggregator  *progress.Aggregator
	Credentials *credentials.Manager
	Cookies     CookieResetter
	Links       Discoverer
	Classifier  *session.PatternClassifier
	Logger      *logger.Logger
}

// NewNotifier returns the session notifier that publishes prompts on hub
func NewNotifier(hub *Hub) session.Notifier {
	return hubNotifier{hub: hub}
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     Config

	hub         *Hub
	session     *session.Session
	store       storage.Store
	aggregator  *progress.Aggregator
	credentials *credentials.Manager
	classifier  *session.PatternClassifier
	discovery   *discovery
	reporter    *reporter
	log         *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the gateway around a session and installs its
// transfer listener
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Session == nil || deps.Hub == nil {
		return nil, fmt.Errorf("gateway needs a session and a hub")
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	if deps.Aggregator == nil {
		deps.Aggregator = progress.NewAggregator(deps.Session.Store())
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		hub:         deps.Hub,
		session:     deps.Session,
		store:       deps.Session.Store(),
		aggregator:  deps.Aggregator,
		credentials: deps.Credentials,
		classifier:  deps.Classifier,
		log:         deps.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	if deps.Links != nil {
		s.discovery = newDiscovery(deps.Links, deps.Session, deps.Logger)
	}
	s.reporter = newReporter(s.aggregator, s.hub, cfg.ProgressInterval, deps.Logger)

	deps.Session.SetListener(&transferListener{
		ctx:     context.Background(),
		session: deps.Session,
		hub:     deps.Hub,
		log:     deps.Logger,
	})
	if deps.Credentials != nil && deps.Cookies != nil {
		deps.Credentials.OnChange(func(string) { deps.Cookies.ResetCookies() })
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.LoggerMiddleware(s.log),
	)
	if s.config.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(s.config.AllowedOrigins))
	}
	s.engine.Use(api.ErrorHandler(s.log))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.engine.Group("/api")
	{
		r.GET("/info", s.handleInfo)
		r.GET("/events", s.hub.ServeWS)

		downloads := r.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.POST("", s.handleBeginDownload)
			downloads.DELETE("", s.handleDeleteAllDownloads)
			downloads.GET("/:id", s.handleGetDownload)
			downloads.DELETE("/:id", s.handleDeleteDownload)
			downloads.GET("/:id/files", s.handleListFiles)
			downloads.POST("/:id/pause", s.handlePause)
			downloads.POST("/:id/resume", s.handleResume)
			downloads.POST("/:id/cancel", s.handleCancel)
			downloads.POST("/:id/restart", s.handleRestart)
			downloads.POST("/:id/retry", s.handleRetry)
			downloads.POST("/:id/auth", s.handleCompleteAuth)
			downloads.POST("/:id/eula", s.handleAcceptEula)
		}

		history := r.Group("/history")
		{
			history.POST("/clear", s.handleClearHistory)
			history.POST("/undo", s.handleUndoClearHistory)
		}

		r.GET("/preferences", s.handleGetPreferences)
		r.PUT("/preferences", s.handleUpdatePreferences)

		r.GET("/token", s.handleGetToken)
		r.PUT("/token", s.handleSetToken)
		r.DELETE("/token", s.handleClearToken)
	}
}

// Engine exposes the router for tests and embedding
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the hub, the reporter and the HTTP listener
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	if err := s.reporter.start(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
		s.log.Info("HTTP server stopped")
	}()

	return nil
}

// Shutdown stops accepting commands, then stops the reporter, link
// discovery and the hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var firstErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("HTTP server shutdown failed")
			httpServer.Close()
			firstErr = err
		}
	}
	if err := s.reporter.stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.discovery != nil {
		if err := s.discovery.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.cancel()
	s.wg.Wait()
	return firstErr
}

// ResumeDiscovery restarts link discovery for open downloads that were
// still loading links when the process stopped
func (s *Server) ResumeDiscovery(ctx context.Context) error {
	if s.discovery == nil {
		return nil
	}
	downloads, err := s.store.ListDownloads(ctx, storage.DownloadFilter{
		States: []storage.DownloadState{
			storage.DownloadPending, storage.DownloadStarting, storage.DownloadActive,
			storage.DownloadPaused, storage.DownloadInterrupted,
			storage.DownloadWaitingForAuth, storage.DownloadWaitingForEula,
		},
		OrderAsc: true,
	})
	if err != nil {
		return err
	}

	resumed := 0
	for _, d := range downloads {
		if d.GetLinksURL == "" || !d.LoadingMoreFiles {
			continue
		}
		if err := s.session.BeginLinkDiscovery(ctx, d.ID); err != nil {
			return err
		}
		if s.discovery.start(d.ID, d.GetLinksURL, d.GetLinksToken) {
			resumed++
		}
	}
	if resumed > 0 {
		s.log.Infof("resumed link discovery for %d downloads", resumed)
	}
	return nil
}

// ApplyConfig applies the settings that can change while running
func (s *Server) ApplyConfig(cfg *config.Config) {
	if s.classifier != nil {
		s.classifier.SetPatterns(cfg.Download.AuthURLPatterns, cfg.Download.EulaURLPatterns)
	}
	s.mu.Lock()
	s.config.DefaultLocation = cfg.Download.DefaultLocation
	s.mu.Unlock()
	s.log.Info("applied reloaded configuration")
}

func (s *Server) defaultLocation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.DefaultLocation
}

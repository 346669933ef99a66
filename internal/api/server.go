package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/dispatcher"
	"github.com/songzhibin97/steward/internal/interstitial"
	"github.com/songzhibin97/steward/pkg/metrics"
)

const (
	// DefaultSelectTimeout bounds how long a dispatch request may sit in a
	// service's wait queue.
	DefaultSelectTimeout = 5 * time.Second

	maxSelectTimeout = 30 * time.Second
)

// Config configures the control-plane HTTP server.
type Config struct {
	RouterID      string
	Address       string
	SelectTimeout time.Duration

	Dispatcher     *dispatcher.Dispatcher
	Gate           *interstitial.Gate
	Descriptions   dispatcher.DescriptionSource
	MetricsHandler http.Handler // nil disables the scrape endpoint
	MetricsPath    string
	ClusterHandler http.Handler // websocket endpoint for peer routers' offers

	Logger *zap.Logger
	Sink   metrics.Sink
}

// Server exposes the router's control surface: dispatch, blacklist, offers,
// state queries, the interstitial holding page and metrics.
type Server struct {
	cfg    Config
	logger *zap.Logger
	sink   metrics.Sink
	engine *gin.Engine
	httpd  *http.Server
	bypass *bypassRegistry
}

// NewServer builds the server and registers all routes.
func NewServer(cfg Config) *Server {
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = DefaultSelectTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "api")),
		sink:   cfg.Sink,
		engine: gin.New(),
		bypass: newBypassRegistry(),
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	{
		services := v1.Group("/services/:service")
		{
			services.GET("/dispatch", s.interstitialMiddleware(), s.handleDispatch)
			services.POST("/release", s.handleRelease)
			services.POST("/blacklist", s.handleBlacklist)
			services.POST("/offer", s.handleOffer)
			services.GET("/state", s.handleServiceState)
		}
		v1.GET("/state", s.handleAllState)
		v1.GET("/interstitial", s.handleInterstitialState)
	}
	s.engine.GET("/waiting", s.handleWaitingPage)
	if s.cfg.ClusterHandler != nil {
		s.engine.GET("/cluster/offers", gin.WrapH(s.cfg.ClusterHandler))
	}
	if s.cfg.MetricsHandler != nil {
		s.engine.GET(s.cfg.MetricsPath, gin.WrapH(s.cfg.MetricsHandler))
	}
}

// Handler returns the underlying http handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpd = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Info("control api listening", zap.String("address", s.cfg.Address))
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

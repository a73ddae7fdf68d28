// Package server wires the tracker aggregate and its HTTP/WS surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/tracelab/surveytrace/internal/api/http"
	"github.com/tracelab/surveytrace/internal/api/middleware"
	"github.com/tracelab/surveytrace/internal/config"
	"github.com/tracelab/surveytrace/internal/enrich"
	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/logstore"
	"github.com/tracelab/surveytrace/internal/monitoring"
	"github.com/tracelab/surveytrace/internal/nav"
	"github.com/tracelab/surveytrace/internal/session"
	"github.com/tracelab/surveytrace/internal/storage"
	"github.com/tracelab/surveytrace/internal/tabs"
	"github.com/tracelab/surveytrace/internal/tracker"
	"github.com/tracelab/surveytrace/internal/uploader"
	"github.com/tracelab/surveytrace/internal/ws"
)

// Server wraps the HTTP server and the tracker it fronts.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	router  *gin.Engine
	tracker *tracker.Tracker
	up      *uploader.Uploader
	httpSrv *http.Server
	cancel  context.CancelFunc
}

// New builds the full aggregate from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	surveyHost, err := regexp.Compile(cfg.Survey.HostPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid survey host pattern: %w", err)
	}

	metrics := monitoring.NewDefault()
	store := storage.Open(cfg.Storage.Dir)

	sess, err := session.Load(store, cfg.Session.HeartbeatInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}

	logStore, err := logstore.Open(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load log state: %w", err)
	}

	tabMap := tabs.NewMap()
	classifier := nav.NewClassifier(sess, tabMap, surveyHost,
		cfg.Classifier.DedupTTL, cfg.Classifier.FocusThrottle)
	gateway := enrich.NewGateway(
		enrich.NewSERPExtractor(cfg.Enrich.Timeout),
		cfg.Enrich.Attempts, cfg.Enrich.Delay, cfg.Enrich.Enabled, logger)
	up := uploader.New(uploader.Config{
		Endpoint:  cfg.Collector.URL,
		Token:     cfg.Collector.Token,
		BatchSize: cfg.Collector.BatchSize,
		Timeout:   cfg.Collector.Timeout,
		Gzip:      cfg.Collector.Gzip,
	}, metrics, logger)

	trk := tracker.New(sess, tabMap, classifier, gateway, logStore, up, metrics, surveyHost, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		MaxAge:          12 * time.Hour,
	}))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(trk)
	wsHandler := ws.NewHandler(trk, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Control surface (in-page context reporter)
	router.POST("/control/start", handlers.Start)
	router.POST("/control/stop", handlers.Stop)
	router.POST("/control/context", handlers.ContextUpdate)
	router.POST("/control/survey-stop", handlers.SurveyStop)

	// Review surface
	router.GET("/logs", handlers.GetLogs)
	router.DELETE("/logs/:id", handlers.RemoveLog)

	// Signal ingestion
	router.POST("/signals", handlers.Signal)
	router.GET("/ws", wsHandler.HandleConnection)

	return &Server{
		cfg:     cfg,
		log:     logger,
		router:  router,
		tracker: trk,
		up:      up,
	}, nil
}

// Tracker exposes the aggregate, for tests.
func (s *Server) Tracker() *tracker.Tracker {
	return s.tracker
}

// Run starts the periodic flush loop and serves until the listener
// fails or Close is called.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.up.Run(ctx, s.cfg.Collector.FlushInterval)

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close flushes outstanding events and shuts the server down.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.up.Flush(ctx); err != nil {
		s.log.Warn("shutdown flush failed, events persist in the log", zap.Error(err))
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Package api exposes the engine over HTTP: evaluation, code generation,
// complexity scoring and override management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/cache"
	"github.com/quality-measure-engine/internal/config"
	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
)

// Server is the HTTP front end.
type Server struct {
	config   *config.Config
	router   *gin.Engine
	server   *http.Server
	log      *logrus.Logger
	services Services
}

// Services bundles the engine components the handlers call. ArtifactCache is
// optional; a nil cache disables invalidation on override writes. Measures is
// optional too: without it the registry endpoints answer 503 and measures
// travel inline on every request.
type Services struct {
	Evaluator     domain.Evaluator
	Compiler      domain.Compiler
	Scorer        domain.ComplexityScorer
	OverrideStore overrides.Store
	Lookup        domain.OverrideLookup
	ArtifactCache *cache.ArtifactCache
	Measures      domain.MeasureRepository
}

// NewServer creates the HTTP server with routes and middleware configured.
func NewServer(cfg *config.Config, services Services, logger *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(rateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))

	s := &Server{
		config:   cfg,
		router:   router,
		log:      logger,
		services: services,
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logrus.Fields{"addr": addr}).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/evaluate", s.handleEvaluate)
		v1.POST("/compile", s.handleCompile)
		v1.POST("/complexity", s.handleComplexity)

		v1.POST("/measures", s.handleSaveMeasure)
		v1.GET("/measures", s.handleListMeasures)
		v1.GET("/measures/:measureID", s.handleGetMeasure)
		v1.DELETE("/measures/:measureID", s.handleDeleteMeasure)
		v1.POST("/measures/:measureID/evaluate", s.handleEvaluateStored)
		v1.POST("/measures/:measureID/compile", s.handleCompileStored)

		v1.GET("/overrides/:measureID", s.handleListOverrides)
		v1.GET("/overrides/:measureID/:componentID/:format", s.handleGetOverride)
		v1.PUT("/overrides/:measureID/:componentID/:format", s.handleSaveOverride)
		v1.POST("/overrides/:measureID/:componentID/:format/lock", s.handleLockOverride)
		v1.DELETE("/overrides/:measureID/:componentID/:format", s.handleDeleteOverride)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

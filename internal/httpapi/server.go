// Package httpapi provides the HTTP API for researchd.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/docstore"
	"github.com/fyrsmithlabs/researchd/internal/extraction"
	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/vectorstore"
	"github.com/fyrsmithlabs/researchd/internal/websearch"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// CORSOrigin is the allowed origin for browser clients.
	// Default: "http://localhost:3000"
	CORSOrigin string
}

// Server provides the HTTP endpoints for researchd.
type Server struct {
	echo      *echo.Echo
	engine    *pipeline.Engine
	docs      *docstore.Store
	vec       vectorstore.Store
	providers *websearch.Registry
	extractor *extraction.Extractor
	logger    *zap.Logger
	config    Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(engine *pipeline.Engine, docs *docstore.Store, vec vectorstore.Store, providers *websearch.Registry, logger *zap.Logger, cfg Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "http://localhost:3000"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.CORSOrigin},
		AllowCredentials: true,
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		engine:    engine,
		docs:      docs,
		vec:       vec,
		providers: providers,
		extractor: extraction.NewExtractor(0),
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/v1/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/query", s.handleQuery)
	v1.POST("/query/stream", s.handleQueryStream)
	v1.POST("/search", s.handleSearch)
	v1.POST("/documents", s.handleUploadDocument)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.GET("/traces/:id", s.handleGetTrace)
}

// handleHealth returns the service health.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorBody builds the API error envelope.
func errorBody(code, message string, details map[string]any) map[string]any {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	return map[string]any{"error": body}
}

// Package api serves the metrics read API over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/model"
	"github.com/sh3r4rd/file_metrics/internal/query"
)

// Response headers set by the API.
const (
	QueryStatusHeader = "X-Query-Status"
	RequestIDHeader   = "X-Request-ID"
)

// maxRecentHours caps the recent-files window at the magnetic retention tier;
// older events are no longer stored.
const maxRecentHours = int(model.MagneticStoreRetention / time.Hour)

// Queries is the read side the handlers depend on.
type Queries interface {
	GetFileTypes(ctx context.Context) query.Result[model.FileTypeCount]
	GetRecentFiles(ctx context.Context, window time.Duration) query.Result[model.RecentFile]
}

// Config controls the HTTP surface.
type Config struct {
	Listen string

	// PropagateQueryErrors answers failed store queries with 503 instead of
	// an empty array.
	PropagateQueryErrors bool
	RecentWindow         time.Duration
	AllowedOrigins       []string
}

// Server wraps the gin router and its http.Server.
type Server struct {
	log     *zap.Logger
	queries Queries
	cfg     Config
	router  *gin.Engine
	server  *http.Server
}

// NewServer builds the router. /metrics exposes gatherer.
func NewServer(log *zap.Logger, queries Queries, cfg Config, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = model.DefaultRecentWindow
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(log))

	s := &Server{
		log:     log,
		queries: queries,
		cfg:     cfg,
		router:  router,
	}
	s.registerRoutes(gatherer)

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/file-types", s.handleFileTypes)
	s.router.GET("/api/recent-files", s.handleRecentFiles)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the router behind the CORS policy.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		ExposedHeaders: []string{QueryStatusHeader, RequestIDHeader},
	}).Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server starting", zap.String("listen", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, model.HealthResponse{Status: "healthy"})
}

func (s *Server) handleFileTypes(c *gin.Context) {
	respond(c, s.cfg.PropagateQueryErrors, s.queries.GetFileTypes(c.Request.Context()))
}

func (s *Server) handleRecentFiles(c *gin.Context) {
	window := s.cfg.RecentWindow
	if raw := c.Query("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > maxRecentHours {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{
				Error:   "invalid_parameter",
				Message: fmt.Sprintf("hours must be an integer between 1 and %d", maxRecentHours),
			})
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	respond(c, s.cfg.PropagateQueryErrors, s.queries.GetRecentFiles(c.Request.Context(), window))
}

// respond keeps the read path available: a failed query is an empty array
// unless propagate is set. The outcome is always in QueryStatusHeader.
func respond[T any](c *gin.Context, propagate bool, res query.Result[T]) {
	c.Header(QueryStatusHeader, string(res.Status))
	if res.Failed() && propagate {
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Error:   "query_failed",
			Message: "metrics store query failed",
		})
		return
	}
	c.JSON(http.StatusOK, res.Items)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

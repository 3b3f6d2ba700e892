// Package api exposes the land-cover pipeline as a JSON HTTP API for the
// dashboard front end. Every request belongs to a session identified by the
// X-Session-ID header; results are stored per session.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/pipeline"
	"github.com/rewired-gh/landview/internal/session"
)

// HeaderSessionID carries the session identifier in both directions
const HeaderSessionID = "X-Session-ID"

const sessionKey = "session_id"

// Options configures a Server
type Options struct {
	Pipeline          *pipeline.Pipeline
	Resolver          *aoi.Resolver
	Store             *session.Store
	Metrics           *metrics.Metrics
	DefaultArea       string
	DefaultClassifier models.ClassifierKind
	MaxUploadBytes    int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Server routes API requests to the pipeline
type Server struct {
	echo     *echo.Echo
	pipeline *pipeline.Pipeline
	resolver *aoi.Resolver
	store    *session.Store
	opts     Options
}

// New creates a server with every route registered
func New(opts Options) *Server {
	if opts.DefaultArea == "" {
		opts.DefaultArea = "gaul:Nyeri"
	}
	if opts.DefaultClassifier == "" {
		opts.DefaultClassifier = models.RandomForest
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout

	s := &Server{
		echo:     e,
		pipeline: opts.Pipeline,
		resolver: opts.Resolver,
		store:    opts.Store,
		opts:     opts,
	}
	e.HTTPErrorHandler = s.handleHTTPError

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(strconv.FormatInt(opts.MaxUploadBytes, 10) + "B"))
	e.Use(requestLogger())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.healthz)

	var registry *prometheus.Registry
	if s.opts.Metrics != nil {
		registry = s.opts.Metrics.Registry()
	}
	if registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1", s.sessionMiddleware)
	v1.GET("/eras", s.eras)
	v1.GET("/legend", s.legend)
	v1.GET("/areas", s.listAreas)
	v1.POST("/areas", s.uploadArea)
	v1.POST("/classify", s.classify)
	v1.GET("/stats", s.stats)
	v1.POST("/change", s.change)
	v1.POST("/series", s.series)
	v1.POST("/export", s.export)
	v1.GET("/session", s.getSession)
	v1.DELETE("/session", s.resetSession)
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on address until Shutdown is called
func (s *Server) Start(address string) error {
	logger.Info("API listening on %s", address)
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// sessionMiddleware assigns a session ID when the client sent none and
// echoes it back on every response
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(HeaderSessionID)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(sessionKey, id)
		c.Response().Header().Set(HeaderSessionID, id)
		return next(c)
	}
}

func sessionID(c echo.Context) string {
	id, _ := c.Get(sessionKey).(string)
	return id
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("%s %s %d %s", c.Request().Method, c.Request().URL.Path,
				c.Response().Status, time.Since(start).Round(time.Millisecond))
			return nil
		}
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

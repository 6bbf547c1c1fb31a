// Package api serves the host control API: per-profile plugin management,
// plugin commands, pending signature requests, lifecycle events and metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/walletplug/internal/plugin"
	"github.com/goatkit/walletplug/internal/profile"
)

// Server holds the collaborators the handlers need.
type Server struct {
	manager  *plugin.Manager
	profiles *profile.Repository
	signs    *SignQueue
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSignQueue exposes pending signing requests under /api/sign-requests.
func WithSignQueue(q *SignQueue) Option {
	return func(s *Server) {
		s.signs = q
	}
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the control API.
func NewServer(mgr *plugin.Manager, profiles *profile.Repository, opts ...Option) *Server {
	s := &Server{
		manager:  mgr,
		profiles: profiles,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	s.RegisterRoutes(r.Group("/api"))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "plugins": s.manager.Plugins().Len()})
	})
	return r
}

// RegisterRoutes mounts the API routes on g.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/profiles", s.HandleProfileList)
	g.POST("/profiles/:profile/activate", s.HandleProfileActivate)
	g.GET("/profiles/:profile/plugins", s.HandlePluginList)
	g.POST("/profiles/:profile/plugins/:name/enable", s.HandlePluginEnable)
	g.POST("/profiles/:profile/plugins/:name/disable", s.HandlePluginDisable)
	g.POST("/profiles/:profile/plugins/:name/run", s.HandlePluginRun)
	g.DELETE("/profiles/:profile/plugins/:name", s.HandlePluginRemove)

	g.GET("/plugins/:name/commands", s.HandlePluginCommands)
	g.POST("/plugins/:name/commands/:command", s.HandlePluginCommandExecute)
	g.POST("/plugins/:name/filters/:namespace/:hook", s.HandlePluginFilterApply)

	g.GET("/errors", s.HandleErrors)
	g.GET("/events", gin.WrapH(s.manager.Services().Lifecycle()))

	if s.signs != nil {
		g.GET("/sign-requests", s.HandleSignRequestList)
		g.POST("/sign-requests/:id", s.HandleSignRequestAnswer)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/config"
	"github.com/fabienpiette/speedlayer/internal/middleware"
	"github.com/fabienpiette/speedlayer/internal/server/handlers"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config    *config.Config
	container *services.Container
	router    *gin.Engine
	server    *http.Server
	logger    *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, container *services.Container) *HTTPServer {
	// Set Gin mode based on configuration
	switch cfg.Environment {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	logger := container.Logger()

	server := &HTTPServer{
		config:    cfg,
		container: container,
		router:    router,
		logger:    logger,
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes()

	// Create HTTP server
	server.server = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	return server
}

// Handler returns the configured router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *HTTPServer) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// setupMiddleware configures middleware
func (s *HTTPServer) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

// setupRoutes configures all API routes
func (s *HTTPServer) setupRoutes() {
	s.router.GET("/health", s.healthCheckHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.container.Registry(), promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := s.router.Group("/api/v1")

	cacheGroup := v1.Group("/cache")
	{
		cacheHandler := handlers.NewCacheHandler(s.container)
		cacheGroup.GET("/:key", cacheHandler.Get)
		cacheGroup.PUT("/:key", cacheHandler.Put)
		cacheGroup.DELETE("", cacheHandler.Invalidate)
	}

	indexGroup := v1.Group("/index")
	{
		indexHandler := handlers.NewIndexHandler(s.container)
		indexGroup.POST("/rebuild", indexHandler.Rebuild)
		indexGroup.POST("/:type/:id", indexHandler.IndexEntity)
		indexGroup.DELETE("/:type/:id", indexHandler.RemoveEntity)
	}

	searchHandler := handlers.NewSearchHandler(s.container)
	v1.GET("/search", searchHandler.Search)
	v1.POST("/search", searchHandler.SearchJSON)

	collectionHandler := handlers.NewCollectionHandler(s.container)
	v1.GET("/collections/:name", collectionHandler.List)

	systemHandler := handlers.NewSystemHandler(s.container)
	v1.GET("/analytics", systemHandler.GetAnalytics)
	v1.GET("/operations", systemHandler.GetOperations)
	v1.GET("/settings", systemHandler.GetSettings)
	v1.PUT("/settings", systemHandler.UpdateSettings)

	// WebSocket endpoint
	v1.GET("/ws/search", systemHandler.SearchStream)
}

// healthCheckHandler handles health check requests
func (s *HTTPServer) healthCheckHandler(c *gin.Context) {
	ctx := c.Request.Context()
	health := s.container.HealthCheck(ctx)

	status := http.StatusOK
	if health["status"] != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, health)
}

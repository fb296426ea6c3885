package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/application"
	"github.com/modelgate/modelgate/internal/domain/queue"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	"github.com/modelgate/modelgate/internal/infrastructure/cache"
	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	"github.com/modelgate/modelgate/internal/interfaces/http/handlers"
	"github.com/modelgate/modelgate/internal/interfaces/http/middleware"
)

// Config is the listener configuration.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Deps bundles everything the HTTP layer needs.
type Deps struct {
	Engine         *application.Engine
	Backend        *backend.Client
	Queues         *queue.Manager
	Caches         map[string]cache.Store
	Bus            eventbus.Bus
	MetricsHandler http.Handler
	ConfigView     func() any
	AllowList      []string
	ScanEmbeddings bool
}

// Server is the gateway's HTTP front: both inference API surfaces plus the
// admin surface on one listener.
type Server struct {
	server  *http.Server
	ingress *middleware.IngressFilter
	logger  *zap.Logger
}

// NewServer builds the router and handlers. Call Start to begin serving.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	ingress := middleware.NewIngressFilter(deps.AllowList, logger)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(ingress.Handler())

	ollamaHandler := handlers.NewOllamaHandler(deps.Engine, deps.Backend, deps.ScanEmbeddings, logger)
	openaiHandler := handlers.NewOpenAIHandler(deps.Engine, deps.Backend, deps.ScanEmbeddings, logger)
	adminHandler := handlers.NewAdminHandler(deps.Queues, deps.Caches, deps.Bus, deps.ConfigView, logger)

	setupRoutes(router, ollamaHandler, openaiHandler, adminHandler, deps.MetricsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server:  &http.Server{Addr: addr, Handler: router},
		ingress: ingress,
		logger:  logger,
	}
}

// SetAllowList swaps the ingress rules; used by config hot-reload.
func (s *Server) SetAllowList(allowList []string) {
	s.ingress.SetAllowList(allowList)
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func setupRoutes(router *gin.Engine, ollamaHandler *handlers.OllamaHandler, openaiHandler *handlers.OpenAIHandler, adminHandler *handlers.AdminHandler, metricsHandler http.Handler) {
	// Native Ollama API
	api := router.Group("/api")
	{
		api.POST("/generate", ollamaHandler.Generate)
		api.POST("/chat", ollamaHandler.Chat)
		api.POST("/embed", ollamaHandler.Embed)

		// Management endpoints relay to the backend untouched.
		api.GET("/tags", ollamaHandler.Passthrough)
		api.GET("/ps", ollamaHandler.Passthrough)
		api.GET("/version", ollamaHandler.Passthrough)
		api.POST("/show", ollamaHandler.Passthrough)
		api.POST("/pull", ollamaHandler.Passthrough)
		api.POST("/push", ollamaHandler.Passthrough)
		api.POST("/create", ollamaHandler.Passthrough)
		api.POST("/copy", ollamaHandler.Passthrough)
		api.DELETE("/delete", ollamaHandler.Passthrough)
	}

	// OpenAI-compatible API
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.POST("/completions", openaiHandler.Completions)
		oai.POST("/embeddings", openaiHandler.Embeddings)
		oai.GET("/models", openaiHandler.ListModels)
	}

	// Admin surface
	router.GET("/health", adminHandler.Health)
	router.GET("/config", adminHandler.Config)
	router.GET("/queue/stats", adminHandler.QueueStats)
	router.GET("/queue/memory", adminHandler.QueueMemory)
	admin := router.Group("/admin")
	{
		admin.POST("/queue/update", adminHandler.QueueUpdate)
		admin.POST("/queue/reset", adminHandler.QueueReset)
		admin.POST("/cache/clear", adminHandler.CacheClear)
	}
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
}

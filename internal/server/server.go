// Package server exposes the generation engine, the credit ledger and the
// retrieval store over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/aixgo-dev/genorch/pkg/config"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Generator starts and cancels sessions. *engine.Engine implements it.
type Generator interface {
	Start(ctx context.Context, req engine.Request) (*engine.Run, error)
	Cancel(sessionID string) bool
	Active() []string
}

// Deps are the components the routes serve. Store and Embedder are
// optional; without them the chunk routes answer 503.
type Deps struct {
	Engine   Generator
	Ledger   credits.Ledger
	Store    vectorstore.Store
	Embedder embeddings.EmbeddingService
	Health   *observability.HealthChecker
	Logger   *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the router. When cfg.MetricsAddr is set the health and
// metrics routes are left to a separate observability.Server.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Ledger == nil {
		return nil, errors.New("server: engine and ledger are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker("")
	}
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{deps: deps}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(deps.Logger))

	if cfg.MetricsAddr == "" {
		router.GET("/health", gin.WrapF(deps.Health.HealthHandler()))
		router.GET("/health/live", gin.WrapF(observability.LivenessHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadinessHandler()))
		router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	}

	v1 := router.Group("/v1")
	{
		gens := v1.Group("/generations")
		gens.POST("", s.createGeneration)
		gens.GET("", s.listGenerations)
		gens.DELETE("/:id", s.cancelGeneration)

		accounts := v1.Group("/accounts/:id")
		accounts.GET("/balance", s.getBalance)
		accounts.GET("/usage", s.getUsage)
		accounts.PUT("/plan", s.setPlan)
		accounts.POST("/replenish", s.replenish)

		chunks := v1.Group("/chunks")
		chunks.POST("", s.upsertChunks)
		chunks.GET("/count", s.countChunks)
		chunks.DELETE("/:id", s.deleteChunk)
		v1.POST("/search", s.search)
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		// No write timeout: generation streams outlive any fixed bound
		// and are capped by the session timeout instead.
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.deps.Logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

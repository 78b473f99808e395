package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/internal/toolset"
	"github.com/aixgo-dev/genorch/pkg/config"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/events"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/security"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"go.uber.org/zap"

	// Store backends register themselves.
	_ "github.com/aixgo-dev/genorch/pkg/vectorstore/firestore"
	_ "github.com/aixgo-dev/genorch/pkg/vectorstore/memory"
)

// app is the set of components built from one configuration.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	ledger   credits.Ledger
	store    vectorstore.Store
	embedder embeddings.EmbeddingService
	executor *sandbox.ProcessExecutor
	engine   *engine.Engine
	health   *observability.HealthChecker

	closers []io.Closer
}

// newLedger opens the configured ledger backend and registers its health
// check when it is remote.
func newLedger(cfg config.LedgerConfig, health *observability.HealthChecker) (credits.Ledger, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.LedgerRedis:
		l, err := credits.NewRedisLedger(credits.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, opts)
		if err != nil {
			return nil, err
		}
		if health != nil {
			health.RegisterCheck(observability.LedgerCheck(l.Ping))
		}
		return l, nil
	case config.LedgerPostgres:
		l, err := credits.NewPostgresLedger(cfg.PostgresURL, opts)
		if err != nil {
			return nil, err
		}
		if health != nil {
			health.RegisterCheck(observability.LedgerCheck(l.Ping))
		}
		return l, nil
	default:
		return credits.NewMemoryLedger(opts), nil
	}
}

func newCalculator(pricing []cost.ModelPricing) *cost.Calculator {
	calc := cost.NewCalculator()
	for i := range pricing {
		p := pricing[i]
		calc.AddPricing(&p)
	}
	return calc
}

// newToolLimits builds the per-tool limits. Unless configured otherwise,
// execute_code waits for the longest job the sandbox allows so the sandbox
// reports its own timeout.
func newToolLimits(cfg config.RateLimitConfig, sb config.SandboxConfig) (*security.ToolRateLimiter, *security.TimeoutManager) {
	limiter := security.NewToolRateLimiter()
	timeouts := security.NewTimeoutManager(cfg.ToolTimeout)
	if sb.Enabled && cfg.ToolTimeout > 0 {
		timeouts.SetToolTimeout(toolset.ExecuteCodeTool, max(cfg.ToolTimeout, sb.CallTimeout()))
	}
	for name, tl := range cfg.Tools {
		if tl.RequestsPerSecond > 0 {
			limiter.SetToolLimit(name, tl.RequestsPerSecond, tl.Burst)
		}
		if tl.Timeout > 0 {
			timeouts.SetToolTimeout(name, tl.Timeout)
		}
	}
	return limiter, timeouts
}

// buildApp wires every component. The caller must Close the result.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, health: observability.NewHealthChecker(version)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	if a.ledger, err = newLedger(cfg.Ledger, a.health); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	a.closers = append(a.closers, a.ledger)

	if a.embedder, err = embeddings.New(cfg.Embeddings); err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	a.closers = append(a.closers, a.embedder)
	if a.store, err = vectorstore.New(ctx, cfg.VectorStore); err != nil {
		return nil, fmt.Errorf("vectorstore: %w", err)
	}
	a.closers = append(a.closers, a.store)

	deps := toolset.Deps{Store: a.store, Embedder: a.embedder}
	if cfg.Sandbox.Enabled {
		a.executor = sandbox.NewProcessExecutor(cfg.Sandbox.Config, logger.Named("sandbox"))
		a.closers = append(a.closers, a.executor)
		deps.Executor = sandbox.Retrying(a.executor, cfg.Sandbox.Retries)
	}
	registry := tools.NewRegistry(logger.Named("tools"))
	if err = toolset.Register(registry, deps); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	calc := newCalculator(cfg.Pricing)
	p, err := provider.New(ctx, cfg.Provider.Name, cfg.Provider.Config)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Stream:        cfg.Events.Stream,
		}, logger.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		a.closers = append(a.closers, nats)
		a.health.RegisterCheck(observability.ExternalServiceCheck("nats", nats.Ping))
		publisher = nats
	}

	toolLimiter, toolTimeouts := newToolLimits(cfg.RateLimit, cfg.Sandbox)
	engineCfg := cfg.Engine
	engineCfg.Model = cfg.Model()

	engineDeps := engine.Deps{
		Ledger:       a.ledger,
		Provider:     provider.NewInstrumentedProvider(p, calc),
		Tools:        registry,
		Store:        a.store,
		Embedder:     a.embedder,
		Calculator:   calc,
		ToolLimiter:  toolLimiter,
		ToolTimeouts: toolTimeouts,
		Publisher:    publisher,
		Logger:       logger.Named("engine"),
	}
	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		engineDeps.Limiter = security.NewRateLimiter(rl.RequestsPerSecond, rl.Burst, rl.GlobalPerSecond)
	}
	if a.engine, err = engine.New(engineCfg, engineDeps); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return a, nil
}

// Close drains the engine and then closes components in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

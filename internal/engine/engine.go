// Package engine orchestrates generation sessions: it admits a request
// against the credit ledger, retrieves context, loops model turns through
// the tool registry and reconciles the ledger on every terminal path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/events"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher runs tool calls. *tools.Registry implements it.
type Dispatcher interface {
	Specs() []tools.Spec
	Dispatch(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Limiter admits requests per user.
type Limiter interface {
	Allow(userID string) bool
}

// ToolLimiter throttles calls per tool name.
type ToolLimiter interface {
	Wait(ctx context.Context, tool string) error
}

// ToolTimeouts bounds a single tool call.
type ToolTimeouts interface {
	WithTimeout(ctx context.Context, tool string) (context.Context, context.CancelFunc)
}

// Deps are the engine's collaborators. Ledger and Provider are required.
// Retrieval runs only when both Store and Embedder are set.
type Deps struct {
	Ledger     credits.Ledger
	Provider   provider.Provider
	Tools      Dispatcher
	Store      vectorstore.Store
	Embedder   embeddings.EmbeddingService
	Calculator *cost.Calculator

	Limiter      Limiter
	ToolLimiter  ToolLimiter
	ToolTimeouts ToolTimeouts
	Publisher    events.Publisher
	Logger       *zap.Logger
}

// Engine runs generation sessions. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	deps     Deps
	provider provider.Provider
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New validates cfg and wires deps. The provider is wrapped with
// pre-first-event retry.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("engine: ledger is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("engine: provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(deps.Logger)
	}
	if deps.Calculator == nil {
		deps.Calculator = cost.DefaultCalculator
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	cfg = cfg.withDefaults()
	p := provider.WithRetry(deps.Provider, cfg.ProviderRetries, deps.Logger)
	p.SetWait(cfg.RetryWait)

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		provider: p,
		logger:   deps.Logger,
		sessions: make(map[string]*session),
	}, nil
}

// Run is a handle on an in-flight session.
type Run struct {
	SessionID string

	events  chan Event
	done    chan struct{}
	outcome Outcome
}

// Events yields the session's events in order. The channel is closed
// after the terminal event.
func (r *Run) Events() <-chan Event { return r.events }

// Wait blocks until the session ends and returns its outcome. Events not
// yet received are discarded.
func (r *Run) Wait() Outcome {
	for range r.events {
	}
	<-r.done
	return r.outcome
}

// Start admits req and runs the session on its own goroutine. The
// session is cancelled when ctx is.
func (e *Engine) Start(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	sctx, cancel := context.WithCancelCause(ctx)
	sctx, stop := context.WithTimeoutCause(sctx, e.cfg.SessionTimeout, errDeadline)

	run := &Run{
		SessionID: req.SessionID,
		events:    make(chan Event, e.cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	s := newSession(e, sctx, cancel, req, run.events)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stop()
		cancel(ErrClosed)
		return nil, ErrClosed
	}
	if _, exists := e.sessions[req.SessionID]; exists {
		e.mu.Unlock()
		stop()
		cancel(ErrSessionExists)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	e.sessions[req.SessionID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	observability.SessionStarted()
	go func() {
		defer e.wg.Done()
		defer close(run.done)
		defer stop()
		run.outcome = s.run()

		e.mu.Lock()
		delete(e.sessions, req.SessionID)
		e.mu.Unlock()
		observability.SessionEnded()
	}()
	return run, nil
}

// Generate runs req to completion, passing every event to fn on the
// calling goroutine. Requests that cannot start yield a failed outcome
// and a single failed event.
func (e *Engine) Generate(ctx context.Context, req Request, fn func(Event)) Outcome {
	if fn == nil {
		fn = func(Event) {}
	}
	run, err := e.Start(ctx, req)
	if err != nil {
		out := rejected(req, err)
		fn(Event{Kind: EventFailed, SessionID: req.SessionID, At: time.Now().UTC(), Outcome: &out})
		return out
	}
	for ev := range run.Events() {
		fn(ev)
	}
	return run.Wait()
}

func rejected(req Request, err error) Outcome {
	kind := KindInternal
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSessionExists):
		kind = KindInvalidRequest
	}
	return Outcome{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		State:     StateFailed,
		Kind:      kind,
		Message:   err.Error(),
	}
}

// Cancel cancels an in-flight session. It reports whether the session
// was found.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if ok {
		s.cancel(errCancelRequested)
	}
	return ok
}

// Active returns the ids of in-flight sessions, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close rejects new sessions, cancels running ones and waits for them to
// reconcile, or for ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.sessions {
		s.cancel(errShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

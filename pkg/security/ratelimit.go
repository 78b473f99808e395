// Package security holds the admission throttles applied in front of the
// engine: per-user request limits, per-tool call limits and per-tool
// timeouts.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-user rate limiting with an optional global cap.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.Mutex

	// Configuration
	requestsPerSecond float64
	burst             int
	idleTTL           time.Duration
	now               func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter admitting requestsPerSecond per user
// with the given burst. globalPerSecond <= 0 disables the global cap.
func NewRateLimiter(requestsPerSecond float64, burst int, globalPerSecond float64) *RateLimiter {
	rl := &RateLimiter{
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		idleTTL:           10 * time.Minute,
		now:               time.Now,
	}
	if globalPerSecond > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(globalPerSecond), max(1, int(globalPerSecond)))
	}
	return rl
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.getClientLimiter(clientID).Allow() {
		return false
	}
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	return true
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.getClientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	if rl.globalLimiter != nil {
		if err := rl.globalLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit: %w", err)
		}
	}
	return nil
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, ok := rl.clientLimiters[clientID]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst),
		lastSeen: now,
	}
	rl.clientLimiters[clientID] = cl
	return cl.limiter
}

// Prune drops limiters idle for longer than the idle TTL and returns how
// many were removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clientLimiters)
}

// ToolRateLimiter provides per-tool rate limiting
type ToolRateLimiter struct {
	toolLimiters map[string]*rate.Limiter
	mu           sync.RWMutex
}

// NewToolRateLimiter creates a new tool-specific rate limiter
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{
		toolLimiters: make(map[string]*rate.Limiter),
	}
}

// SetToolLimit configures rate limit for a specific tool
func (trl *ToolRateLimiter) SetToolLimit(toolName string, requestsPerSecond float64, burst int) {
	trl.mu.Lock()
	defer trl.mu.Unlock()
	trl.toolLimiters[toolName] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow checks if a tool execution should be allowed
func (trl *ToolRateLimiter) Allow(toolName string) bool {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return true // No limit set for this tool
	}

	return limiter.Allow()
}

// Wait blocks until a tool execution can proceed
func (trl *ToolRateLimiter) Wait(ctx context.Context, toolName string) error {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return nil // No limit set for this tool
	}

	return limiter.Wait(ctx)
}

// TimeoutManager manages execution timeouts
type TimeoutManager struct {
	defaultTimeout time.Duration
	toolTimeouts   map[string]time.Duration
	mu             sync.RWMutex
}

// NewTimeoutManager creates a new timeout manager. A zero default means
// tools without an explicit timeout are not bounded.
func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	return &TimeoutManager{
		defaultTimeout: defaultTimeout,
		toolTimeouts:   make(map[string]time.Duration),
	}
}

// SetToolTimeout sets a specific timeout for a tool
func (tm *TimeoutManager) SetToolTimeout(toolName string, timeout time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.toolTimeouts[toolName] = timeout
}

// GetTimeout returns the timeout for a specific tool
func (tm *TimeoutManager) GetTimeout(toolName string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if timeout, exists := tm.toolTimeouts[toolName]; exists {
		return timeout
	}

	return tm.defaultTimeout
}

// WithTimeout creates a context with the appropriate timeout for a tool
func (tm *TimeoutManager) WithTimeout(ctx context.Context, toolName string) (context.Context, context.CancelFunc) {
	timeout := tm.GetTimeout(toolName)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

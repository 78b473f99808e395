package security

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2, 0)

	assert.True(t, limiter.Allow("u1"), "first request should be allowed")
	assert.True(t, limiter.Allow("u1"), "second request should be allowed")
	assert.False(t, limiter.Allow("u1"), "third request should be rate limited")
}

func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2, 0)
	limiter.Allow("u1")
	limiter.Allow("u1")
	require.False(t, limiter.Allow("u1"))

	time.Sleep(600 * time.Millisecond)
	assert.True(t, limiter.Allow("u1"), "request should be allowed after waiting")
}

func TestRateLimiter_UsersAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1, 0)
	assert.True(t, limiter.Allow("u1"))
	assert.False(t, limiter.Allow("u1"))
	assert.True(t, limiter.Allow("u2"))
}

func TestRateLimiter_GlobalCap(t *testing.T) {
	limiter := NewRateLimiter(100, 100, 2)
	allowed := 0
	for i := range 10 {
		if limiter.Allow(string(rune('a' + i))) {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(1, 10, 0)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("same") {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), ok.Load())
}

func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(1, 1, 0)
	require.NoError(t, limiter.Wait(context.Background(), "u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx, "u1"))
}

func TestRateLimiter_Prune(t *testing.T) {
	limiter := NewRateLimiter(1, 1, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(time.Hour)
	limiter.Allow("fresh")

	assert.Equal(t, 1, limiter.Prune())
	assert.Equal(t, 1, limiter.Clients())
}

func TestToolRateLimiter(t *testing.T) {
	trl := NewToolRateLimiter()
	assert.True(t, trl.Allow("unlimited"))

	trl.SetToolLimit("execute_code", 1, 1)
	assert.True(t, trl.Allow("execute_code"))
	assert.False(t, trl.Allow("execute_code"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, trl.Wait(ctx, "execute_code"))
	assert.NoError(t, trl.Wait(ctx, "unlimited"))
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(time.Second)
	tm.SetToolTimeout("execute_code", time.Minute)
	assert.Equal(t, time.Minute, tm.GetTimeout("execute_code"))
	assert.Equal(t, time.Second, tm.GetTimeout("other"))

	unbounded := NewTimeoutManager(0)
	ctx, cancel := unbounded.WithTimeout(context.Background(), "x")
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
}

package service

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/kioskshop/pairing-server-go/internal/redis"
)

func setupTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15" // Use DB 15 for tests
	}
	client, err := redisclient.NewClient(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimiter_Basic(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	limiter := NewRateLimiter(client)

	// Unique ids keep reruns against a shared Redis independent.
	run := fmt.Sprintf("%d", time.Now().UnixNano())

	t.Run("allows requests within limit", func(t *testing.T) {
		id := "user1-" + run
		limit := 3
		window := 10 * time.Second

		for i := 0; i < limit; i++ {
			allowed, _ := limiter.CheckLimit(ctx, "test", id, limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, "test", id, limit, window)
		assert.False(t, allowed, "Request should be rate limited")
		assert.True(t, resetAt.After(time.Now()), "Reset time should be in future")
	})

	t.Run("sliding window behavior", func(t *testing.T) {
		id := "user2-" + run
		limit := 2
		window := 2 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, "test", id, limit, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "test", id, limit, window)
		assert.True(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "test", id, limit, window)
		assert.False(t, allowed)

		time.Sleep(2100 * time.Millisecond)

		allowed, _ = limiter.CheckLimit(ctx, "test", id, limit, window)
		assert.True(t, allowed)
	})

	t.Run("different scopes are independent", func(t *testing.T) {
		id := "shared-" + run
		window := 10 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, "complete", id, 1, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "complete", id, 1, window)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "transfer", id, 1, window)
		assert.True(t, allowed)
	})
}

func TestRateLimiter_DeniesWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := NewRateLimiter(client)

	allowed, resetAt := limiter.CheckLimit(context.Background(), "test", "key", 1, time.Minute)
	require.False(t, allowed, "Should deny request on Redis failure")
	require.True(t, resetAt.After(time.Now()), "Should return valid reset time")
}

func TestMemoryRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewMemoryRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, _ := limiter.CheckLimit(ctx, "complete", "10.0.0.1", 5, time.Minute)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, "complete", "10.0.0.1", 5, time.Minute)
		assert.False(t, allowed)
		assert.True(t, resetAt.After(time.Now()))
	})

	t.Run("tracks ids separately", func(t *testing.T) {
		limiter := NewMemoryRateLimiter()

		allowed, _ := limiter.CheckLimit(ctx, "complete", "a", 1, time.Minute)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "complete", "a", 1, time.Minute)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "complete", "b", 1, time.Minute)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewMemoryRateLimiter()
		now := time.Now()
		limiter.now = func() time.Time { return now }

		allowed, _ := limiter.CheckLimit(ctx, "transfer", "ip", 1, time.Minute)
		assert.True(t, allowed)

		now = now.Add(30 * time.Second)
		allowed, resetAt := limiter.CheckLimit(ctx, "transfer", "ip", 1, time.Minute)
		assert.False(t, allowed)
		assert.Equal(t, now.Add(30*time.Second), resetAt)

		now = now.Add(31 * time.Second)
		allowed, _ = limiter.CheckLimit(ctx, "transfer", "ip", 1, time.Minute)
		assert.True(t, allowed)
	})
}

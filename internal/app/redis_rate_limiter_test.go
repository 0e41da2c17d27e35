package app

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestParseWindowResult(t *testing.T) {
	count, ttl, err := parseWindowResult([]interface{}{int64(3), int64(42000)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 || ttl != 42000 {
		t.Fatalf("expected 3/42000, got %d/%d", count, ttl)
	}

	bad := []interface{}{
		"nope",
		[]interface{}{int64(1)},
		[]interface{}{"1", int64(1)},
		[]interface{}{int64(1), "1"},
	}
	for _, raw := range bad {
		if _, _, err := parseWindowResult(raw); err == nil {
			t.Fatalf("expected error for %#v", raw)
		}
	}
}

func TestRedisRateLimiter_DisabledInputsSkipRedis(t *testing.T) {
	// Nothing listens on this address; any round trip would fail.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	limiter := NewRedisRateLimiter(client, " kijumbe:rate_limit: ")

	if got := limiter.key("contribution", "user-1"); got != "kijumbe:rate_limit:contribution:user-1" {
		t.Fatalf("unexpected key %q", got)
	}

	cases := []struct {
		scope, subject string
		limit          int
		window         time.Duration
	}{
		{scope: "contribution", subject: "user-1", limit: 0, window: time.Minute},
		{scope: "contribution", subject: "user-1", limit: 5, window: 0},
		{scope: "", subject: "user-1", limit: 5, window: time.Minute},
		{scope: "contribution", subject: " ", limit: 5, window: time.Minute},
	}
	for _, c := range cases {
		count, retry, err := limiter.ConsumeRateLimit(context.Background(), c.scope, c.subject, c.limit, c.window)
		if err != nil || count != 0 || retry != 0 {
			t.Fatalf("expected no-op for %+v, got %d %d %v", c, count, retry, err)
		}
	}

	var nilLimiter *RedisRateLimiter
	if _, _, err := nilLimiter.ConsumeRateLimit(context.Background(), "contribution", "user-1", 5, time.Minute); err != nil {
		t.Fatalf("nil limiter must be a no-op, got %v", err)
	}

	if NewRedisRateLimiter(client, "  ").prefix != defaultRateLimitPrefix {
		t.Fatalf("expected default prefix")
	}
}

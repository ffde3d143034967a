package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses redisURL (e.g. "redis://localhost:6379/0") and returns a client with
// the circuit breaker and metrics hooks installed. Either recorder may be nil.
func NewClient(redisURL string, ops OpsRecorder, breaker BreakerRecorder) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewCircuitBreakerHook(breaker))
	rdb.AddHook(&MetricsHook{recorder: ops})
	return rdb, nil
}

// Pinger adapts a client to the readiness check.
type Pinger struct {
	rdb *goredis.Client
}

func NewPinger(rdb *goredis.Client) *Pinger {
	return &Pinger{rdb: rdb}
}

func (p *Pinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

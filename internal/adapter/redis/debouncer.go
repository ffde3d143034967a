package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDebounceInterval = 500 * time.Millisecond

// Debouncer limits how often one participant may toggle sentiment on one conversation,
// across every gateway instance sharing the redis.
type Debouncer struct {
	rdb      *goredis.Client
	interval time.Duration
}

// NewDebouncer returns a debouncer. interval <= 0 uses the default.
func NewDebouncer(rdb *goredis.Client, interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = defaultDebounceInterval
	}
	return &Debouncer{rdb: rdb, interval: interval}
}

// IsDebounced returns true if the participant toggled within the interval. Otherwise it
// claims the slot and returns false.
func (d *Debouncer) IsDebounced(ctx context.Context, conversationID string, username string) (bool, error) {
	args := goredis.SetArgs{TTL: d.interval, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, debounceKey(conversationID, username), "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set debounce: %w", err)
	}
	return false, nil
}

func debounceKey(conversationID string, username string) string {
	return "polis:toggle:" + conversationID + ":" + username
}

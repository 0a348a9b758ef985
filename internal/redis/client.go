package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// JobNudgeKey is the list the orchestrator pushes to whenever a job becomes
// due soon, so delivery workers wake up without waiting a full poll cycle.
const JobNudgeKey = "jobs:nudge"

// NudgeWorkers signals the delivery workers that new work may be due.
// Best-effort: the workers poll anyway.
func (c *Client) NudgeWorkers(ctx context.Context) {
	c.LPush(ctx, JobNudgeKey, time.Now().UnixMilli())
	c.LTrim(ctx, JobNudgeKey, 0, 0)
}

// WaitForNudge blocks up to timeout for a worker nudge. Returns false on
// timeout or error; callers fall back to their poll interval either way.
func (c *Client) WaitForNudge(ctx context.Context, timeout time.Duration) bool {
	res, err := c.BLPop(ctx, timeout, JobNudgeKey).Result()
	return err == nil && len(res) == 2
}

const sweepLockKey = "sweep:leader"

// AcquireSweepLock takes the sweep leader lock so only one process runs the
// reminder sweep per interval when the service is scaled out.
func (c *Client) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, sweepLockKey, time.Now().UnixMilli(), ttl).Result()
}

// ReleaseSweepLock drops the sweep leader lock early.
func (c *Client) ReleaseSweepLock(ctx context.Context) {
	c.Del(ctx, sweepLockKey)
}

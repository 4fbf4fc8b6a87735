package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/adjust_funding.lua
var adjustFundingScript string

// Client wraps Redis with the funding counter cache and the sweep lease.
// The cache is a fast read path only; Postgres owns the counter.
type Client struct {
	rdb          *redis.Client
	adjustScript *redis.Script
}

// NewClient creates a new Redis client with the funding script loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		adjustScript: redis.NewScript(adjustFundingScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func fundingKey(campaignID int64) string {
	return fmt.Sprintf("funding:%d", campaignID)
}

// InitFunding seeds the cached counter for a campaign
func (c *Client) InitFunding(ctx context.Context, campaignID, currentFunding int64) error {
	return c.rdb.Set(ctx, fundingKey(campaignID), currentFunding, 0).Err()
}

// AdjustFunding atomically shifts the cached counter by delta.
// A miss (campaign never seeded or evicted) is not an error; the next read
// falls through to the database.
func (c *Client) AdjustFunding(ctx context.Context, campaignID, delta int64) error {
	_, err := c.adjustScript.Run(ctx, c.rdb, []string{fundingKey(campaignID)}, delta).Result()
	if err != nil {
		return fmt.Errorf("adjust funding script failed: %w", err)
	}
	return nil
}

// GetFunding reads the cached counter. found=false on cache miss.
func (c *Client) GetFunding(ctx context.Context, campaignID int64) (funding int64, found bool, err error) {
	val, err := c.rdb.Get(ctx, fundingKey(campaignID)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// DropFunding removes the cached counter for a settled campaign
func (c *Client) DropFunding(ctx context.Context, campaignID int64) error {
	return c.rdb.Del(ctx, fundingKey(campaignID)).Err()
}

// AcquireLock acquires a distributed lock (sweep run lease)
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

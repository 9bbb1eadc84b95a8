package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_unit.lua
var reserveUnitScript string

//go:embed scripts/release_unit.lua
var releaseUnitScript string

//go:embed scripts/commit_unit.lua
var commitUnitScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveUnitScript),
		releaseScript: redis.NewScript(releaseUnitScript),
		commitScript:  redis.NewScript(commitUnitScript),
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

// ReserveUnit atomically takes one unit of the mirrored offering counters.
// available reports whether the caller may proceed; took reports whether the
// mirror actually decremented, which is what a rollback must undo. The mirror
// is a fast-fail in front of the database, never the source of truth: an
// available answer still requires the authoritative conditional update.
func (c *Client) ReserveUnit(ctx context.Context, offeringID int64) (available, took bool, err error) {
	key := fmt.Sprintf("offering:%d", offeringID)

	result, err := c.reserveScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		return false, false, fmt.Errorf("reserve unit script failed: %w", err)
	}

	outcome, ok := result.(int64)
	if !ok {
		return false, false, fmt.Errorf("unexpected script result type")
	}

	available, took = reserveOutcome(outcome)
	return available, took, nil
}

// reserveOutcome maps the script result. -1 means the offering is not
// mirrored yet: the caller may proceed but no unit was taken here.
func reserveOutcome(result int64) (available, took bool) {
	switch result {
	case -1:
		return true, false
	case 0:
		return false, false
	default:
		return true, true
	}
}

// ReleaseUnit returns a reserved unit to the mirrored counters
func (c *Client) ReleaseUnit(ctx context.Context, offeringID int64) error {
	key := fmt.Sprintf("offering:%d", offeringID)

	_, err := c.releaseScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		return fmt.Errorf("release unit script failed: %w", err)
	}

	return nil
}

// CommitUnit moves a reserved unit to sold in the mirrored counters
func (c *Client) CommitUnit(ctx context.Context, offeringID int64) error {
	key := fmt.Sprintf("offering:%d", offeringID)

	_, err := c.commitScript.Run(ctx, c.rdb, []string{key}).Result()
	if err != nil {
		return fmt.Errorf("commit unit script failed: %w", err)
	}

	return nil
}

// InitOffering initializes the mirrored counters for an offering
func (c *Client) InitOffering(ctx context.Context, offeringID int64, capacity, sold, reserved int) error {
	key := fmt.Sprintf("offering:%d", offeringID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "capacity", capacity)
	pipe.HSet(ctx, key, "sold", sold)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetAvailability retrieves mirrored counters for an offering
func (c *Client) GetAvailability(ctx context.Context, offeringID int64) (capacity, sold, reserved int, err error) {
	key := fmt.Sprintf("offering:%d", offeringID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, 0, fmt.Errorf("offering %d not mirrored", offeringID)
	}

	fmt.Sscanf(result["capacity"], "%d", &capacity)
	fmt.Sscanf(result["sold"], "%d", &sold)
	fmt.Sscanf(result["reserved"], "%d", &reserved)

	return capacity, sold, reserved, nil
}

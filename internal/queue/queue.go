package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Client publishes build jobs and cancellation notices on Redis lists the
// external build worker consumes. Sends are fire-and-forget; the worker
// acknowledges only through its HTTP status callback.
type Client struct {
	rdb        *redis.Client
	jobList    string
	cancelList string
	timeout    time.Duration
	logger     *slog.Logger
}

// New connects the queue client and verifies the broker is reachable.
func New(addr, password string, db int, jobList, cancelList string, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect queue broker: %w", err)
	}
	return &Client{
		rdb:        rdb,
		jobList:    jobList,
		cancelList: cancelList,
		timeout:    5 * time.Second,
		logger:     logger,
	}, nil
}

// PublishJob pushes a serialized build-job message.
func (c *Client) PublishJob(ctx context.Context, payload []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rdb.LPush(opCtx, c.jobList, payload).Err(); err != nil {
		return fmt.Errorf("enqueue build job: %w", err)
	}
	return nil
}

// PublishCancel pushes an advisory cancellation notice for a running build.
// The worker may have already exited; delivery is best-effort.
func (c *Client) PublishCancel(ctx context.Context, buildID string) error {
	payload, err := json.Marshal(map[string]string{"type": "cancel", "build_id": buildID})
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rdb.LPush(opCtx, c.cancelList, payload).Err(); err != nil {
		return fmt.Errorf("enqueue cancel notice: %w", err)
	}
	return nil
}

// Ping reports broker health.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil && c.logger != nil {
			c.logger.Warn("queue client close failed", "error", err)
		}
	}
}

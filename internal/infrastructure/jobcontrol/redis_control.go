// Package jobcontrol provides the out-of-band channel between the
// MediaAPI and TranscoderWorker that the broker itself doesn't carry:
// cancellation requests and live progress events, both keyed by the
// broker's opaque task id.
package jobcontrol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cancelKeyPrefix         = "nebula:cancel:"
	progressKeyPrefix       = "nebula:progress:"
	heartbeatKey            = "nebula:worker:heartbeat"
	fileInvalidationChannel = "nebula:file-invalidated"

	// cancelTTL bounds how long a cancellation flag survives if nothing
	// ever consumes it, so a revoke against an already-finished task
	// doesn't leak a key forever.
	cancelTTL = 24 * time.Hour
	// progressTTL bounds how long a stale progress event survives past
	// its job's last update.
	progressTTL = time.Hour
	// heartbeatTTL bounds how long a worker's last heartbeat is trusted;
	// past this, a reader treats the worker as gone rather than stale.
	heartbeatTTL = 30 * time.Second
)

// Client is a thin Redis-backed side channel, mirroring the constructor
// shape and error-wrapping style of the infrastructure/cache package.
type Client struct {
	rdb *redis.Client
}

// NewClient wraps an existing Redis connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// RequestCancel flags taskID for cancellation. The worker checks this at
// natural checkpoints (progress-line reads) and, on seeing it, terminates
// the encoder subprocess and transitions the job to cancelled.
func (c *Client) RequestCancel(ctx context.Context, taskID string) error {
	if err := c.rdb.Set(ctx, cancelKeyPrefix+taskID, "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cancellation flag: %w", err)
	}
	return nil
}

// IsCancelled reports whether taskID has a pending cancellation request.
func (c *Client) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, cancelKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation flag: %w", err)
	}
	return n > 0, nil
}

// ClearCancel removes the cancellation flag once a job has reached a
// terminal state, so a stale flag can't affect a later task id reuse.
func (c *Client) ClearCancel(ctx context.Context, taskID string) error {
	if err := c.rdb.Del(ctx, cancelKeyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("failed to clear cancellation flag: %w", err)
	}
	return nil
}

// PublishProgress records the worker's most recent percent-complete for
// taskID, observable by anything polling the side channel directly (the
// Catalog's own progress column is the primary, preferred path; this
// exists for the cases the worker wants to emit more often than it wants
// to round-trip the database).
func (c *Client) PublishProgress(ctx context.Context, taskID string, percent float64) error {
	if err := c.rdb.Set(ctx, progressKeyPrefix+taskID, percent, progressTTL).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Progress returns the last published percent-complete for taskID, or
// (0, false) if nothing has been published yet.
func (c *Client) Progress(ctx context.Context, taskID string) (float64, bool, error) {
	val, err := c.rdb.Get(ctx, progressKeyPrefix+taskID).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read progress: %w", err)
	}
	return val, true, nil
}

// Heartbeat records that a TranscoderWorker process is alive, so an API
// process that isn't itself running a worker loop can still report worker
// liveness on /health.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.rdb.Set(ctx, heartbeatKey, time.Now().Unix(), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to record worker heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the age of the most recent worker heartbeat, or
// (0, false) if none has been recorded within heartbeatTTL.
func (c *Client) LastHeartbeat(ctx context.Context) (time.Duration, bool, error) {
	unix, err := c.rdb.Get(ctx, heartbeatKey).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read worker heartbeat: %w", err)
	}
	return time.Since(time.Unix(unix, 0)), true, nil
}

// PublishFileInvalidated broadcasts that fileID's cached File is stale.
// Every API process subscribes to this channel, not just the one
// handling the request that triggered the change, since any of them may
// be holding a stale cache-aside entry.
func (c *Client) PublishFileInvalidated(ctx context.Context, fileID int64) error {
	if err := c.rdb.Publish(ctx, fileInvalidationChannel, strconv.FormatInt(fileID, 10)).Err(); err != nil {
		return fmt.Errorf("failed to publish file invalidation: %w", err)
	}
	return nil
}

// SubscribeFileInvalidations streams invalidated file ids until ctx is
// done, at which point the channel is closed and the underlying Redis
// subscription torn down.
func (c *Client) SubscribeFileInvalidations(ctx context.Context) <-chan int64 {
	sub := c.rdb.Subscribe(ctx, fileInvalidationChannel)
	out := make(chan int64)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
)

// ClientConfig holds configuration for the RabbitMQ client.
type ClientConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
	Prefetch   int
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
// Prefetch=1 ensures fair dispatch among multiple workers for
// CPU-intensive transcoding.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:        url,
		QueueName:  "transcode_tasks",
		Exchange:   "",
		RoutingKey: "transcode_tasks",
		Prefetch:   1,
	}
}

type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// message is the on-wire envelope: the broker carries the task plus an
// opaque task id so Revoke can later reach the same logical job through
// the jobcontrol side-channel regardless of which broker delivery it rode
// in on.
type message struct {
	TaskID string                      `json:"task_id"`
	Task   repository.TranscodeTask    `json:"task"`
}

// Client implements repository.MessageQueue using RabbitMQ, with
// cancellation and progress delegated to a Redis-backed jobcontrol side
// channel (the broker itself has no notion of "cancel this delivery").
type Client struct {
	conn    amqpConnection
	channel amqpChannel
	config  ClientConfig
	control *jobcontrol.Client
}

var _ repository.MessageQueue = (*Client)(nil)

// NewClient connects to RabbitMQ and declares the task queue, failing fast
// on misconfiguration.
func NewClient(ctx context.Context, cfg ClientConfig, control *jobcontrol.Client) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return newClientWithConnection(ctx, conn, cfg, control)
}

func newClientWithConnection(ctx context.Context, conn amqpConnection, cfg ClientConfig, control *jobcontrol.Client) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &Client{conn: conn, channel: ch, config: cfg, control: control}, nil
}

// Enqueue publishes a task under a freshly minted task id, which the
// caller persists on the job row for later revocation.
func (c *Client) Enqueue(ctx context.Context, task repository.TranscodeTask) (string, error) {
	taskID := uuid.NewString()
	msg := message{TaskID: taskID, Task: task}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	err = c.channel.PublishWithContext(ctx, c.config.Exchange, c.config.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}

	return taskID, nil
}

// Consume delivers tasks to handler until ctx is cancelled or the channel
// closes.
//
// Ack/Nack strategy:
//   - Successful processing: Ack
//   - JSON unmarshal failure: Nack without requeue (malformed message)
//   - Handler failure: increment RetryCount, republish as a new message
//     under the same task id, Ack the original
//
// RetryCount has no upper bound here: a task whose handler keeps failing
// is republished after every failure.
//
// We don't use Nack(requeue=true) for retries because it would put the
// same message back without incrementing RetryCount, looping forever.
func (c *Client) Consume(ctx context.Context, handler func(task repository.TranscodeTask) error) error {
	msgs, err := c.channel.Consume(c.config.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed unexpectedly")
			}

			var msg message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				_ = delivery.Nack(false, false)
				continue
			}

			if cancelled, _ := c.control.IsCancelled(ctx, msg.TaskID); cancelled {
				_ = delivery.Ack(false)
				continue
			}

			if err := handler(msg.Task); err != nil {
				msg.Task.RetryCount++
				body, pubErr := json.Marshal(msg)
				if pubErr == nil {
					pubErr = c.channel.PublishWithContext(ctx, c.config.Exchange, c.config.RoutingKey, false, false, amqp.Publishing{
						DeliveryMode: amqp.Persistent,
						ContentType:  "application/json",
						Body:         body,
					})
				}
				if pubErr != nil {
					slog.Error("failed to republish task for retry",
						"job_id", msg.Task.JobID,
						"retry_count", msg.Task.RetryCount,
						"error", pubErr,
					)
					_ = delivery.Nack(false, false)
				} else {
					_ = delivery.Ack(false)
				}
				continue
			}

			_ = delivery.Ack(false)
		}
	}
}

// Revoke marks the task cancelled in the jobcontrol side-channel. The
// worker polls the flag on a timer while the encode runs and terminates
// the encoder subprocess once it is set; Consume also acks and drops a
// delivery whose task id is already flagged.
func (c *Client) Revoke(ctx context.Context, taskID string) error {
	return c.control.RequestCancel(ctx, taskID)
}

// Close gracefully closes the RabbitMQ connection and channel.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

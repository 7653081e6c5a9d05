package repository

import (
	"context"
)

// TranscodeTask is the message payload carried by the queue between the
// MediaAPI and TranscoderWorker.
type TranscodeTask struct {
	JobID         int64  `json:"job_id"`
	FileID        int64  `json:"file_id"`
	ObjectKey     string `json:"object_key"`
	TargetQuality int    `json:"target_quality"`
	RetryCount    int    `json:"retry_count"`
}

// MessageQueue is durable hand-off of work from the MediaAPI to
// TranscoderWorker. Implementations provide at-least-once delivery.
type MessageQueue interface {
	// Enqueue publishes a task and returns a broker-assigned task id,
	// stored on the job row for later revocation.
	Enqueue(ctx context.Context, task TranscodeTask) (taskID string, err error)

	// Consume starts delivering tasks to handler. Each delivery is
	// acknowledged explicitly by the handler's return value: nil acks,
	// non-nil triggers the retry-via-republish policy. Returns when ctx
	// is cancelled or the channel closes.
	Consume(ctx context.Context, handler func(task TranscodeTask) error) error

	// Revoke makes a best-effort attempt to cancel in-flight or queued
	// work for taskID. The worker observes this through the jobcontrol
	// side-channel rather than through the broker directly.
	Revoke(ctx context.Context, taskID string) error

	// Close gracefully closes the connection to the message queue.
	Close() error
}

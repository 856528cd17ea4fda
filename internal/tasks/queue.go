// Package tasks is the background work plane: a NATS JetStream work queue
// carrying sandbox cleanups, sweeps and notifications, a worker draining it,
// and a scheduler enqueuing the periodic sweeps.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName    = "XCTF_TASKS"
	subjectPrefix = "tasks."
)

// Task names carried in Payload.Task.
const (
	TaskCleanupSandbox         = "cleanup_sandbox"
	TaskDestroyNonStatic       = "destroy_non_static_sandboxes"
	TaskRefreshSandboxes       = "refresh_sandboxes"
	TaskSendNotification       = "send_notification"
	TaskCleanOrphanPorts       = "clean_orphan_firewall_ports"
	TaskCleanupExpiredSessions = "cleanup_expired_sessions"
)

// Payload is the JSON body of every queued task. Fields beyond Task are
// task-specific; unused ones stay zero.
type Payload struct {
	Task          string    `json:"task"`
	SandboxID     int64     `json:"sandbox_id,omitempty"`
	ChallengeName string    `json:"challenge_name,omitempty"`
	Message       string    `json:"message,omitempty"`
	UserID        *int64    `json:"user_id,omitempty"`
	ToAll         bool      `json:"to_all,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Queue publishes tasks to the JetStream work queue. It satisfies
// engine.Enqueuer.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewQueue connects to NATS and makes sure the task stream exists. The
// stream uses work-queue retention: each task is delivered to one worker
// and deleted on ack.
func NewQueue(natsURL string) (*Queue, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	}); err != nil {
		// Stream may already exist with the same config.
		if _, infoErr := js.StreamInfo(streamName); infoErr != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create task stream: %w", err)
		}
	}

	return &Queue{nc: nc, js: js}, nil
}

// Close closes the NATS connection.
func (q *Queue) Close() {
	q.nc.Close()
}

func (q *Queue) publish(ctx context.Context, p Payload) error {
	p.EnqueuedAt = time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", p.Task, err)
	}
	if _, err := q.js.Publish(subjectPrefix+p.Task, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish task %s: %w", p.Task, err)
	}
	return nil
}

// EnqueueCleanupSandbox schedules teardown of one sandbox.
func (q *Queue) EnqueueCleanupSandbox(ctx context.Context, sandboxID int64) error {
	return q.publish(ctx, Payload{Task: TaskCleanupSandbox, SandboxID: sandboxID})
}

// EnqueueNotification schedules delivery of a user or broadcast message.
func (q *Queue) EnqueueNotification(ctx context.Context, message string, userID *int64, toAll bool) error {
	return q.publish(ctx, Payload{Task: TaskSendNotification, Message: message, UserID: userID, ToAll: toAll})
}

// EnqueueRefreshSandboxes schedules a rebuild of every sandbox of a challenge.
func (q *Queue) EnqueueRefreshSandboxes(ctx context.Context, challengeName string) error {
	return q.publish(ctx, Payload{Task: TaskRefreshSandboxes, ChallengeName: challengeName})
}

// EnqueueDestroySweep schedules the solved/aged sandbox reaper.
func (q *Queue) EnqueueDestroySweep(ctx context.Context) error {
	return q.publish(ctx, Payload{Task: TaskDestroyNonStatic})
}

// EnqueueOrphanPortSweep schedules the firewall orphan port sweep.
func (q *Queue) EnqueueOrphanPortSweep(ctx context.Context) error {
	return q.publish(ctx, Payload{Task: TaskCleanOrphanPorts})
}

// EnqueueExpiredSessionSweep schedules expired session cleanup.
func (q *Queue) EnqueueExpiredSessionSweep(ctx context.Context) error {
	return q.publish(ctx, Payload{Task: TaskCleanupExpiredSessions})
}

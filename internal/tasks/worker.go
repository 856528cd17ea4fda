package tasks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xctf/xctf/internal/engine"
	"github.com/xctf/xctf/internal/metrics"
)

const workerDurable = "xctf-worker"

// Notifier delivers notifications produced by queued tasks.
type Notifier interface {
	SendToUser(ctx context.Context, userID int64, message string) error
	SendToAll(ctx context.Context, message string) error
}

// Worker drains the task stream and dispatches each task to the engine.
// Multiple workers on the same durable share the queue.
type Worker struct {
	queue    *Queue
	engine   *engine.Engine
	notifier Notifier
	sub      *nats.Subscription

	// sandbox creation during a refresh dominates the timeout
	taskTimeout time.Duration
}

// NewWorker builds a worker. notifier may be nil when notification tasks
// are not expected (e.g. the admin CLI draining a queue).
func NewWorker(queue *Queue, eng *engine.Engine, notifier Notifier) *Worker {
	return &Worker{
		queue:       queue,
		engine:      eng,
		notifier:    notifier,
		taskTimeout: 5 * time.Minute,
	}
}

// Start subscribes to the task stream with a durable consumer.
func (w *Worker) Start() error {
	sub, err := w.queue.js.Subscribe(subjectPrefix+">", w.handle,
		nats.Durable(workerDurable),
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.MaxAckPending(16),
		nats.AckWait(10*time.Minute),
	)
	if err != nil {
		return err
	}
	w.sub = sub
	log.Printf("tasks: worker subscribed to %s>", subjectPrefix)
	return nil
}

// Stop unsubscribes the worker.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
}

func (w *Worker) handle(msg *nats.Msg) {
	var p Payload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		log.Printf("tasks: malformed task payload on %s: %v", msg.Subject, err)
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.taskTimeout)
	defer cancel()

	log.Printf("tasks: handling %s", p.Task)
	var err error
	switch p.Task {
	case TaskCleanupSandbox:
		err = w.engine.CleanupSandbox(ctx, p.SandboxID)
	case TaskDestroyNonStatic:
		_, err = w.engine.DestroyReapableSandboxes(ctx)
	case TaskRefreshSandboxes:
		err = w.engine.RefreshChallengeSandboxes(ctx, p.ChallengeName)
	case TaskSendNotification:
		err = w.sendNotification(ctx, p)
	case TaskCleanOrphanPorts:
		w.engine.CleanOrphanFirewallPorts(ctx)
	case TaskCleanupExpiredSessions:
		w.engine.CleanupExpiredSessions(ctx)
	default:
		log.Printf("tasks: unknown task %q", p.Task)
	}

	if err != nil {
		metrics.TasksProcessedTotal.WithLabelValues(p.Task, "error").Inc()
		log.Printf("tasks: %s failed: %v", p.Task, err)
		// Let JetStream redeliver after ack wait.
		msg.Nak()
		return
	}
	metrics.TasksProcessedTotal.WithLabelValues(p.Task, "ok").Inc()
	msg.Ack()
}

func (w *Worker) sendNotification(ctx context.Context, p Payload) error {
	if w.notifier == nil {
		log.Printf("tasks: dropping notification, no notifier configured")
		return nil
	}
	if p.ToAll {
		return w.notifier.SendToAll(ctx, p.Message)
	}
	if p.UserID != nil {
		return w.notifier.SendToUser(ctx, *p.UserID, p.Message)
	}
	return nil
}

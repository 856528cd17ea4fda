// Package notify persists user notifications and fans them out live over
// redis pub/sub, one channel per user. The API layer bridges a user's
// channel onto a websocket.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/xctf/xctf/internal/db"
)

// Store is the slice of persistence the notifier needs. *db.Store
// satisfies it.
type Store interface {
	CreateNotification(ctx context.Context, userID int64, message string) (*db.Notification, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Event is the JSON payload published per notification.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

// Notifier writes notifications to the store and publishes them to redis.
type Notifier struct {
	store Store
	rdb   *redis.Client
}

// New builds a Notifier over an existing redis client.
func New(store Store, rdb *redis.Client) *Notifier {
	return &Notifier{store: store, rdb: rdb}
}

// Channel returns the pub/sub channel name for a user.
func Channel(userID int64) string {
	return fmt.Sprintf("notifications:%d", userID)
}

// SendToUser stores the message for one user and publishes it live.
// Publish failures are logged; the stored copy is the durable record.
func (n *Notifier) SendToUser(ctx context.Context, userID int64, message string) error {
	if _, err := n.store.CreateNotification(ctx, userID, message); err != nil {
		return fmt.Errorf("store notification for user %d: %w", userID, err)
	}
	n.publish(ctx, userID, message)
	return nil
}

// SendToAll stores and publishes the message for every user. Per-user
// failures are logged and the loop continues; the first error is returned.
func (n *Notifier) SendToAll(ctx context.Context, message string) error {
	userIDs, err := n.store.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users for broadcast: %w", err)
	}

	var firstErr error
	for _, userID := range userIDs {
		if err := n.SendToUser(ctx, userID, message); err != nil {
			log.Printf("notify: broadcast to user %d: %v", userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Printf("notify: broadcast to %d users: %.50s", len(userIDs), message)
	return firstErr
}

func (n *Notifier) publish(ctx context.Context, userID int64, message string) {
	data, err := json.Marshal(Event{Type: "notification", Message: message, UserID: userID})
	if err != nil {
		log.Printf("notify: marshal event: %v", err)
		return
	}
	if err := n.rdb.Publish(ctx, Channel(userID), data).Err(); err != nil {
		log.Printf("notify: publish to %s: %v", Channel(userID), err)
	}
}

// Subscribe opens the user's live notification feed. The caller receives
// raw JSON events and must call the returned close function.
func (n *Notifier) Subscribe(ctx context.Context, userID int64) (<-chan string, func()) {
	pubsub := n.rdb.Subscribe(ctx, Channel(userID))
	out := make(chan string)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { pubsub.Close() }
}

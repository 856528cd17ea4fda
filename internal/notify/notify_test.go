package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/xctf/xctf/internal/db"
)

type fakeStore struct {
	userIDs []int64
	stored  []db.Notification
	failFor int64
}

func (s *fakeStore) CreateNotification(_ context.Context, userID int64, message string) (*db.Notification, error) {
	if userID == s.failFor {
		return nil, errors.New("insert failed")
	}
	n := db.Notification{ID: int64(len(s.stored) + 1), UserID: userID, Message: message}
	s.stored = append(s.stored, n)
	return &n, nil
}

func (s *fakeStore) ListUserIDs(context.Context) ([]int64, error) {
	return s.userIDs, nil
}

// unreachable redis: publishes fail and are logged, storage still works
func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
}

func TestSendToUser_StoresEvenWhenPublishFails(t *testing.T) {
	store := &fakeStore{}
	n := New(store, deadRedis())

	if err := n.SendToUser(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("SendToUser() error: %v", err)
	}
	if len(store.stored) != 1 || store.stored[0].UserID != 42 || store.stored[0].Message != "hello" {
		t.Errorf("stored = %v", store.stored)
	}
}

func TestSendToAll_ContinuesPastFailures(t *testing.T) {
	store := &fakeStore{userIDs: []int64{1, 2, 3}, failFor: 2}
	n := New(store, deadRedis())

	err := n.SendToAll(context.Background(), "maintenance tonight")
	if err == nil {
		t.Error("expected first error to surface")
	}
	if len(store.stored) != 2 {
		t.Errorf("stored %d notifications, want 2", len(store.stored))
	}
}

func TestChannel(t *testing.T) {
	if got := Channel(7); got != "notifications:7" {
		t.Errorf("Channel(7) = %s", got)
	}
}

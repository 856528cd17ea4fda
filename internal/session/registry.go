package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xctf/xctf/internal/db"
)

// Registry opens and closes user sessions on top of the store. A user has at
// most one active session; opening a new one atomically retires the old.
type Registry struct {
	store *db.Store
	ttl   time.Duration
}

// NewRegistry builds a Registry with the given session lifetime.
func NewRegistry(store *db.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

// Open replaces the user's active session with a fresh one bound to ip.
// Returns the new session and the IP of the replaced session ("" when there
// was none); callers use the old IP to hand firewall rules over.
func (r *Registry) Open(ctx context.Context, userID int64, ip string) (*db.UserSession, string, error) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(r.ttl)

	sess, oldIP, err := r.store.ReplaceSession(ctx, userID, ip, token, expiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("replace session for user %d: %w", userID, err)
	}
	log.Printf("session: opened session for user=%d ip=%s (replaced ip=%q)", userID, ip, oldIP)
	return sess, oldIP, nil
}

// Close deactivates every active session of the user.
func (r *Registry) Close(ctx context.Context, userID int64) error {
	if err := r.store.DeactivateUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("deactivate sessions for user %d: %w", userID, err)
	}
	return nil
}

// ValidForIP reports whether the user has an active, unexpired session bound
// to the given IP.
func (r *Registry) ValidForIP(ctx context.Context, userID int64, ip string) (bool, error) {
	return r.store.HasActiveSessionForIP(ctx, userID, ip)
}

// Active returns the user's active session, or db.ErrNotFound.
func (r *Registry) Active(ctx context.Context, userID int64) (*db.UserSession, error) {
	return r.store.GetActiveSession(ctx, userID)
}

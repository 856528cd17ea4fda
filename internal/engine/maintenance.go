package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
)

// ReapAge is how long a per-user sandbox may live before the reaper retires
// it even when unsolved.
const ReapAge = 2 * time.Hour

// RebuildFirewall reconstructs the firewall from the database after a cold
// start: per-user sandbox ports are re-bound to their owner's active session
// IP, static sandbox ports are re-opened, and everything else in the sets is
// swept as orphaned.
func (e *Engine) RebuildFirewall(ctx context.Context) error {
	if err := e.firewall.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize firewall: %w", err)
	}
	log.Printf("engine: rebuilding firewall rules from database")

	activePorts := make(map[int]bool)

	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for i := range sessions {
		sess := &sessions[i]
		sandboxes, err := e.store.ListActiveSandboxesByUser(ctx, sess.UserID)
		if err != nil {
			log.Printf("engine: list sandboxes for rebuild: user=%d: %v", sess.UserID, err)
			continue
		}
		for j := range sandboxes {
			sb := &sandboxes[j]
			if e.sandboxIsStatic(ctx, sb) {
				continue
			}
			for _, port := range db.SandboxPorts(sb) {
				if err := e.firewall.AddPortIPMapping(ctx, port, sess.IPAddress); err != nil {
					log.Printf("engine: rebuild mapping %d -> %s: %v", port, sess.IPAddress, err)
					continue
				}
				activePorts[port] = true
			}
		}
	}

	statics, err := e.store.ListActiveStaticSandboxes(ctx)
	if err != nil {
		return fmt.Errorf("list static sandboxes: %w", err)
	}
	for i := range statics {
		for _, port := range db.SandboxPorts(&statics[i]) {
			if err := e.firewall.AddStaticPort(ctx, port); err != nil {
				log.Printf("engine: rebuild static port %d: %v", port, err)
				continue
			}
			activePorts[port] = true
		}
	}

	e.firewall.CleanOrphanPorts(ctx, activePorts)
	log.Printf("engine: firewall rules rebuilt: %d active ports", len(activePorts))
	return nil
}

// CleanOrphanFirewallPorts sweeps firewall set entries that no active
// sandbox accounts for.
func (e *Engine) CleanOrphanFirewallPorts(ctx context.Context) {
	sandboxes, err := e.store.ListActiveSandboxes(ctx)
	if err != nil {
		log.Printf("engine: list active sandboxes for orphan sweep: %v", err)
		return
	}

	activePorts := make(map[int]bool)
	for i := range sandboxes {
		for _, port := range db.SandboxPorts(&sandboxes[i]) {
			activePorts[port] = true
		}
	}
	log.Printf("engine: orphan sweep: %d active sandboxes, %d ports", len(sandboxes), len(activePorts))

	e.firewall.CleanOrphanPorts(ctx, activePorts)
}

// DestroyReapableSandboxes retires every per-user sandbox that is solved or
// older than ReapAge. With a queue configured each cleanup is enqueued,
// otherwise run inline. Returns how many sandboxes were scheduled.
func (e *Engine) DestroyReapableSandboxes(ctx context.Context) (int, error) {
	reapable, err := e.store.ListReapableSandboxes(ctx, time.Now().Add(-ReapAge))
	if err != nil {
		return 0, fmt.Errorf("list reapable sandboxes: %w", err)
	}

	for i := range reapable {
		sb := &reapable[i]
		log.Printf("engine: destroying non-static sandbox: sandbox=%d", sb.ID)
		e.dispatchCleanup(ctx, sb.ID)
	}
	log.Printf("engine: scheduled cleanup for %d non-static sandboxes", len(reapable))
	return len(reapable), nil
}

// RefreshChallengeSandboxes recreates every active sandbox of a challenge,
// typically after its image changed. Each sandbox is torn down and rebuilt
// for the same owner, who is then notified. Inactive challenges are left
// alone.
func (e *Engine) RefreshChallengeSandboxes(ctx context.Context, challengeName string) error {
	challenge, err := e.store.GetChallengeByName(ctx, challengeName)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("engine: challenge not found: %s", challengeName)
			return nil
		}
		return fmt.Errorf("load challenge %q: %w", challengeName, err)
	}
	if !challenge.Active {
		log.Printf("engine: challenge is not active: %s", challengeName)
		return nil
	}

	sandboxes, err := e.store.ListActiveSandboxesByChallenge(ctx, challenge.ID)
	if err != nil {
		return fmt.Errorf("list sandboxes for %q: %w", challengeName, err)
	}

	message := fmt.Sprintf("Your sandbox has been updated for challenge named %s.", challengeName)
	for i := range sandboxes {
		sb := &sandboxes[i]
		if err := e.CleanupSandbox(ctx, sb.ID); err != nil {
			log.Printf("engine: refresh cleanup: sandbox=%d: %v", sb.ID, err)
			continue
		}
		if _, err := e.createSandbox(ctx, challenge, sb.UserID); err != nil {
			log.Printf("engine: refresh recreate: challenge=%s sandbox=%d: %v", challengeName, sb.ID, err)
			continue
		}
		e.dispatchNotification(ctx, message, sb.UserID, sb.UserID == nil)
	}
	log.Printf("engine: refreshed sandboxes for challenge: %s", challengeName)
	return nil
}

// DeactivateChallenge flips a challenge inactive and, when it actually was
// active, retires its sandboxes and broadcasts the deactivation.
func (e *Engine) DeactivateChallenge(ctx context.Context, challengeID int64) error {
	challenge, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("load challenge %d: %w", challengeID, err)
	}

	wasActive, err := e.store.SetChallengeActive(ctx, challengeID, false)
	if err != nil {
		return fmt.Errorf("deactivate challenge %d: %w", challengeID, err)
	}
	if !wasActive {
		return nil
	}
	log.Printf("engine: challenge %s deactivated, cleaning up sandboxes", challenge.Name)

	sandboxes, err := e.store.ListActiveSandboxesByChallenge(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("list sandboxes for challenge %d: %w", challengeID, err)
	}
	for i := range sandboxes {
		e.dispatchCleanup(ctx, sandboxes[i].ID)
	}

	e.dispatchNotification(ctx,
		fmt.Sprintf("Challenge %s has been deactivated.", challenge.Name), nil, true)
	log.Printf("engine: scheduled cleanup for %d sandboxes of challenge %s", len(sandboxes), challenge.Name)
	return nil
}

// BanUser flips a user banned and, on the actual transition, retires their
// sandboxes. Their session rules die with the sandboxes; the auth layer
// logs them out on the next request.
func (e *Engine) BanUser(ctx context.Context, userID int64) error {
	wasBanned, err := e.store.SetUserBanned(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("ban user %d: %w", userID, err)
	}
	if wasBanned {
		return nil
	}
	log.Printf("engine: user %d banned, cleaning up sandboxes", userID)

	sandboxes, err := e.store.ListActiveSandboxesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sandboxes for user %d: %w", userID, err)
	}
	for i := range sandboxes {
		e.dispatchCleanup(ctx, sandboxes[i].ID)
	}
	log.Printf("engine: scheduled cleanup for %d sandboxes of user %d", len(sandboxes), userID)
	return nil
}

// ListManagedContainers returns the daemon's view of every container the
// controller created, for the admin surface.
func (e *Engine) ListManagedContainers(ctx context.Context) ([]docker.PSEntry, error) {
	entries, err := e.runtime.ListContainers(ctx, docker.LabelChallengeID)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return entries, nil
}

func (e *Engine) dispatchCleanup(ctx context.Context, sandboxID int64) {
	if e.queue != nil {
		err := e.queue.EnqueueCleanupSandbox(ctx, sandboxID)
		if err == nil {
			return
		}
		log.Printf("engine: enqueue cleanup for sandbox %d: %v, running inline", sandboxID, err)
	}
	if err := e.CleanupSandbox(ctx, sandboxID); err != nil {
		log.Printf("engine: inline cleanup sandbox %d: %v", sandboxID, err)
	}
}

func (e *Engine) dispatchNotification(ctx context.Context, message string, userID *int64, toAll bool) {
	if e.queue != nil {
		err := e.queue.EnqueueNotification(ctx, message, userID, toAll)
		if err == nil {
			return
		}
		log.Printf("engine: enqueue notification: %v, sending inline", err)
	}
	if e.notifier == nil {
		log.Printf("engine: no notifier configured, dropping notification: %s", message)
		return
	}
	var err error
	switch {
	case toAll:
		err = e.notifier.SendToAll(ctx, message)
	case userID != nil:
		err = e.notifier.SendToUser(ctx, *userID, message)
	}
	if err != nil {
		log.Printf("engine: inline notification: %v", err)
	}
}

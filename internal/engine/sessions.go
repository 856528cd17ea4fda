package engine

import (
	"context"
	"log"
	"time"

	"github.com/xctf/xctf/internal/db"
)

// HandoffSessionRules moves the user's sandbox firewall rules from oldIP to
// newIP after a login from a new address. Static sandboxes are skipped:
// their ports are open regardless of session IP. An empty oldIP (first
// login) only adds.
func (e *Engine) HandoffSessionRules(ctx context.Context, userID int64, oldIP, newIP string) {
	if err := e.firewall.Initialize(ctx); err != nil {
		log.Printf("engine: firewall init during session handoff: %v", err)
		return
	}

	sandboxes, err := e.store.ListActiveSandboxesByUser(ctx, userID)
	if err != nil {
		log.Printf("engine: list sandboxes for session handoff: user=%d: %v", userID, err)
		return
	}

	for i := range sandboxes {
		sb := &sandboxes[i]
		if e.sandboxIsStatic(ctx, sb) {
			continue
		}
		ports := db.SandboxPorts(sb)
		if oldIP != "" && oldIP != newIP {
			for _, port := range ports {
				e.firewall.RemovePortIPMapping(ctx, port, oldIP)
			}
		}
		for _, port := range ports {
			if err := e.firewall.AddPortIPMapping(ctx, port, newIP); err != nil {
				log.Printf("engine: add mapping %d -> %s: %v", port, newIP, err)
			}
		}
	}
	log.Printf("engine: session rules handed off: user=%d old=%q new=%s", userID, oldIP, newIP)
}

// RevokeSessionRules strips the firewall rules of a session that is being
// force-closed (IP mismatch, ban, logout): every per-user sandbox port of
// the user is removed for the session's IP.
func (e *Engine) RevokeSessionRules(ctx context.Context, userID int64, ip string) {
	sandboxes, err := e.store.ListActiveSandboxesByUser(ctx, userID)
	if err != nil {
		log.Printf("engine: list sandboxes for session revoke: user=%d: %v", userID, err)
		return
	}
	for i := range sandboxes {
		sb := &sandboxes[i]
		if e.sandboxIsStatic(ctx, sb) {
			continue
		}
		for _, port := range db.SandboxPorts(sb) {
			e.firewall.RemovePortIPMapping(ctx, port, ip)
		}
	}
	log.Printf("engine: session rules revoked: user=%d ip=%s", userID, ip)
}

// RevokeIPRules removes every firewall map entry bound to ip, regardless of
// owner. Used when an address must be cut off wholesale.
func (e *Engine) RevokeIPRules(ctx context.Context, ip string) {
	e.firewall.RemoveAllPortsForIP(ctx, ip)
}

// CleanupExpiredSessions deactivates sessions past their expiry and removes
// the firewall rules of their per-user sandboxes. The sandboxes themselves
// keep running; the reaper retires them on its own schedule.
func (e *Engine) CleanupExpiredSessions(ctx context.Context) {
	expired, err := e.store.ListExpiredSessions(ctx, time.Now())
	if err != nil {
		log.Printf("engine: list expired sessions: %v", err)
		return
	}

	for i := range expired {
		sess := &expired[i]
		sandboxes, err := e.store.ListActiveSandboxesByUser(ctx, sess.UserID)
		if err != nil {
			log.Printf("engine: list sandboxes for expired session: user=%d: %v", sess.UserID, err)
			continue
		}
		for j := range sandboxes {
			sb := &sandboxes[j]
			if e.sandboxIsStatic(ctx, sb) {
				continue
			}
			e.firewall.RemoveAllPortMappingsForSandbox(ctx, sb.ContainerPort, sb.PortMappings)
		}

		if err := e.store.DeactivateSession(ctx, sess.ID); err != nil {
			log.Printf("engine: deactivate session %d: %v", sess.ID, err)
			continue
		}
		log.Printf("engine: cleaned up expired session: user=%d ip=%s", sess.UserID, sess.IPAddress)
	}
	log.Printf("engine: cleaned up %d expired sessions", len(expired))
}

// sandboxIsStatic resolves whether a sandbox belongs to a static challenge.
// A missing challenge row is treated as static so session juggling never
// touches its rules.
func (e *Engine) sandboxIsStatic(ctx context.Context, sb *db.Sandbox) bool {
	if sb.UserID == nil {
		return true
	}
	challenge, err := e.store.GetChallenge(ctx, sb.ChallengeID)
	if err != nil {
		log.Printf("engine: load challenge %d for sandbox %d: %v", sb.ChallengeID, sb.ID, err)
		return true
	}
	return challenge.Static
}

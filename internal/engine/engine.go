// Package engine orchestrates the sandbox lifecycle: redis-locked creation,
// volume and container provisioning, firewall scoping, and teardown. All
// state lives in the store and the host (daemon + packet filter); the engine
// itself is stateless and safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
	"github.com/xctf/xctf/internal/metrics"
	"github.com/xctf/xctf/internal/redislock"
)

// PrimaryPort is the container port every challenge image must serve on.
// Its host mapping is the sandbox's container_port column and the URL users
// are redirected to.
const PrimaryPort = 8000

const (
	defaultHealthTimeout = 60 * time.Second
	defaultLockTTL       = 10 * time.Second
)

var trailingPortRe = regexp.MustCompile(`:\d+$`)

// Config wires the engine's collaborators.
type Config struct {
	Store    Store
	Runtime  ContainerRuntime
	Firewall Firewall
	Volumes  VolumeManager
	Locks    Locker
	Queue    Enqueuer // optional; nil runs hook work inline
	Notifier Notifier // optional; delivers hook notifications when Queue is nil

	// ServerName is the public host[:port] sandbox URLs are derived from.
	ServerName string

	HealthTimeout time.Duration
	LockTTL       time.Duration
}

// Engine is the sandbox lifecycle controller.
type Engine struct {
	store    Store
	runtime  ContainerRuntime
	firewall Firewall
	volumes  VolumeManager
	locks    Locker
	queue    Enqueuer
	notifier Notifier

	serverName    string
	healthTimeout time.Duration
	lockTTL       time.Duration
}

// New builds an Engine from cfg, applying defaults for zero timeouts.
func New(cfg Config) *Engine {
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Engine{
		store:         cfg.Store,
		runtime:       cfg.Runtime,
		firewall:      cfg.Firewall,
		volumes:       cfg.Volumes,
		locks:         cfg.Locks,
		queue:         cfg.Queue,
		notifier:      cfg.Notifier,
		serverName:    cfg.ServerName,
		healthTimeout: cfg.HealthTimeout,
		lockTTL:       cfg.LockTTL,
	}
}

// GetOrCreateSandbox returns the active sandbox for (challenge, user),
// creating it under the per-key redis lock when absent. Static challenges
// ignore userID and share one sandbox. ErrLockBusy means another process is
// already creating it; callers should poll the store.
func (e *Engine) GetOrCreateSandbox(ctx context.Context, challenge *db.Challenge, userID *int64) (*db.Sandbox, error) {
	if challenge.Static {
		userID = nil
	} else if userID == nil {
		return nil, ErrUserRequired
	}

	sb, err := e.store.GetActiveSandbox(ctx, challenge.ID, userID)
	if err == nil {
		log.Printf("engine: sandbox already exists: sandbox=%d challenge=%d", sb.ID, challenge.ID)
		return sb, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup sandbox: %w", err)
	}

	lockName := redislock.SandboxLockName(challenge.ID, userID)
	if !e.locks.Acquire(ctx, lockName, e.lockTTL) {
		log.Printf("engine: failed to acquire creation lock: %s", lockName)
		return nil, ErrLockBusy
	}
	defer e.locks.Release(ctx, lockName)

	// Double check: a concurrent holder may have finished while we waited.
	sb, err = e.store.GetActiveSandbox(ctx, challenge.ID, userID)
	if err == nil {
		log.Printf("engine: sandbox created by another process: sandbox=%d", sb.ID)
		return sb, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup sandbox: %w", err)
	}

	return e.createSandbox(ctx, challenge, userID)
}

// requestedPorts is the union of the mandatory primary port and the
// challenge's declared TCP ports, primary first, duplicates dropped.
func requestedPorts(challenge *db.Challenge) []int {
	ports := []int{PrimaryPort}
	for _, p := range challenge.TCPPorts {
		if p != PrimaryPort {
			ports = append(ports, p)
		}
	}
	return ports
}

// createSandbox provisions volume, container, DB row and firewall rules for
// one sandbox, unwinding everything built so far when a step fails.
func (e *Engine) createSandbox(ctx context.Context, challenge *db.Challenge, userID *int64) (sb *db.Sandbox, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		switch {
		case errors.Is(err, ErrSandboxCreateTimeout):
			status = "timeout"
		case err != nil:
			status = "error"
		}
		metrics.SandboxCreatesTotal.WithLabelValues(status).Inc()
		metrics.SandboxCreateDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	ports := requestedPorts(challenge)

	// Rollback stack: on failure the steps completed so far are undone in
	// reverse order.
	var rollback []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
	}()

	mountPoint, err := e.volumes.Provision(ctx, challenge.ID, userID)
	if err != nil {
		// Provision cleans up a half-made image itself, but a stale mount
		// point may remain.
		e.volumes.Cleanup(ctx, challenge.ID, userID)
		return nil, fmt.Errorf("provision volume: %w", err)
	}
	rollback = append(rollback, func() { e.volumes.Cleanup(ctx, challenge.ID, userID) })

	name := docker.ContainerName(challenge.ID, userID)
	cfg := docker.DefaultContainerConfig(name, challenge.ImageTag)
	cfg.Ports = ports
	cfg.VolumeBind = mountPoint
	cfg.Labels[docker.LabelChallengeID] = strconv.FormatInt(challenge.ID, 10)
	if userID != nil {
		cfg.Labels[docker.LabelUserID] = strconv.FormatInt(*userID, 10)
	} else {
		cfg.Labels[docker.LabelUserID] = ""
	}

	containerID, err := e.runtime.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	rollback = append(rollback, func() {
		if rmErr := e.runtime.StopAndRemoveContainer(ctx, containerID); rmErr != nil {
			log.Printf("engine: rollback container %s: %v", containerID, rmErr)
		}
	})

	healthy, err := e.runtime.WaitForHealthy(ctx, containerID, e.healthTimeout)
	if err != nil {
		return nil, fmt.Errorf("wait for healthy: %w", err)
	}
	if !healthy {
		return nil, ErrSandboxCreateTimeout
	}

	info, err := e.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	portMappings := info.TCPPortMappings()
	primary, ok := portMappings[strconv.Itoa(PrimaryPort)]
	if !ok {
		return nil, ErrPrimaryPortMissing
	}
	rollback = append(rollback, func() {
		e.firewall.RemoveAllPortMappingsForSandbox(ctx, primary, portMappings)
	})

	if werr := e.volumes.WritePortMappings(mountPoint, portMappings); werr != nil {
		log.Printf("engine: failed to write port mappings file: %v", werr)
	}

	sb, err = e.store.CreateSandbox(ctx, &db.Sandbox{
		ContainerID:   containerID,
		ContainerPort: primary,
		ChallengeID:   challenge.ID,
		UserID:        userID,
		Active:        true,
		PortMappings:  portMappings,
	})
	if err != nil {
		return nil, fmt.Errorf("save sandbox: %w", err)
	}
	log.Printf("engine: sandbox created: sandbox=%d challenge=%d port=%d", sb.ID, challenge.ID, primary)

	e.applyFirewallRules(ctx, sb, challenge)
	return sb, nil
}

// applyFirewallRules opens the sandbox's ports: static challenges get
// world-reachable static ports, per-user ones get (port, session IP) map
// entries. Failures are logged, never fatal: a sandbox without rules is
// unreachable, not broken.
func (e *Engine) applyFirewallRules(ctx context.Context, sb *db.Sandbox, challenge *db.Challenge) {
	if err := e.firewall.Initialize(ctx); err != nil {
		log.Printf("engine: firewall init failed: %v", err)
		return
	}

	if challenge.Static {
		for _, port := range db.SandboxPorts(sb) {
			if err := e.firewall.AddStaticPort(ctx, port); err != nil {
				log.Printf("engine: add static port %d: %v", port, err)
			}
		}
		log.Printf("engine: added static firewall ports: sandbox=%d", sb.ID)
		return
	}

	if sb.UserID == nil {
		log.Printf("engine: cannot add firewall rules, sandbox has no user: sandbox=%d", sb.ID)
		return
	}
	sess, err := e.store.GetActiveSession(ctx, *sb.UserID)
	if err != nil {
		log.Printf("engine: cannot add firewall rules, no active session: user=%d", *sb.UserID)
		return
	}

	for _, port := range db.SandboxPorts(sb) {
		if err := e.firewall.AddPortIPMapping(ctx, port, sess.IPAddress); err != nil {
			log.Printf("engine: add mapping %d -> %s: %v", port, sess.IPAddress, err)
		}
	}
	log.Printf("engine: added firewall rules: sandbox=%d ip=%s", sb.ID, sess.IPAddress)
}

// CleanupSandbox tears a sandbox down in fixed order: firewall rules first
// (no window where a dead port stays reachable), then the container, then
// the DB row, then the volume. Container and firewall failures are logged
// and do not stop the teardown.
func (e *Engine) CleanupSandbox(ctx context.Context, sandboxID int64) error {
	sb, err := e.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("engine: sandbox not found: sandbox=%d", sandboxID)
			return nil
		}
		return fmt.Errorf("load sandbox %d: %w", sandboxID, err)
	}

	e.firewall.RemoveAllPortMappingsForSandbox(ctx, sb.ContainerPort, sb.PortMappings)
	log.Printf("engine: removed firewall rules: sandbox=%d port=%d", sb.ID, sb.ContainerPort)

	if err := e.runtime.StopAndRemoveContainer(ctx, sb.ContainerID); err != nil {
		log.Printf("engine: remove container %s: %v", sb.ContainerID, err)
	}

	if err := e.store.RetireSandbox(ctx, sb.ID, time.Now()); err != nil {
		return fmt.Errorf("retire sandbox %d: %w", sb.ID, err)
	}

	e.volumes.Cleanup(ctx, sb.ChallengeID, sb.UserID)
	metrics.SandboxCleanupsTotal.WithLabelValues("retired").Inc()
	log.Printf("engine: sandbox cleaned up: sandbox=%d", sb.ID)
	return nil
}

// SandboxURL derives the user-facing URL of a sandbox by swapping the
// public server name's port for the sandbox's host port.
func (e *Engine) SandboxURL(sb *db.Sandbox) string {
	host := trailingPortRe.ReplaceAllString(e.serverName, "")
	return fmt.Sprintf("http://%s:%d", host, sb.ContainerPort)
}

package engine

import (
	"context"
	"time"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
)

// Store is the persistence surface the engine needs. *db.Store satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	GetChallenge(ctx context.Context, id int64) (*db.Challenge, error)
	GetChallengeByName(ctx context.Context, name string) (*db.Challenge, error)
	SetChallengeActive(ctx context.Context, id int64, active bool) (bool, error)

	GetUser(ctx context.Context, id int64) (*db.User, error)
	SetUserBanned(ctx context.Context, id int64, banned bool) (bool, error)

	GetActiveSandbox(ctx context.Context, challengeID int64, userID *int64) (*db.Sandbox, error)
	GetSandbox(ctx context.Context, id int64) (*db.Sandbox, error)
	CreateSandbox(ctx context.Context, sb *db.Sandbox) (*db.Sandbox, error)
	RetireSandbox(ctx context.Context, id int64, destroyedAt time.Time) error
	ListActiveSandboxes(ctx context.Context) ([]db.Sandbox, error)
	ListActiveSandboxesByChallenge(ctx context.Context, challengeID int64) ([]db.Sandbox, error)
	ListActiveSandboxesByUser(ctx context.Context, userID int64) ([]db.Sandbox, error)
	ListActiveStaticSandboxes(ctx context.Context) ([]db.Sandbox, error)
	ListReapableSandboxes(ctx context.Context, cutoff time.Time) ([]db.Sandbox, error)

	HasCorrectSubmission(ctx context.Context, userID, challengeID int64) (bool, error)
	CreateSubmission(ctx context.Context, userID, challengeID int64, correct bool) error

	GetActiveSession(ctx context.Context, userID int64) (*db.UserSession, error)
	ListActiveSessions(ctx context.Context) ([]db.UserSession, error)
	ListExpiredSessions(ctx context.Context, now time.Time) ([]db.UserSession, error)
	DeactivateSession(ctx context.Context, sessionID int64) error
}

// ContainerRuntime abstracts the container daemon.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error)
	StopAndRemoveContainer(ctx context.Context, nameOrID string) error
	WaitForHealthy(ctx context.Context, nameOrID string, timeout time.Duration) (bool, error)
	ListContainers(ctx context.Context, labelFilter string) ([]docker.PSEntry, error)
}

// Firewall abstracts the host packet filter. Add operations report errors;
// removals are best-effort and silent on missing entries.
type Firewall interface {
	Initialize(ctx context.Context) error
	AddPortIPMapping(ctx context.Context, port int, ip string) error
	RemovePortIPMapping(ctx context.Context, port int, ip string)
	AddStaticPort(ctx context.Context, port int) error
	RemoveStaticPort(ctx context.Context, port int)
	RemoveAllPortMappingsForSandbox(ctx context.Context, primaryPort int, portMappings map[string]int)
	RemoveAllPortsForIP(ctx context.Context, ip string)
	CleanOrphanPorts(ctx context.Context, activePorts map[int]bool)
}

// VolumeManager abstracts per-sandbox volume provisioning.
type VolumeManager interface {
	Provision(ctx context.Context, challengeID int64, userID *int64) (string, error)
	WritePortMappings(mountPoint string, mappings map[string]int) error
	Cleanup(ctx context.Context, challengeID int64, userID *int64)
}

// Locker serializes sandbox creation per (challenge, user) key.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) bool
	Release(ctx context.Context, name string)
}

// Enqueuer hands slow work off to the task queue. A nil Enqueuer makes the
// engine perform the work inline.
type Enqueuer interface {
	EnqueueCleanupSandbox(ctx context.Context, sandboxID int64) error
	EnqueueNotification(ctx context.Context, message string, userID *int64, toAll bool) error
}

// Notifier delivers notifications when no queue is configured, or when an
// enqueue fails. *notify.Notifier satisfies it.
type Notifier interface {
	SendToUser(ctx context.Context, userID int64, message string) error
	SendToAll(ctx context.Context, message string) error
}

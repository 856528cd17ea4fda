package engine

import "errors"

var (
	// ErrSandboxCreateTimeout means the container never reported healthy
	// within the health timeout. The container and volume have already been
	// rolled back when this is returned.
	ErrSandboxCreateTimeout = errors.New("sandbox did not become healthy in time")

	// ErrLockBusy means another process holds the creation lock for the same
	// (challenge, user) key. Callers poll the store for the sandbox the
	// holder is building.
	ErrLockBusy = errors.New("sandbox creation lock busy")

	// ErrChallengeInactive rejects sandbox creation for deactivated challenges.
	ErrChallengeInactive = errors.New("challenge is not active")

	// ErrUserRequired rejects per-user operations on a nil user.
	ErrUserRequired = errors.New("user id required for non-static challenge")

	// ErrPrimaryPortMissing means the container did not publish the primary
	// service port.
	ErrPrimaryPortMissing = errors.New("required port 8000/tcp not published")
)

package docker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NamePrefix is prepended to every container name the controller creates.
// Admin container listings filter on it, so it must stay stable.
const NamePrefix = "xctf-"

// Container labels used to re-inspect the runtime during reconciliation.
// user_id is the empty string for static sandboxes.
const (
	LabelUserID      = "user_id"
	LabelChallengeID = "challenge_id"
)

// ErrNotFound is returned when the daemon does not know the container.
var ErrNotFound = errors.New("container not found")

// ContainerConfig defines how to create a sandbox container.
type ContainerConfig struct {
	Name       string
	Image      string
	Labels     map[string]string
	Ports      []int  // container TCP ports to publish; host ports are daemon-assigned
	VolumeBind string // host path mounted read-write at /data
	Memory     string // e.g. "512m"
	MemorySwap string // e.g. "512m"
	CPUQuota   int    // microseconds per 100ms period, e.g. 50000
}

// DefaultContainerConfig returns the resource defaults every sandbox gets:
// 512 MiB memory, no extra swap, half of one core.
func DefaultContainerConfig(name, image string) ContainerConfig {
	return ContainerConfig{
		Name:       name,
		Image:      image,
		Labels:     make(map[string]string),
		Memory:     "512m",
		MemorySwap: "512m",
		CPUQuota:   50000,
	}
}

// ContainerName derives the runtime container name for a (challenge, user)
// key, keeping the xctf- prefix convention.
func ContainerName(challengeID int64, userID *int64) string {
	if userID == nil {
		return fmt.Sprintf("%s%d", NamePrefix, challengeID)
	}
	return fmt.Sprintf("%s%d-%d", NamePrefix, challengeID, *userID)
}

// CreateContainer runs a detached container and returns its ID. Host ports
// for published container ports are assigned by the daemon; call
// InspectContainer afterwards to discover them.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	args := []string{"run", "--detach", "--name", cfg.Name}

	keys := make([]string, 0, len(cfg.Labels))
	for k := range cfg.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, cfg.Labels[k]))
	}

	for _, port := range cfg.Ports {
		args = append(args, "--publish", strconv.Itoa(port))
	}

	if cfg.VolumeBind != "" {
		args = append(args, "--volume", cfg.VolumeBind+":/data:rw")
	}
	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.MemorySwap != "" {
		args = append(args, "--memory-swap", cfg.MemorySwap)
	}
	if cfg.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.Itoa(cfg.CPUQuota))
	}

	args = append(args, cfg.Image)

	result, err := c.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("docker run failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	return strings.TrimSpace(result.Stdout), nil
}

// ContainerInfo holds inspect output for a container.
type ContainerInfo struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
		Health  *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
		Image  string            `json:"Image"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]PortBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

// PortBinding is one host-side binding of a published container port.
type PortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// InspectContainer returns detailed info about a container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	result, err := c.Run(ctx, "inspect", nameOrID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		if strings.Contains(result.Stderr, "No such object") ||
			strings.Contains(result.Stderr, "No such container") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
		}
		return nil, fmt.Errorf("docker inspect failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	var infos []ContainerInfo
	if err := ParseInspect(result.Stdout, &infos); err != nil {
		return nil, fmt.Errorf("failed to parse inspect output for %s: %w", nameOrID, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	return &infos[0], nil
}

// TCPPortMappings extracts the container-port -> host-port mapping for every
// published TCP port. Keys are decimal container-side port strings.
func (info *ContainerInfo) TCPPortMappings() map[string]int {
	out := make(map[string]int)
	for portProto, bindings := range info.NetworkSettings.Ports {
		parts := strings.SplitN(portProto, "/", 2)
		if len(parts) != 2 || parts[1] != "tcp" || len(bindings) == 0 {
			continue
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil || hostPort <= 0 {
			continue
		}
		out[parts[0]] = hostPort
	}
	return out
}

// StopContainer stops a container by name or ID. A missing container is
// reported as ErrNotFound.
func (c *Client) StopContainer(ctx context.Context, nameOrID string) error {
	result, err := c.Run(ctx, "stop", nameOrID)
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		if strings.Contains(result.Stderr, "No such container") {
			return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
		}
		return fmt.Errorf("docker stop failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// RemoveContainer removes a container by name or ID. force kills a running
// container first.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, nameOrID)

	result, err := c.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		if strings.Contains(result.Stderr, "No such container") {
			return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
		}
		return fmt.Errorf("docker rm failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// StopAndRemoveContainer stops then force-removes a container. Both steps
// are best-effort; failures are logged and the last error returned so
// teardown paths can decide whether to care.
func (c *Client) StopAndRemoveContainer(ctx context.Context, nameOrID string) error {
	if err := c.StopContainer(ctx, nameOrID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("docker: stop %s: %v", nameOrID, err)
	}
	return c.RemoveContainer(ctx, nameOrID, true)
}

// PSEntry represents a container from docker ps.
type PSEntry struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Image  string `json:"Image"`
	Labels string `json:"Labels"` // comma-separated k=v pairs
}

// ListContainers lists all containers matching the given label filter
// (e.g. "challenge_id=7"), or every container when the filter is empty.
func (c *Client) ListContainers(ctx context.Context, labelFilter string) ([]PSEntry, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{json .}}"}
	if labelFilter != "" {
		args = append(args, "--filter", "label="+labelFilter)
	}

	result, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("docker ps failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	return ParsePS(result.Stdout)
}

// WaitForHealthy polls the container's healthcheck once a second until it
// reports healthy or the timeout elapses. Images without a healthcheck
// never turn healthy and will time out.
func (c *Client) WaitForHealthy(ctx context.Context, nameOrID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := c.ContainerHealth(ctx, nameOrID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, err
			}
			log.Printf("docker: health check %s: %v", nameOrID, err)
		} else if state == HealthHealthy {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	log.Printf("docker: container health check timeout: container=%s timeout=%s", nameOrID, timeout)
	return false, nil
}

// Package docker wraps the docker CLI for the container operations the
// sandbox controller needs: create, inspect, stop, remove, list, and
// healthcheck polling.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Client wraps the docker CLI for container operations.
type Client struct {
	binaryPath string
}

// NewClient creates a new docker client. It verifies docker is available.
// binary may be empty, in which case "docker" is resolved from PATH.
func NewClient(binary string) (*Client, error) {
	if binary == "" {
		binary = "docker"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	return &Client{binaryPath: path}, nil
}

// ExecResult holds the output from a docker command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes a docker command and returns the result. A non-zero exit
// code is reported through ExitCode, not an error.
func (c *Client) Run(ctx context.Context, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("docker exec failed: %w", err)
	}

	return result, nil
}

// RunJSON executes a docker command and parses JSON output into dest.
func (c *Client) RunJSON(ctx context.Context, dest interface{}, args ...string) error {
	result, err := c.Run(ctx, args...)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("docker %s failed (exit %d): %s",
			strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	if err := json.Unmarshal([]byte(result.Stdout), dest); err != nil {
		return fmt.Errorf("failed to parse docker output: %w", err)
	}
	return nil
}

// Version returns the docker client version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := c.Run(ctx, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

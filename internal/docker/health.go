package docker

import (
	"context"
	"encoding/json"
	"strings"
)

// HealthState is the tagged healthcheck state of a container. HealthNone
// means the container has not reported any health status yet (or the image
// declares no healthcheck at all).
type HealthState string

const (
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthNone      HealthState = "none"
)

// ContainerHealth reads the documented State.Health.Status field of the
// container. An absent Health block maps to HealthNone.
func (c *Client) ContainerHealth(ctx context.Context, nameOrID string) (HealthState, error) {
	info, err := c.InspectContainer(ctx, nameOrID)
	if err != nil {
		return HealthNone, err
	}
	if info.State.Health == nil {
		return HealthNone, nil
	}
	switch info.State.Health.Status {
	case "starting":
		return HealthStarting, nil
	case "healthy":
		return HealthHealthy, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	default:
		return HealthNone, nil
	}
}

// ParseInspect decodes docker inspect output (a JSON array).
func ParseInspect(output string, dest *[]ContainerInfo) error {
	output = strings.TrimSpace(output)
	if output == "" || output == "[]" {
		return nil
	}
	return json.Unmarshal([]byte(output), dest)
}

// ParsePS decodes docker ps --format '{{json .}}' output, which is
// newline-delimited JSON.
func ParsePS(output string) ([]PSEntry, error) {
	var entries []PSEntry
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry PSEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

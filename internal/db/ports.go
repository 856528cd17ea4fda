package db

import (
	"fmt"
	"sort"
	"strconv"
)

// NormalizePortMappings coerces a mapping of container port -> host port
// where host-port values may arrive as float64 (JSON numbers), int, or
// decimal strings. Non-integral values are a validation error; callers
// normalise once at ingress so downstream code handles one type.
func NormalizePortMappings(raw map[string]any) (map[string]int, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]int, len(raw))
	for containerPort, v := range raw {
		port, ok := coercePort(v)
		if !ok {
			return nil, fmt.Errorf("port mapping %q has non-integral host port %v", containerPort, v)
		}
		out[containerPort] = port
	}
	return out, nil
}

// salvagePortMappings keeps whatever entries of a raw mapping are
// coercible and drops the rest. Reads of junk legacy rows must not fail,
// or teardown of their sandboxes would wedge.
func salvagePortMappings(raw map[string]any) map[string]int {
	out := make(map[string]int, len(raw))
	for containerPort, v := range raw {
		if port, ok := coercePort(v); ok {
			out[containerPort] = port
		}
	}
	return out
}

// PortValues returns the sorted, deduplicated host ports of a mapping,
// skipping zero and negative values.
func PortValues(mappings map[string]int) []int {
	seen := make(map[int]bool, len(mappings))
	ports := make([]int, 0, len(mappings))
	for _, p := range mappings {
		if p > 0 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports
}

// SandboxPorts returns the primary port plus all mapped host ports of a
// sandbox, deduplicated.
func SandboxPorts(sb *Sandbox) []int {
	ports := PortValues(sb.PortMappings)
	for _, p := range ports {
		if p == sb.ContainerPort {
			return ports
		}
	}
	if sb.ContainerPort > 0 {
		ports = append(ports, sb.ContainerPort)
		sort.Ints(ports)
	}
	return ports
}

func coercePort(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, t > 0
	case int64:
		return int(t), t > 0
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), t > 0
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, n > 0
	default:
		return 0, false
	}
}

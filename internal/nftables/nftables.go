// Package nftables owns the "xctf" table in the host packet filter. All
// sandbox ports live inside it: an interval set of static ports accepted
// from anywhere, an interval set of dynamically published sandbox ports,
// and a (port . source IP) -> verdict map that scopes each sandbox port to
// the IP of the session that owns it. Anything in sandbox_ports without a
// map hit is rejected with a TCP reset.
package nftables

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	tableName       = "xctf"
	chainName       = "sandbox_access"
	mapName         = "sandbox_port_to_ip"
	staticPortsSet  = "static_ports"
	sandboxPortsSet = "sandbox_ports"

	// Host ports the container daemon hands out live in the ephemeral
	// range; the orphan sweep ignores anything outside it.
	sandboxPortMin = 32768
	sandboxPortMax = 65535
)

var (
	setElementsRe = regexp.MustCompile(`elements\s*=\s*\{([^}]+)\}`)
	portRangeRe   = regexp.MustCompile(`(\d+)(?:-(\d+))?`)
)

// Controller manages the xctf nftables table. Initialization is idempotent
// and lazy: the first mutating call probes for the table and creates it if
// absent.
type Controller struct {
	runner    Runner
	rulesFile string

	mu          sync.Mutex
	initialized bool
}

// New creates a Controller using the real nft CLI. rulesFile is where
// SaveRulesToFile persists the table dump; empty disables persistence.
func New(rulesFile string) *Controller {
	return &Controller{runner: ExecRunner{}, rulesFile: rulesFile}
}

// NewWithRunner creates a Controller with a custom Runner, used by tests.
func NewWithRunner(r Runner, rulesFile string) *Controller {
	return &Controller{runner: r, rulesFile: rulesFile}
}

// Initialize probes for the xctf table and builds it if absent: sets, map,
// and the prerouting (-300, before the container daemon's NAT) and input
// (-100) chains with identical rule order. Safe to call repeatedly.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Controller) initializeLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	if _, ok := c.tryRun(ctx, "list table inet xctf"); ok {
		log.Printf("nftables: table %q already exists", tableName)
		c.initialized = true
		return nil
	}

	setup := []string{
		"add table inet xctf",

		fmt.Sprintf("add map inet xctf %s { type inet_service . ipv4_addr : verdict; }", mapName),
		fmt.Sprintf("add set inet xctf %s { type inet_service; flags interval; }", staticPortsSet),
		fmt.Sprintf("add set inet xctf %s { type inet_service; flags interval; }", sandboxPortsSet),

		// Prerouting runs at -300 so access checks happen before DNAT
		// remaps sandbox ports.
		fmt.Sprintf("add chain inet xctf %s_prerouting { type filter hook prerouting priority -300; policy accept; }", chainName),
		fmt.Sprintf("add rule inet xctf %s_prerouting tcp dport != @%s counter accept", chainName, sandboxPortsSet),
		fmt.Sprintf(`add rule inet xctf %s_prerouting tcp dport @%s counter log prefix "[XCTF-PREROUTING-STATIC] " accept`, chainName, staticPortsSet),
		fmt.Sprintf("add rule inet xctf %s_prerouting tcp dport @%s tcp dport != @%s counter tcp dport . ip saddr vmap @%s", chainName, sandboxPortsSet, staticPortsSet, mapName),
		fmt.Sprintf(`add rule inet xctf %s_prerouting tcp dport @%s tcp dport != @%s counter log prefix "[XCTF-PREROUTING-REJECT] " reject with tcp reset`, chainName, sandboxPortsSet, staticPortsSet),

		fmt.Sprintf("add chain inet xctf %s { type filter hook input priority -100; policy accept; }", chainName),
		fmt.Sprintf(`add rule inet xctf %s tcp dport != @%s counter log prefix "[XCTF-ACCEPT-NON-SANDBOX] " accept`, chainName, sandboxPortsSet),
		fmt.Sprintf(`add rule inet xctf %s tcp dport @%s counter log prefix "[XCTF-ACCEPT-STATIC] " accept`, chainName, staticPortsSet),
		fmt.Sprintf("add rule inet xctf %s tcp dport @%s tcp dport != @%s counter tcp dport . ip saddr vmap @%s", chainName, sandboxPortsSet, staticPortsSet, mapName),
		fmt.Sprintf(`add rule inet xctf %s tcp dport @%s tcp dport != @%s counter log prefix "[XCTF-REJECT] " reject with tcp reset`, chainName, sandboxPortsSet, staticPortsSet),
	}

	for _, cmd := range setup {
		if _, err := c.mustRun(ctx, cmd); err != nil {
			return fmt.Errorf("failed to initialize firewall: %w", err)
		}
	}

	log.Printf("nftables: firewall table %q initialized", tableName)
	c.initialized = true
	return nil
}

func (c *Controller) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

// AddPortIPMapping opens a sandbox port for one source IP: the port is
// inserted into sandbox_ports (duplicate insert tolerated) and
// (port . ip) -> accept into the verdict map (failure fatal).
func (c *Controller) AddPortIPMapping(ctx context.Context, port int, ip string) error {
	if err := c.ensureInitialized(ctx); err != nil {
		return err
	}

	if _, ok := c.tryRun(ctx, fmt.Sprintf("add element inet xctf %s { %d }", sandboxPortsSet, port)); !ok {
		log.Printf("nftables: failed to add port %d to %s set (may already exist)", port, sandboxPortsSet)
	}

	if _, err := c.mustRun(ctx, fmt.Sprintf("add element inet xctf %s { %d . %s : accept }", mapName, port, ip)); err != nil {
		return fmt.Errorf("failed to add port-to-IP mapping %d -> %s: %w", port, ip, err)
	}
	log.Printf("nftables: added accept rule: port=%d ip=%s", port, ip)
	return nil
}

// RemovePortIPMapping deletes the (port . ip) map entry, leaving the port's
// membership in sandbox_ports alone. Missing entries are tolerated.
func (c *Controller) RemovePortIPMapping(ctx context.Context, port int, ip string) {
	c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d . %s : accept }", mapName, port, ip))
	log.Printf("nftables: removed accept rule: port=%d ip=%s", port, ip)
}

// AddStaticPort adds a port accepted from any source IP.
func (c *Controller) AddStaticPort(ctx context.Context, port int) error {
	if err := c.ensureInitialized(ctx); err != nil {
		return err
	}
	if _, err := c.mustRun(ctx, fmt.Sprintf("add element inet xctf %s { %d }", staticPortsSet, port)); err != nil {
		return fmt.Errorf("failed to add static port %d: %w", port, err)
	}
	log.Printf("nftables: added static port %d", port)
	return nil
}

// RemoveStaticPort removes a port from the static allowlist, tolerating a miss.
func (c *Controller) RemoveStaticPort(ctx context.Context, port int) {
	c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", staticPortsSet, port))
	log.Printf("nftables: removed static port %d", port)
}

// RemoveSandboxPort removes a port from the sandbox_ports set, tolerating a miss.
func (c *Controller) RemoveSandboxPort(ctx context.Context, port int) {
	c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", sandboxPortsSet, port))
	log.Printf("nftables: removed sandbox port %d", port)
}

// RemoveAllPortMappingsForSandbox tears down every firewall trace of a
// sandbox: the primary port and each mapped host port are deleted from both
// sets, and every map entry keyed on those ports (discovered by listing the
// map once) is removed. Best-effort throughout.
func (c *Controller) RemoveAllPortMappingsForSandbox(ctx context.Context, primaryPort int, portMappings map[string]int) {
	ports := []int{primaryPort}
	seen := map[int]bool{primaryPort: true}
	for _, p := range portMappings {
		if p > 0 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	mapOutput, mapOK := c.tryRun(ctx, fmt.Sprintf("list map inet xctf %s", mapName))

	cleaned := 0
	for _, port := range ports {
		c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", sandboxPortsSet, port))
		c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", staticPortsSet, port))

		if mapOK {
			for _, ip := range parseMapIPsForPort(mapOutput, port) {
				c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d . %s : accept }", mapName, port, ip))
				cleaned++
			}
		}
	}
	log.Printf("nftables: removed firewall rules for sandbox ports %v, cleaned %d mappings", ports, cleaned)
}

// RemoveAllPortsForIP deletes every map entry whose source IP equals the
// argument, used when a session's IP binding is revoked wholesale.
func (c *Controller) RemoveAllPortsForIP(ctx context.Context, ip string) {
	mapOutput, ok := c.tryRun(ctx, fmt.Sprintf("list map inet xctf %s", mapName))
	if !ok {
		log.Printf("nftables: cannot list map to remove entries for ip=%s", ip)
		return
	}
	removed := 0
	for _, port := range parseMapPortsForIP(mapOutput, ip) {
		c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d . %s : accept }", mapName, port, ip))
		removed++
	}
	log.Printf("nftables: removed %d map entries for ip=%s", removed, ip)
}

// CleanOrphanPorts lists the sandbox_ports set, diffs it against the ports
// of currently active sandboxes, and removes every orphan from both sets
// along with its map entries. Never returns an error; counts are logged.
func (c *Controller) CleanOrphanPorts(ctx context.Context, activePorts map[int]bool) {
	output, ok := c.tryRun(ctx, fmt.Sprintf("list set inet xctf %s", sandboxPortsSet))
	if !ok {
		log.Printf("nftables: failed to list %s set, skipping orphan sweep", sandboxPortsSet)
		return
	}

	currentPorts := ParseSetElements(output)

	var orphans []int
	for port := range currentPorts {
		if !activePorts[port] {
			orphans = append(orphans, port)
		}
	}

	if len(orphans) == 0 {
		log.Printf("nftables: no orphan ports found")
		return
	}
	log.Printf("nftables: found %d orphan ports to clean: %v", len(orphans), orphans)

	cleaned := 0
	for _, port := range orphans {
		c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", sandboxPortsSet, port))
		c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d }", staticPortsSet, port))

		if mapOutput, ok := c.tryRun(ctx, fmt.Sprintf("list map inet xctf %s", mapName)); ok {
			for _, ip := range parseMapIPsForPort(mapOutput, port) {
				c.tryRun(ctx, fmt.Sprintf("delete element inet xctf %s { %d . %s : accept }", mapName, port, ip))
			}
		}
		cleaned++
	}
	log.Printf("nftables: cleaned %d/%d orphan ports", cleaned, len(orphans))
}

// SaveRulesToFile dumps the xctf table to the configured rules file so the
// allow-list survives an nftables restart.
func (c *Controller) SaveRulesToFile(ctx context.Context) error {
	if c.rulesFile == "" {
		return nil
	}
	output, err := c.mustRun(ctx, "list table inet xctf")
	if err != nil {
		return fmt.Errorf("failed to dump table: %w", err)
	}

	content := fmt.Sprintf("# X-CTF Firewall Rules\n# Generated at %s\n\n%s\n",
		time.Now().Format(time.RFC3339), output)
	if err := os.WriteFile(c.rulesFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	log.Printf("nftables: saved rules to %s", c.rulesFile)
	return nil
}

// ParseSetElements extracts the individual ports of an nft set listing,
// expanding interval elements like "40000-40002" and clamping to the
// sandbox port range.
func ParseSetElements(output string) map[int]bool {
	ports := make(map[int]bool)
	m := setElementsRe.FindStringSubmatch(output)
	if m == nil {
		return ports
	}
	for _, rangeMatch := range portRangeRe.FindAllStringSubmatch(m[1], -1) {
		start, err := strconv.Atoi(rangeMatch[1])
		if err != nil {
			continue
		}
		end := start
		if rangeMatch[2] != "" {
			if e, err := strconv.Atoi(rangeMatch[2]); err == nil {
				end = e
			}
		}
		for port := start; port <= end; port++ {
			if port >= sandboxPortMin && port <= sandboxPortMax {
				ports[port] = true
			}
		}
	}
	return ports
}

func parseMapIPsForPort(mapOutput string, port int) []string {
	re := regexp.MustCompile(fmt.Sprintf(`\b%d\s+\.\s+(\d+\.\d+\.\d+\.\d+)\s+:\s+accept`, port))
	var ips []string
	for _, m := range re.FindAllStringSubmatch(mapOutput, -1) {
		ips = append(ips, m[1])
	}
	return ips
}

func parseMapPortsForIP(mapOutput, ip string) []int {
	re := regexp.MustCompile(`\b(\d+)\s+\.\s+` + regexp.QuoteMeta(ip) + `\s+:\s+accept`)
	var ports []int
	for _, m := range re.FindAllStringSubmatch(mapOutput, -1) {
		if p, err := strconv.Atoi(m[1]); err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}

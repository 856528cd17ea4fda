package nftables

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// Runner executes one nft directive. Implementations receive the directive
// already split into argv tokens with {...} literals kept intact.
type Runner interface {
	RunNft(ctx context.Context, tokens []string) (output string, err error)
}

// ExecRunner invokes the nft CLI through sudo.
type ExecRunner struct{}

func (ExecRunner) RunNft(ctx context.Context, tokens []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := append([]string{"nft"}, tokens...)
	cmd := exec.CommandContext(ctx, "sudo", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("nft command timed out: %s", strings.Join(tokens, " "))
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("nft command failed: %s", msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Tokenize splits an nft directive into argv tokens, keeping balanced {...}
// literals (set and map element payloads) as single tokens so they survive
// the trip through exec argv.
func Tokenize(command string) []string {
	var tokens []string
	i := 0
	for i < len(command) {
		switch {
		case command[i] == ' ' || command[i] == '\t':
			i++
		case command[i] == '{':
			end := strings.IndexByte(command[i:], '}')
			if end < 0 {
				tokens = append(tokens, command[i:])
				return tokens
			}
			tokens = append(tokens, command[i:i+end+1])
			i += end + 1
		default:
			end := strings.IndexAny(command[i:], " \t")
			if end < 0 {
				tokens = append(tokens, command[i:])
				return tokens
			}
			tokens = append(tokens, command[i:i+end])
			i += end
		}
	}
	return tokens
}

// mustRun submits one directive whose failure is fatal to the operation.
func (c *Controller) mustRun(ctx context.Context, command string) (string, error) {
	out, err := c.runner.RunNft(ctx, Tokenize(command))
	if err != nil {
		log.Printf("nftables: command failed: %s: %v", command, err)
		return "", err
	}
	return out, nil
}

// tryRun submits one directive tolerating failure: missing elements are
// expected on removals and presence probes, anything else is logged as
// non-critical. Returns the output and whether the command succeeded.
func (c *Controller) tryRun(ctx context.Context, command string) (string, bool) {
	out, err := c.runner.RunNft(ctx, Tokenize(command))
	if err == nil {
		return out, true
	}

	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "not found") && !strings.Contains(msg, "does not exist") &&
		!strings.Contains(msg, "no such file") {
		log.Printf("nftables: command failed (non-critical): %s: %v", command, err)
	}
	return "", false
}

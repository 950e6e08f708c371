// Package shell runs the opaque task payload as a local shell command.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/core/domain"
)

// maxOutput caps captured combined output per attempt.
const maxOutput = 8192

// Runner executes commands under the worker's context so a stuck payload
// never occupies a worker past the configured timeout.
type Runner struct {
	log *zap.Logger

	// waitDelay bounds how long the output read may block after the context
	// kill, when grandchildren of sh still hold the inherited pipe open.
	waitDelay time.Duration
}

// NewRunner creates a shell payload runner.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log, waitDelay: 5 * time.Second}
}

// Run executes command via `sh -c` and returns its truncated combined
// output. A deadline hit is reported as ErrPayloadTimeout, which counts
// against max_retries like any other failure.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		// Empty payloads are legal no-op tasks.
		return "", nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = r.waitDelay
	out, err := cmd.CombinedOutput()
	if len(out) > maxOutput {
		out = out[:maxOutput]
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return string(out), fmt.Errorf("%w: %s", domain.ErrPayloadTimeout, command)
		}
		return string(out), fmt.Errorf("payload failed: %w", err)
	}
	return string(out), nil
}

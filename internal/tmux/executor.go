package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/model"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

// Runner abstracts process execution so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor runs tmux commands with a per-command timeout and bounded
// retries for read-only queries.
type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{cfg: cfg, runner: OSRunner{}}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

func (e *Executor) Run(ctx context.Context, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1
	if isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		out, err := e.runner.Run(runCtx, command[0], command[1:]...)
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		return RunResult{}, fmt.Errorf("%s: %w", model.ErrMuxUnavailable, lastErr)
	}
	return RunResult{}, fmt.Errorf("%s: %w", model.ErrMuxUnavailable, lastErr)
}

// BuildTmuxCommand prepends the tmux binary and, when the client is
// pinned to a dedicated socket, the -L flag.
func (e *Executor) BuildTmuxCommand(args ...string) []string {
	cmd := make([]string, 0, len(args)+3)
	cmd = append(cmd, "tmux")
	if e.cfg.TmuxSocket != "" {
		cmd = append(cmd, "-L", e.cfg.TmuxSocket)
	}
	cmd = append(cmd, args...)
	return cmd
}

func isRetryableCommand(command []string) bool {
	idx := 1
	if len(command) > 2 && command[1] == "-L" {
		idx = 3
	}
	if len(command) <= idx {
		return false
	}
	if command[0] != "tmux" {
		return false
	}
	switch strings.ToLower(command[idx]) {
	case "list-panes", "list-sessions", "display-message", "capture-pane", "has-session", "show-options":
		return true
	default:
		return false
	}
}

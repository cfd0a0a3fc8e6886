// Package tmux wraps the external terminal multiplexer behind the small
// capability surface the broker needs: named detached sessions, literal
// and key-level input injection, and buffer snapshots. All calls are
// shell-level commands with no return beyond success/failure.
package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type Client struct {
	exec *Executor
}

func NewClient(exec *Executor) *Client {
	return &Client{exec: exec}
}

// NewSession creates a detached named session rooted in dir. The first
// window runs the default shell; the agent command is injected
// separately so reconnects can tell whether it is already running.
func (c *Client) NewSession(ctx context.Context, name, dir string) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("new-session", "-d", "-s", name, "-c", dir))
	if err != nil {
		return fmt.Errorf("new-session %s: %w", name, err)
	}
	return nil
}

func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("has-session", "-t", "="+name))
	if err == nil {
		return true, nil
	}
	// tmux exits 1 for "no such session"; anything else is a real failure.
	if strings.Contains(err.Error(), "exit status 1") {
		return false, nil
	}
	return false, err
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("kill-session", "-t", "="+name))
	if err != nil && strings.Contains(err.Error(), "exit status 1") {
		return nil
	}
	return err
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	res, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("list-sessions", "-F", "#{session_name}"))
	if err != nil {
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "exit status 1") {
			return []string{}, nil
		}
		return nil, err
	}
	out := strings.TrimSpace(res.Output)
	if out == "" {
		return []string{}, nil
	}
	return strings.Split(out, "\n"), nil
}

// SendText injects literal text followed by Enter. The -l flag keeps
// tmux from interpreting the payload as key names.
func (c *Client) SendText(ctx context.Context, name, text string) error {
	if _, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("send-keys", "-t", "="+name, "-l", text)); err != nil {
		return fmt.Errorf("send-keys literal %s: %w", name, err)
	}
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("send-keys", "-t", "="+name, "Enter"))
	if err != nil {
		return fmt.Errorf("send-keys enter %s: %w", name, err)
	}
	return nil
}

// SendKey injects a single named key or control chord (e.g. "C-c",
// "Escape", "Enter", "y").
func (c *Client) SendKey(ctx context.Context, name, key string) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("send-keys", "-t", "="+name, key))
	if err != nil {
		return fmt.Errorf("send-keys %s %s: %w", key, name, err)
	}
	return nil
}

// SendRaw forwards raw input bytes without appending Enter.
func (c *Client) SendRaw(ctx context.Context, name string, data []byte) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("send-keys", "-t", "="+name, "-l", string(data)))
	return err
}

// Capture snapshots the last lines of the visible buffer plus scrollback,
// preserving escape sequences.
func (c *Client) Capture(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	res, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"capture-pane", "-e", "-p", "-t", "="+name, "-S", "-"+strconv.Itoa(lines)))
	if err != nil {
		return "", fmt.Errorf("capture-pane %s: %w", name, err)
	}
	return res.Output, nil
}

// Resize applies client-reported dimensions to the session's window.
func (c *Client) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"resize-window", "-t", "="+name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)))
	return err
}

// PipeOutput mirrors everything the session emits into path, the file
// the terminal manager follows for live streaming.
func (c *Client) PipeOutput(ctx context.Context, name, path string) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand(
		"pipe-pane", "-o", "-t", "="+name, "cat >> "+shellQuote(path)))
	if err != nil {
		return fmt.Errorf("pipe-pane %s: %w", name, err)
	}
	return nil
}

func (c *Client) StopPipe(ctx context.Context, name string) error {
	_, err := c.exec.Run(ctx, c.exec.BuildTmuxCommand("pipe-pane", "-t", "="+name))
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package tmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/config"
)

type fakeRunner struct {
	calls   []runnerCall
	results []runnerResult
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	if len(f.results) == 0 {
		return []byte("ok"), nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func fastConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = time.Second
	cfg.RetryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	return cfg
}

func TestBuildTmuxCommandWithoutSocket(t *testing.T) {
	cfg := fastConfig()
	cfg.TmuxSocket = ""
	ex := NewExecutorWithRunner(cfg, &fakeRunner{})

	cmd := ex.BuildTmuxCommand("has-session", "-t", "=vox-a")
	if len(cmd) != 4 || cmd[0] != "tmux" || cmd[1] != "has-session" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
}

func TestBuildTmuxCommandPinsSocket(t *testing.T) {
	cfg := fastConfig()
	cfg.TmuxSocket = "voxmux"
	ex := NewExecutorWithRunner(cfg, &fakeRunner{})

	cmd := ex.BuildTmuxCommand("list-sessions")
	if len(cmd) != 4 || cmd[1] != "-L" || cmd[2] != "voxmux" {
		t.Fatalf("expected -L voxmux prefix, got %#v", cmd)
	}
}

func TestExecutorRetriesReadOnlyCommands(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("exit status 1")},
		{out: []byte("vox-a\n")},
	}}
	ex := NewExecutorWithRunner(fastConfig(), r)

	res, err := ex.Run(context.Background(), []string{"tmux", "list-sessions", "-F", "#{session_name}"})
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if res.Output != "vox-a\n" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(r.calls))
	}
}

func TestExecutorDoesNotRetryMutations(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("exit status 1")},
	}}
	ex := NewExecutorWithRunner(fastConfig(), r)

	_, err := ex.Run(context.Background(), []string{"tmux", "send-keys", "-t", "=vox-a", "Enter"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if len(r.calls) != 1 {
		t.Fatalf("mutating command must not retry, got %d attempts", len(r.calls))
	}
}

func TestExecutorRetryableDetectionSkipsSocketFlag(t *testing.T) {
	if !isRetryableCommand([]string{"tmux", "-L", "voxmux", "has-session", "-t", "=vox-a"}) {
		t.Fatalf("expected has-session behind -L to be retryable")
	}
	if isRetryableCommand([]string{"tmux", "-L", "voxmux", "kill-session", "-t", "=vox-a"}) {
		t.Fatalf("kill-session must never be retryable")
	}
}

func TestExecutorEmptyCommandRejected(t *testing.T) {
	ex := NewExecutorWithRunner(fastConfig(), &fakeRunner{})
	if _, err := ex.Run(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

package tmux

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestClient(r *fakeRunner) *Client {
	cfg := fastConfig()
	cfg.TmuxSocket = ""
	cfg.RetryBackoff = nil
	return NewClient(NewExecutorWithRunner(cfg, r))
}

func TestNewSessionArgs(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	if err := c.NewSession(context.Background(), "vox-demo", "/tmp/demo"); err != nil {
		t.Fatalf("new session: %v", err)
	}
	want := []string{"new-session", "-d", "-s", "vox-demo", "-c", "/tmp/demo"}
	got := r.calls[0].args
	if len(got) != len(want) {
		t.Fatalf("unexpected args: %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSessionExistsMapsExitOneToFalse(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("exit status 1")},
	}}
	c := newTestClient(r)

	exists, err := c.SessionExists(context.Background(), "vox-gone")
	if err != nil {
		t.Fatalf("exit status 1 is not an error: %v", err)
	}
	if exists {
		t.Fatalf("expected session to be reported missing")
	}
}

func TestSessionExistsSurfacesRealFailures(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("fork/exec tmux: no such file or directory")},
	}}
	c := newTestClient(r)

	if _, err := c.SessionExists(context.Background(), "vox-a"); err == nil {
		t.Fatalf("expected a real failure to propagate")
	}
}

func TestSendTextSendsLiteralThenEnter(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	if err := c.SendText(context.Background(), "vox-a", "run the tests; then -l"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected literal + Enter, got %d calls", len(r.calls))
	}
	first := strings.Join(r.calls[0].args, " ")
	if !strings.Contains(first, "-l run the tests; then -l") {
		t.Fatalf("payload must be sent literally: %q", first)
	}
	second := r.calls[1].args
	if second[len(second)-1] != "Enter" {
		t.Fatalf("second call must press Enter: %#v", second)
	}
}

func TestCaptureRequestsScrollback(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{out: []byte("$ ls\nmain.go\n")}}}
	c := newTestClient(r)

	out, err := c.Capture(context.Background(), "vox-a", 50)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out != "$ ls\nmain.go\n" {
		t.Fatalf("unexpected capture output: %q", out)
	}
	args := strings.Join(r.calls[0].args, " ")
	if !strings.Contains(args, "-S -50") {
		t.Fatalf("expected scrollback bound -S -50, got %q", args)
	}
	if !strings.Contains(args, "-e") {
		t.Fatalf("capture must preserve escape sequences: %q", args)
	}
}

func TestKillSessionToleratesAlreadyGone(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("exit status 1")},
	}}
	c := newTestClient(r)

	if err := c.KillSession(context.Background(), "vox-gone"); err != nil {
		t.Fatalf("killing an absent session is not an error: %v", err)
	}
}

func TestListSessionsEmptyServer(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("no server running on /tmp/tmux-1000/default")},
	}}
	c := newTestClient(r)

	names, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("no server is an empty list, not an error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no sessions, got %#v", names)
	}
}

func TestPipeOutputQuotesPath(t *testing.T) {
	r := &fakeRunner{}
	c := newTestClient(r)

	if err := c.PipeOutput(context.Background(), "vox-a", "/tmp/it's here.out"); err != nil {
		t.Fatalf("pipe output: %v", err)
	}
	args := r.calls[0].args
	tail := args[len(args)-1]
	if !strings.HasPrefix(tail, "cat >> '") {
		t.Fatalf("expected quoted append command, got %q", tail)
	}
	if !strings.Contains(tail, `'\''`) {
		t.Fatalf("single quote in path must be escaped: %q", tail)
	}
}

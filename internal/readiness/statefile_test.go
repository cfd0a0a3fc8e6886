package readiness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/model"
)

func writeState(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write state file: %v", err)
	}
}

func TestReadStateFileLastTokenWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vox-a.state")
	now := time.Now().UnixMilli()
	writeState(t, path, fmt.Sprintf("%d prompt_submitted\n%d idle\n", now-100, now))

	state, at := readStateFile(path)
	if state != model.StateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if at.UnixMilli() != now {
		t.Fatalf("expected timestamp %d, got %d", now, at.UnixMilli())
	}
}

func TestReadStateFileSkipsTornLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vox-a.state")
	now := time.Now().UnixMilli()
	// A hook died mid-append; the torn fragment must be skipped, not
	// surfaced as an error.
	writeState(t, path, fmt.Sprintf("%d confirm_needed\n%d id", now-50, now))

	state, _ := readStateFile(path)
	if state != model.StateAwaitingConfirmation {
		t.Fatalf("expected last well-formed token, got %s", state)
	}
}

func TestReadStateFileMalformedAndEmpty(t *testing.T) {
	dir := t.TempDir()

	state, _ := readStateFile(filepath.Join(dir, "absent.state"))
	if state != model.StateUnknown {
		t.Fatalf("missing file must read unknown, got %s", state)
	}

	path := filepath.Join(dir, "garbage.state")
	writeState(t, path, "not-a-timestamp idle\n-5 idle\n12345\n")
	state, _ = readStateFile(path)
	if state != model.StateUnknown {
		t.Fatalf("all-malformed file must read unknown, got %s", state)
	}
}

func TestReadStateFileUnknownTokenSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vox-a.state")
	now := time.Now().UnixMilli()
	writeState(t, path, fmt.Sprintf("%d idle\n%d some_future_token\n", now-10, now))

	state, _ := readStateFile(path)
	if state != model.StateIdle {
		t.Fatalf("unknown tokens must fall through to older lines, got %s", state)
	}
}

func TestStateFilePath(t *testing.T) {
	got := StateFilePath("/var/lib/voxmux", "vox-checkout")
	if got != "/var/lib/voxmux/vox-checkout.state" {
		t.Fatalf("unexpected path: %s", got)
	}
}

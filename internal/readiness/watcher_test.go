package readiness

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/model"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(w.Close)
	return w, dir
}

func appendState(t *testing.T, dir, session, token string, at time.Time) {
	t.Helper()
	f, err := os.OpenFile(StateFilePath(dir, session), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open state file: %v", err)
	}
	defer f.Close() //nolint:errcheck
	if _, err := fmt.Fprintf(f, "%d %s\n", at.UnixMilli(), token); err != nil {
		t.Fatalf("append state: %v", err)
	}
}

func TestGetStateDefaultsToUnknown(t *testing.T) {
	w, _ := newTestWatcher(t)
	if got := w.GetState("vox-never-seen"); got != model.StateUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestOptimisticMarkOverridesOlderFileState(t *testing.T) {
	w, dir := newTestWatcher(t)
	appendState(t, dir, "vox-a", "idle", time.Now().Add(-time.Minute))

	w.MarkProcessing("vox-a")
	if got := w.GetState("vox-a"); got != model.StateProcessing {
		t.Fatalf("mark must override stale idle, got %s", got)
	}

	// A hook event with a newer timestamp wins over the mark.
	appendState(t, dir, "vox-a", "idle", time.Now().Add(time.Second))
	if got := w.GetState("vox-a"); got != model.StateIdle {
		t.Fatalf("newer file event must override the mark, got %s", got)
	}
}

func TestClearMarkRestoresFileState(t *testing.T) {
	w, dir := newTestWatcher(t)
	appendState(t, dir, "vox-a", "idle", time.Now().Add(-time.Minute))

	w.MarkProcessing("vox-a")
	w.ClearMark("vox-a")
	if got := w.GetState("vox-a"); got != model.StateIdle {
		t.Fatalf("expected idle after clearing the mark, got %s", got)
	}
}

// The poll loop alone must observe a transition within roughly one poll
// interval, with no file-change notification involved.
func TestAwaitReadyObservesTransitionByPollingAlone(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(w.Close)
	// Drop the reactive path entirely; polling is the source of truth.
	if w.fsw != nil {
		w.fsw.Close() //nolint:errcheck
		w.fsw = nil
	}

	w.MarkProcessing("vox-a")
	go func() {
		time.Sleep(30 * time.Millisecond)
		appendState(t, dir, "vox-a", "idle", time.Now().Add(time.Second))
	}()

	start := time.Now()
	state := w.AwaitReady(context.Background(), "vox-a", 2*time.Second, 20*time.Millisecond)
	if state != model.StateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("polling took too long: %s", elapsed)
	}
}

func TestAwaitReadyReturnsImmediatelyWhenAlreadySettled(t *testing.T) {
	w, dir := newTestWatcher(t)
	appendState(t, dir, "vox-a", "confirm_needed", time.Now())

	state := w.AwaitReady(context.Background(), "vox-a", time.Second, 10*time.Millisecond)
	if state != model.StateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", state)
	}
}

func TestAwaitReadyTimeoutReturnsLastStateNotError(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.MarkProcessing("vox-a")

	state := w.AwaitReady(context.Background(), "vox-a", 50*time.Millisecond, 10*time.Millisecond)
	if state != model.StateProcessing {
		t.Fatalf("timeout must surface the last observed state, got %s", state)
	}
}

func TestAwaitReadyHonorsContextCancel(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.MarkProcessing("vox-a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	state := w.AwaitReady(ctx, "vox-a", 10*time.Second, 5*time.Millisecond)
	if state != model.StateProcessing {
		t.Fatalf("cancel must return the last state, got %s", state)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel did not unblock promptly")
	}
}

func TestAwaitReadyTerminatedIsTerminal(t *testing.T) {
	w, dir := newTestWatcher(t)
	appendState(t, dir, "vox-a", "terminated", time.Now())

	state := w.AwaitReady(context.Background(), "vox-a", time.Second, 10*time.Millisecond)
	if state != model.StateTerminated {
		t.Fatalf("expected terminated, got %s", state)
	}
}

func TestWakeupsDoNotLeakAcrossPollTimeouts(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.MarkProcessing("vox-a")

	w.AwaitReady(context.Background(), "vox-a", 60*time.Millisecond, 10*time.Millisecond)

	w.mu.Lock()
	pending := len(w.wakeups["vox-a"])
	w.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no leaked wakeup channels, got %d", pending)
	}
}

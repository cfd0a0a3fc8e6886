package terminal

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/readiness"
	"github.com/voxmux/voxmux/internal/testutil"
	"github.com/voxmux/voxmux/internal/tmux"
)

func newStreamManager(t *testing.T) (*Manager, *fakeSink, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.RetryBackoff = nil
	cfg.TmuxSocket = ""

	watch, err := readiness.NewWatcher(cfg.StateDir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(watch.Close)

	sink := &fakeSink{}
	mux := tmux.NewClient(tmux.NewExecutorWithRunner(cfg, &scriptRunner{}))
	m := NewManager(cfg, store, mux, watch, sink)
	t.Cleanup(func() { m.CloseAll(context.Background(), false) })
	return m, sink, ctx
}

func streamedOutput(sink *fakeSink, terminalID string) []byte {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	var out []byte
	for _, ev := range sink.events {
		if ev.Type == model.EventTerminalOutput && ev.TerminalID == terminalID {
			out = append(out, ev.Data...)
		}
	}
	return out
}

func awaitStreamed(t *testing.T, sink *fakeSink, terminalID string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Equal(streamedOutput(sink, terminalID), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("streamed output = %q, want %q", streamedOutput(sink, terminalID), want)
}

func TestStreamForwardsBytesWithoutNewline(t *testing.T) {
	m, sink, ctx := newStreamManager(t)

	sess, err := m.Create(ctx, CreateRequest{ProjectID: "checkout", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := os.OpenFile(m.outputPath(sess), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open output file: %v", err)
	}
	defer out.Close() //nolint:errcheck

	// A confirmation prompt never ends in a newline; it must still be
	// forwarded, exactly as produced.
	prompt := []byte("Proceed with the migration? (y/n) ")
	if _, err := out.Write(prompt); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitStreamed(t, sink, sess.ID, prompt)
}

func TestStreamForwardsVerbatim(t *testing.T) {
	m, sink, ctx := newStreamManager(t)

	sess, err := m.Create(ctx, CreateRequest{ProjectID: "checkout", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := os.OpenFile(m.outputPath(sess), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open output file: %v", err)
	}
	defer out.Close() //nolint:errcheck

	// Mixed line endings and escape sequences survive untouched; the
	// follower never rewrites or reframes what the pane produced.
	chunks := [][]byte{
		[]byte("building...\r"),
		[]byte("\x1b[2Kbuild ok\r\ntests: "),
		[]byte("42 passed\n"),
	}
	var want []byte
	for _, chunk := range chunks {
		if _, err := out.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
		want = append(want, chunk...)
	}
	awaitStreamed(t, sink, sess.ID, want)
}

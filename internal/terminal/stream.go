package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/model"
)

const streamPollInterval = 50 * time.Millisecond

// startStream mirrors the multiplexer session's output into a file via
// pipe-pane and follows it at byte granularity: whatever lands in the
// file is forwarded verbatim, without waiting for a newline, so
// interactive prompts and spinner redraws reach the client as they are
// produced. This is the low-latency path: it never waits on the
// readiness watcher. While a voice response is awaited the same bytes
// are accumulated into the session buffer.
func (m *Manager) startStream(ctx context.Context, sess *Session) error {
	path := m.outputPath(sess)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	f.Close() //nolint:errcheck

	if err := m.mux.PipeOutput(ctx, sess.AgentSessionName, path); err != nil {
		return err
	}

	// Open and position before returning so bytes produced right after
	// creation cannot slip past the follower.
	rf, err := os.Open(path)
	if err != nil {
		m.mux.StopPipe(ctx, sess.AgentSessionName) //nolint:errcheck
		return fmt.Errorf("follow output file: %w", err)
	}
	offset, err := rf.Seek(0, io.SeekEnd)
	if err != nil {
		rf.Close() //nolint:errcheck
		m.mux.StopPipe(ctx, sess.AgentSessionName) //nolint:errcheck
		return fmt.Errorf("follow output file: %w", err)
	}

	stop := make(chan struct{})
	var once sync.Once
	sess.mu.Lock()
	sess.stopStream = func() {
		once.Do(func() { close(stop) })
	}
	sess.mu.Unlock()

	go m.followOutput(path, rf, offset, sess, stop)
	return nil
}

// followOutput poll-reads the pipe file from the last offset and
// forwards every new byte unmodified. A shrinking file means pipe-pane
// recreated it; the follower reopens and starts over.
func (m *Manager) followOutput(path string, f *os.File, offset int64, sess *Session, stop <-chan struct{}) {
	defer func() { f.Close() }() //nolint:errcheck

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				offset += int64(n)
				sess.ingest(data)
				m.sink.Send(model.Event{
					Type:       model.EventTerminalOutput,
					TerminalID: sess.ID,
					Data:       data,
				})
			}
			if readErr != nil || n == 0 {
				break
			}
		}

		if fi, statErr := os.Stat(path); statErr == nil && fi.Size() < offset {
			if nf, openErr := os.Open(path); openErr == nil {
				f.Close() //nolint:errcheck
				f = nf
				offset = 0
			}
		}
	}
}

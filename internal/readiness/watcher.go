// Package readiness tracks whether the agent inside each session is
// idle, processing, awaiting confirmation, or gone. Lifecycle hooks in
// the session's working directory append state tokens to a per-session
// side-channel file; the watcher polls that file at a fixed interval and
// uses file-change notification purely to shorten latency. Polling is
// the source of truth.
package readiness

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
)

type Watcher struct {
	stateDir string
	log      *logrus.Entry

	mu         sync.Mutex
	optimistic map[string]time.Time // session -> when MarkProcessing was applied
	wakeups    map[string][]chan struct{}

	fsw     *fsnotify.Watcher
	closeCh chan struct{}
	closed  sync.Once
}

func NewWatcher(stateDir string) (*Watcher, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	w := &Watcher{
		stateDir:   stateDir,
		log:        logging.NewLogger("readiness"),
		optimistic: map[string]time.Time{},
		wakeups:    map[string][]chan struct{}{},
		closeCh:    make(chan struct{}),
	}
	// Reactive delivery is best-effort; the poll loop stays correct
	// without it.
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(stateDir); err == nil {
			w.fsw = fsw
			go w.notifyLoop()
		} else {
			fsw.Close() //nolint:errcheck
			w.log.WithError(err).Debug("fsnotify unavailable, polling only")
		}
	} else {
		w.log.WithError(err).Debug("fsnotify unavailable, polling only")
	}
	return w, nil
}

func (w *Watcher) Close() {
	w.closed.Do(func() {
		close(w.closeCh)
		if w.fsw != nil {
			w.fsw.Close() //nolint:errcheck
		}
	})
}

func (w *Watcher) notifyLoop() {
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(ev.Name, w.stateDir+"/"), stateFileSuffix)
			w.wake(name)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) wake(session string) {
	w.mu.Lock()
	chans := w.wakeups[session]
	delete(w.wakeups, session)
	w.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (w *Watcher) subscribe(session string) chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.wakeups[session] = append(w.wakeups[session], ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) unsubscribe(session string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.wakeups[session]
	for i, c := range chans {
		if c == ch {
			w.wakeups[session] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.wakeups[session]) == 0 {
		delete(w.wakeups, session)
	}
}

// GetState reports the current best-effort state without blocking.
// Defaults to unknown when no signal has ever been observed.
func (w *Watcher) GetState(session string) model.ReadinessState {
	state, at := readStateFile(StateFilePath(w.stateDir, session))
	w.mu.Lock()
	marked, hasMark := w.optimistic[session]
	w.mu.Unlock()
	if hasMark && marked.After(at) {
		return model.StateProcessing
	}
	return state
}

// MarkProcessing optimistically pre-sets the state before a command is
// submitted, closing the race between "command sent" and "hook fires".
// Hook events with a newer timestamp override the mark.
func (w *Watcher) MarkProcessing(session string) {
	w.mu.Lock()
	w.optimistic[session] = time.Now()
	w.mu.Unlock()
}

// ClearMark drops the optimistic mark, used when a submission failed.
func (w *Watcher) ClearMark(session string) {
	w.mu.Lock()
	delete(w.optimistic, session)
	w.mu.Unlock()
}

// AwaitReady blocks until the session reaches a terminal readiness
// outcome (idle, awaiting confirmation, or terminated) or the timeout
// lapses. A timeout is not an error: the last observed state comes back
// and the caller decides what to do with the degraded confidence.
func (w *Watcher) AwaitReady(ctx context.Context, session string, timeout, pollInterval time.Duration) model.ReadinessState {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	last := w.GetState(session)
	for {
		if last.Ready() {
			return last
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		wakeup := w.subscribe(session)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.unsubscribe(session, wakeup)
			return last
		case <-wakeup:
			timer.Stop()
		case <-timer.C:
			w.unsubscribe(session, wakeup)
		}
		last = w.GetState(session)
	}
}

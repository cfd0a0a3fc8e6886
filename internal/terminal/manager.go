// Package terminal owns the set of live terminal bindings for the
// current client connection: creation (with reuse and orphan adoption),
// raw output streaming, input pass-through, and teardown.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/readiness"
	"github.com/voxmux/voxmux/internal/registry"
	"github.com/voxmux/voxmux/internal/tmux"
)

var (
	ErrAgentUnavailable = errors.New(model.ErrAgentUnavailable)
	ErrCreationFailed   = errors.New(model.ErrCreationFailed)
	ErrNotFound         = errors.New(model.ErrTerminalNotFound)
)

// Sink receives outbound events. Satisfied by the client hub.
type Sink interface {
	Send(ev model.Event) bool
}

type CreateRequest struct {
	ProjectID     string
	WorkingDir    string
	Cols, Rows    int
	Sandboxed     bool
	AutoStart     bool
	InitialPrompt string
}

type Manager struct {
	cfg   config.Config
	store *registry.Store
	mux   *tmux.Client
	watch *readiness.Watcher
	sink  Sink
	log   *logrus.Entry

	mu        sync.Mutex
	terminals map[string]*Session
	order     []string // creation order, for index-based targeting
}

func NewManager(cfg config.Config, store *registry.Store, mux *tmux.Client, watch *readiness.Watcher, sink Sink) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		mux:       mux,
		watch:     watch,
		sink:      sink,
		log:       logging.NewLogger("terminal"),
		terminals: map[string]*Session{},
	}
}

// Create binds a terminal to an agent session for the project. The
// decision procedure, in order:
//
//  1. Another terminal of this client already targets the project: the
//     user wants an additional terminal, so always create a fresh agent
//     session.
//  2. The registry has an active session for the project and the
//     multiplexer confirms it is alive: reconnect without restarting
//     the agent.
//  3. No registry row, but the multiplexer still has a session under the
//     project's canonical name (daemon-restart recovery): adopt it.
//  4. Otherwise create a new session and start the agent in it.
//
// The whole check-then-act window runs under the project lock.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	var sess *Session
	err := m.store.WithProjectLock(req.ProjectID, func() error {
		var err error
		sess, err = m.createLocked(ctx, req)
		return err
	})
	return sess, err
}

func (m *Manager) createLocked(ctx context.Context, req CreateRequest) (*Session, error) {
	wantExtra := m.hasTerminalForProject(req.ProjectID)

	var agentName string
	var reused bool
	if !wantExtra {
		name, ok, err := m.findReusable(ctx, req)
		if err != nil {
			return nil, err
		}
		if ok {
			agentName = name
			reused = true
		}
	}

	if agentName == "" {
		name, err := m.createAgentSession(ctx, req, wantExtra)
		if err != nil {
			return nil, err
		}
		agentName = name
	}

	sess := &Session{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		AgentSessionName: agentName,
		Sandboxed:        req.Sandboxed,
		CreatedAt:        time.Now().UTC(),
	}

	if req.Cols > 0 && req.Rows > 0 {
		// Resize is pass-through; a failure is not fatal to creation.
		if err := m.mux.Resize(ctx, agentName, req.Cols, req.Rows); err != nil {
			m.log.WithError(err).Debug("initial resize failed")
		}
	}

	if err := m.startStream(ctx, sess); err != nil {
		if !reused {
			m.mux.KillSession(ctx, agentName) //nolint:errcheck
		}
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	if !reused && req.AutoStart {
		if err := m.startAgent(ctx, agentName, req.InitialPrompt); err != nil {
			m.stopStream(sess)
			m.mux.KillSession(ctx, agentName) //nolint:errcheck
			m.store.MarkInactive(ctx, agentName) //nolint:errcheck
			return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
		}
	}

	m.mu.Lock()
	m.terminals[sess.ID] = sess
	m.order = append(m.order, sess.ID)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"terminal": sess.ID,
		"session":  agentName,
		"project":  req.ProjectID,
		"reused":   reused,
	}).Info("terminal created")
	return sess, nil
}

// findReusable checks the registry first (authoritative), then the
// canonical-name adoption fallback.
func (m *Manager) findReusable(ctx context.Context, req CreateRequest) (string, bool, error) {
	active, err := m.store.ActiveSessions(ctx, req.ProjectID)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	for _, rec := range active {
		alive, err := m.mux.SessionExists(ctx, rec.Name)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrCreationFailed, err)
		}
		if alive {
			return rec.Name, true, nil
		}
		// Registry says active but the multiplexer disagrees; demote
		// and keep looking.
		m.store.MarkInactive(ctx, rec.Name) //nolint:errcheck
	}

	canonical := registry.CanonicalName(req.ProjectID)
	alive, err := m.mux.SessionExists(ctx, canonical)
	if err != nil || !alive {
		return "", false, nil
	}
	adopted := model.AgentSession{
		Name:       canonical,
		ProjectID:  req.ProjectID,
		WorkingDir: req.WorkingDir,
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
	}
	if err := m.store.UpsertSession(ctx, adopted); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	m.log.WithField("session", canonical).Info("adopted orphaned multiplexer session")
	return canonical, true, nil
}

func (m *Manager) createAgentSession(ctx context.Context, req CreateRequest, extra bool) (string, error) {
	name := registry.CanonicalName(req.ProjectID)
	if extra {
		name = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	if err := m.mux.NewSession(ctx, name, workingDir); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	if _, err := readiness.InstallHooks(readiness.InstallOptions{
		WorkingDir: workingDir,
		StateFile:  readiness.StateFilePath(m.cfg.StateDir, name),
	}); err != nil {
		m.log.WithError(err).Warn("hook install failed; readiness will rely on timeouts")
	}
	if err := m.store.UpsertSession(ctx, model.AgentSession{
		Name:       name,
		ProjectID:  req.ProjectID,
		WorkingDir: workingDir,
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
	}); err != nil {
		m.mux.KillSession(ctx, name) //nolint:errcheck
		return "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	return name, nil
}

func (m *Manager) startAgent(ctx context.Context, sessionName, initialPrompt string) error {
	command := m.cfg.AgentCommand
	if initialPrompt != "" {
		command = fmt.Sprintf("%s %q", command, initialPrompt)
	}
	m.watch.MarkProcessing(sessionName)
	if err := m.mux.SendText(ctx, sessionName, command); err != nil {
		m.watch.ClearMark(sessionName)
		return err
	}
	return nil
}

// Get returns a terminal by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.terminals[id]
	return sess, ok
}

// ByIndex returns the n-th terminal in creation order, for voice
// commands that address "terminal two".
func (m *Manager) ByIndex(idx int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.order) {
		return nil, false
	}
	sess, ok := m.terminals[m.order[idx]]
	return sess, ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if sess, ok := m.terminals[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

func (m *Manager) hasTerminalForProject(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.terminals {
		if sess.ProjectID == projectID {
			return true
		}
	}
	return false
}

// SendInput forwards raw input bytes to the bound session, bypassing the
// readiness watcher entirely.
func (m *Manager) SendInput(ctx context.Context, terminalID string, data []byte) error {
	sess, ok := m.Get(terminalID)
	if !ok {
		return ErrNotFound
	}
	return m.mux.SendRaw(ctx, sess.AgentSessionName, data)
}

func (m *Manager) ResizeTerminal(ctx context.Context, terminalID string, cols, rows int) error {
	sess, ok := m.Get(terminalID)
	if !ok {
		return ErrNotFound
	}
	return m.mux.Resize(ctx, sess.AgentSessionName, cols, rows)
}

// Close detaches a terminal. The agent session survives unless kill is
// requested.
func (m *Manager) Close(ctx context.Context, terminalID string, kill bool) error {
	m.mu.Lock()
	sess, ok := m.terminals[terminalID]
	if ok {
		delete(m.terminals, terminalID)
		for i, id := range m.order {
			if id == terminalID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	m.stopStream(sess)
	if kill {
		m.mux.KillSession(ctx, sess.AgentSessionName) //nolint:errcheck
		if err := m.store.MarkInactive(ctx, sess.AgentSessionName); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return err
		}
	}
	m.sink.Send(model.Event{Type: model.EventTerminalClosed, TerminalID: terminalID})
	return nil
}

// CloseAll tears down every terminal. On full client disconnect the
// underlying agent sessions are destroyed too, leaving no orphans.
func (m *Manager) CloseAll(ctx context.Context, killSessions bool) {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(ctx, id, killSessions); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.WithError(err).WithField("terminal", id).Warn("close failed")
		}
	}
}

// outputPath is where pipe-pane mirrors the session's bytes.
func (m *Manager) outputPath(sess *Session) string {
	return filepath.Join(m.cfg.StateDir, sess.AgentSessionName+".out")
}

func (m *Manager) stopStream(sess *Session) {
	sess.mu.Lock()
	stop := sess.stopStream
	sess.stopStream = nil
	sess.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.mux.StopPipe(context.Background(), sess.AgentSessionName) //nolint:errcheck
	os.Remove(m.outputPath(sess))                               //nolint:errcheck
}

// Interrupt delivers a control signal immediately, bypassing any queued
// voice work, and resets the terminal's voice-turn state.
func (m *Manager) Interrupt(ctx context.Context, terminalID string) error {
	sess, ok := m.Get(terminalID)
	if !ok {
		return ErrNotFound
	}
	sess.ResetVoiceTurn()
	return m.mux.SendKey(ctx, sess.AgentSessionName, "C-c")
}

// SessionNames reports all bound agent session names, sorted, for
// diagnostics.
func (m *Manager) SessionNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.terminals))
	for _, sess := range m.terminals {
		names = append(names, sess.AgentSessionName)
	}
	sort.Strings(names)
	return names
}

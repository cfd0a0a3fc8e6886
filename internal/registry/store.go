// Package registry is the durable source of truth for which agent
// session belongs to which project. It survives client reconnects; after
// a daemon restart it is reconciled against the multiplexer.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxmux/voxmux/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[string]*projectLockEntry
}

type projectLockEntry struct {
	mu   sync.Mutex
	refs int
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, locks: map[string]*projectLockEntry{}}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// CanonicalName derives the deterministic session name for a project,
// used both for creation and for the orphan-adoption recovery path.
func CanonicalName(projectID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, projectID)
	return "vox-" + sanitized
}

// WithProjectLock serializes the check-then-act window for a project so
// two callers cannot race to create duplicate sessions.
func (s *Store) WithProjectLock(projectID string, fn func() error) error {
	s.lockMu.Lock()
	entry, ok := s.locks[projectID]
	if !ok {
		entry = &projectLockEntry{}
		s.locks[projectID] = entry
	}
	entry.refs++
	s.lockMu.Unlock()

	entry.mu.Lock()
	err := fn()
	entry.mu.Unlock()

	s.lockMu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(s.locks, projectID)
	}
	s.lockMu.Unlock()
	return err
}

func (s *Store) UpsertSession(ctx context.Context, sess model.AgentSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_sessions(name, project_id, working_dir, created_at, is_active)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	project_id=excluded.project_id,
	working_dir=excluded.working_dir,
	is_active=excluded.is_active
`, sess.Name, sess.ProjectID, sess.WorkingDir, ts(sess.CreatedAt), boolToInt(sess.IsActive))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ActiveSessions returns the active session records for a project,
// oldest first.
func (s *Store) ActiveSessions(ctx context.Context, projectID string) ([]model.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, project_id, working_dir, created_at, is_active
FROM agent_sessions
WHERE project_id = ? AND is_active = 1
ORDER BY created_at ASC, name ASC
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanSessions(rows)
}

func (s *Store) GetSession(ctx context.Context, name string) (model.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name, project_id, working_dir, created_at, is_active
FROM agent_sessions WHERE name = ?
`, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AgentSession{}, ErrNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context) ([]model.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, project_id, working_dir, created_at, is_active
FROM agent_sessions ORDER BY created_at ASC, name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanSessions(rows)
}

func (s *Store) MarkInactive(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET is_active = 0 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("mark inactive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTurn appends one audit row for a non-ignored voice decision.
func (s *Store) RecordTurn(ctx context.Context, projectID string, turn model.Turn) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO voice_turns(turn_id, project_id, at, user_text, decision_kind, decision_text, agent_output, spoken_reply)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, turn.ID, projectID, ts(turn.At), turn.UserText, string(turn.DecisionKind), turn.DecisionText,
		turn.AgentOutput, turn.SpokenReply)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

func (s *Store) RecentTurns(ctx context.Context, projectID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT turn_id, at, user_text, decision_kind, decision_text, agent_output, spoken_reply
FROM voice_turns WHERE project_id = ?
ORDER BY at DESC LIMIT ?
`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		var at, kind string
		if err := rows.Scan(&t.ID, &at, &t.UserText, &kind, &t.DecisionText,
			&t.AgentOutput, &t.SpokenReply); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.At = parseTS(at)
		t.DecisionKind = model.DecisionKind(kind)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Liveness is the slice of the multiplexer the reconciler needs.
type Liveness interface {
	SessionExists(ctx context.Context, name string) (bool, error)
}

// Reconcile demotes registry rows whose multiplexer session is gone.
// Registry rows stay authoritative for project mapping; only liveness is
// corrected here.
func (s *Store) Reconcile(ctx context.Context, live Liveness) (demoted []string, err error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.IsActive {
			continue
		}
		exists, err := live.SessionExists(ctx, sess.Name)
		if err != nil {
			// Multiplexer hiccups are transient; skip rather than demote.
			continue
		}
		if exists {
			continue
		}
		if err := s.MarkInactive(ctx, sess.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return demoted, err
		}
		demoted = append(demoted, sess.Name)
	}
	return demoted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.AgentSession, error) {
	var sess model.AgentSession
	var created string
	var active int
	if err := row.Scan(&sess.Name, &sess.ProjectID, &sess.WorkingDir, &created, &active); err != nil {
		return model.AgentSession{}, err
	}
	sess.CreatedAt = parseTS(created)
	sess.IsActive = active != 0
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]model.AgentSession, error) {
	var out []model.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

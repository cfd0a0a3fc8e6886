package terminal

import (
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/model"
)

// Session is a live, per-client binding of an output stream to an agent
// session, destroyed on terminal_close or client disconnect. Voice-turn
// state lives here; the registry owns the underlying AgentSession
// record, which outlives the binding unless the whole connection is
// going away.
type Session struct {
	ID               string
	ProjectID        string
	AgentSessionName string
	Sandboxed        bool
	CreatedAt        time.Time

	mu               sync.Mutex
	voiceMode        bool
	awaitingResponse bool
	idleWaiting      bool
	buffer           []byte
	lastSpokenAt     time.Time
	stallCount       int
	tasks            map[string]*model.BackgroundTask

	stopStream func()
}

func (s *Session) SetVoiceMode(on bool) {
	s.mu.Lock()
	s.voiceMode = on
	s.mu.Unlock()
}

func (s *Session) VoiceMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceMode
}

// BeginAwait arms output accumulation for a voice response. Only one
// awaiter per agent session is permitted; the caller enforces that by
// going through the manager.
func (s *Session) BeginAwait() {
	s.mu.Lock()
	s.awaitingResponse = true
	s.buffer = s.buffer[:0]
	s.mu.Unlock()
}

// EndAwait disarms accumulation and returns what was captured.
func (s *Session) EndAwait() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitingResponse = false
	out := string(s.buffer)
	s.buffer = s.buffer[:0]
	return out
}

func (s *Session) AwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingResponse
}

func (s *Session) SetIdleWaiting(on bool) {
	s.mu.Lock()
	s.idleWaiting = on
	s.mu.Unlock()
}

func (s *Session) IdleWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleWaiting
}

func (s *Session) MarkSpoken(at time.Time) {
	s.mu.Lock()
	s.lastSpokenAt = at
	s.mu.Unlock()
}

func (s *Session) LastSpokenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpokenAt
}

func (s *Session) BumpStall() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallCount++
	return s.stallCount
}

// ResetVoiceTurn clears awaiting/idle-waiting flags, the accumulated
// buffer, and the stall counter, so an interrupted wait cannot linger.
func (s *Session) ResetVoiceTurn() {
	s.mu.Lock()
	s.awaitingResponse = false
	s.idleWaiting = false
	s.buffer = s.buffer[:0]
	s.stallCount = 0
	s.mu.Unlock()
}

func (s *Session) ingest(data []byte) {
	s.mu.Lock()
	if s.voiceMode && s.awaitingResponse {
		s.buffer = append(s.buffer, data...)
	}
	s.mu.Unlock()
}

func (s *Session) AddTask(task *model.BackgroundTask) {
	s.mu.Lock()
	if s.tasks == nil {
		s.tasks = map[string]*model.BackgroundTask{}
	}
	s.tasks[task.ID] = task
	s.mu.Unlock()
}

func (s *Session) RemoveTask(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Session) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

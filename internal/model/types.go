package model

import "time"

// ReadinessState is the normalized agent state derived from the side channel.
type ReadinessState string

const (
	StateIdle                 ReadinessState = "idle"
	StateProcessing           ReadinessState = "processing"
	StateAwaitingConfirmation ReadinessState = "awaiting_confirmation"
	StateTerminated           ReadinessState = "terminated"
	StateUnknown              ReadinessState = "unknown"
)

// Ready reports whether the state is a terminal positive outcome for a
// readiness wait. Terminated counts: the caller gets "ready but dead".
func (s ReadinessState) Ready() bool {
	switch s {
	case StateIdle, StateAwaitingConfirmation, StateTerminated:
		return true
	default:
		return false
	}
}

// Phrase translates the raw tag into the wording shown to the decision
// model and spoken to the user.
func (s ReadinessState) Phrase() string {
	switch s {
	case StateIdle:
		return "the agent is idle and ready for a new instruction"
	case StateProcessing:
		return "the agent is still working on the previous instruction"
	case StateAwaitingConfirmation:
		return "the agent is waiting for a yes/no confirmation"
	case StateTerminated:
		return "the agent process has exited"
	default:
		return "the agent state is unknown"
	}
}

// AgentSession is one external multiplexer session dedicated to one agent
// process. Owned by the registry; only IsActive is ever mutated.
type AgentSession struct {
	Name       string
	ProjectID  string
	WorkingDir string
	CreatedAt  time.Time
	IsActive   bool
}

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// BackgroundTask is a fire-and-forget unit of work dispatched while the
// user keeps talking. Removed after the client has been notified.
type BackgroundTask struct {
	ID          string
	TerminalID  string
	Description string
	PromptText  string
	StartedAt   time.Time
	Status      TaskStatus
	Result      string
}

// Turn is one entry in a project's conversation memory.
type Turn struct {
	ID           string
	At           time.Time
	UserText     string
	DecisionKind DecisionKind
	DecisionText string
	AgentOutput  string
	SpokenReply  string
}

// Error codes shared across the daemon surface.
const (
	ErrAgentUnavailable  = "E_AGENT_UNAVAILABLE"
	ErrCreationFailed    = "E_CREATION_FAILED"
	ErrTerminalNotFound  = "E_TERMINAL_NOT_FOUND"
	ErrSessionNotFound   = "E_SESSION_NOT_FOUND"
	ErrCapabilityMissing = "E_CAPABILITY_MISSING"
	ErrMuxUnavailable    = "E_MUX_UNAVAILABLE"
)

package model

// EventType names an outbound event pushed to the remote client.
type EventType string

const (
	EventConnectionAck     EventType = "connection_ack"
	EventTerminalOutput    EventType = "terminal_output"
	EventTerminalClosed    EventType = "terminal_closed"
	EventTranscription     EventType = "transcription"
	EventSpokenResponse    EventType = "spoken_response"
	EventAppControl        EventType = "app_control"
	EventWorking           EventType = "working"
	EventBackgroundStarted EventType = "background_task_started"
	EventBackgroundDone    EventType = "background_task_completed"
	EventError             EventType = "error"
)

// Event is the wire envelope for the single-client event channel.
// IsFinal on a spoken_response is a hard contract: false keeps the
// client's working indicator up and listening suppressed.
type Event struct {
	Type       EventType `json:"type"`
	TerminalID string    `json:"terminal_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	Audio      []byte    `json:"audio,omitempty"`
	IsFinal    *bool     `json:"is_final,omitempty"`
	Action     string    `json:"action,omitempty"`
	Target     string    `json:"target,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Code       string    `json:"code,omitempty"`
}

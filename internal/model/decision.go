package model

// DecisionKind tags the closed union of things the voice pipeline can
// decide to do with an utterance.
type DecisionKind string

const (
	DecisionPrompt         DecisionKind = "prompt"
	DecisionControl        DecisionKind = "control"
	DecisionConversational DecisionKind = "conversational"
	DecisionIgnore         DecisionKind = "ignore"
	DecisionActionSequence DecisionKind = "action_sequence"
	DecisionBackgroundTask DecisionKind = "background_task"
	DecisionWorking        DecisionKind = "working"
)

// ControlSequence names a keystroke-level intervention.
type ControlSequence string

const (
	ControlConfirm   ControlSequence = "confirm"
	ControlDeny      ControlSequence = "deny"
	ControlInterrupt ControlSequence = "interrupt"
	ControlEscape    ControlSequence = "escape"
)

// Decision is the structured outcome of one utterance. Exactly one of the
// kind-specific fields is meaningful, selected by Kind.
type Decision struct {
	Kind DecisionKind

	// Prompt / Conversational text, or the raw fallback text when the
	// decision model emitted something unparseable.
	Text string

	Control ControlSequence

	Steps []ActionStep

	// Background task fields.
	Description string
	PromptText  string
}

// StepKind tags one step inside an ActionSequence.
type StepKind string

const (
	StepPrompt      StepKind = "prompt"
	StepControl     StepKind = "control"
	StepSpeak       StepKind = "speak"
	StepScreenshot  StepKind = "screenshot"
	StepSwitchFocus StepKind = "switch_focus"
)

// ActionStep is one heterogeneous step of a multi-step action. Terminal
// is the index of the target terminal; it is inherited from the most
// recent switch_focus step during classification.
type ActionStep struct {
	Kind     StepKind
	Text     string
	Control  ControlSequence
	Terminal int
}

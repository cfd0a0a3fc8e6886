package voice

import (
	"encoding/json"
	"strings"

	"github.com/voxmux/voxmux/internal/model"
)

// rawDecision is the JSON shape the decision model is instructed to
// emit. Anything that fails strict parsing falls back to a plain prompt
// carrying the raw text; the turn never fails on malformed output.
type rawDecision struct {
	Kind        string    `json:"kind"`
	Text        string    `json:"text,omitempty"`
	Control     string    `json:"control,omitempty"`
	Description string    `json:"description,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Steps       []rawStep `json:"steps,omitempty"`
}

type rawStep struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Control  string `json:"control,omitempty"`
	Terminal *int   `json:"terminal,omitempty"`
}

// ParseDecision converts the model's raw output into the closed union.
func ParseDecision(raw string) model.Decision {
	trimmed := strings.TrimSpace(raw)
	trimmed = stripCodeFence(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return fallbackPrompt(raw)
	}
	var rd rawDecision
	if err := json.Unmarshal([]byte(trimmed), &rd); err != nil {
		return fallbackPrompt(raw)
	}
	switch model.DecisionKind(rd.Kind) {
	case model.DecisionPrompt:
		if strings.TrimSpace(rd.Text) == "" {
			return fallbackPrompt(raw)
		}
		return model.Decision{Kind: model.DecisionPrompt, Text: rd.Text}
	case model.DecisionControl:
		ctrl, ok := parseControl(rd.Control)
		if !ok {
			return fallbackPrompt(raw)
		}
		return model.Decision{Kind: model.DecisionControl, Control: ctrl}
	case model.DecisionConversational:
		if strings.TrimSpace(rd.Text) == "" {
			return fallbackPrompt(raw)
		}
		return model.Decision{Kind: model.DecisionConversational, Text: rd.Text}
	case model.DecisionIgnore:
		return model.Decision{Kind: model.DecisionIgnore}
	case model.DecisionWorking:
		return model.Decision{Kind: model.DecisionWorking, Text: rd.Text}
	case model.DecisionBackgroundTask:
		if strings.TrimSpace(rd.Prompt) == "" {
			return fallbackPrompt(raw)
		}
		desc := rd.Description
		if strings.TrimSpace(desc) == "" {
			desc = firstWords(rd.Prompt, 8)
		}
		return model.Decision{
			Kind:        model.DecisionBackgroundTask,
			Description: desc,
			PromptText:  rd.Prompt,
		}
	case model.DecisionActionSequence:
		steps := parseSteps(rd.Steps)
		if len(steps) == 0 {
			return fallbackPrompt(raw)
		}
		return model.Decision{Kind: model.DecisionActionSequence, Steps: steps}
	default:
		return fallbackPrompt(raw)
	}
}

func parseSteps(raw []rawStep) []model.ActionStep {
	steps := make([]model.ActionStep, 0, len(raw))
	terminal := 0
	for _, rs := range raw {
		step := model.ActionStep{Text: rs.Text}
		switch model.StepKind(rs.Kind) {
		case model.StepPrompt:
			if strings.TrimSpace(rs.Text) == "" {
				continue
			}
			step.Kind = model.StepPrompt
		case model.StepControl:
			ctrl, ok := parseControl(rs.Control)
			if !ok {
				continue
			}
			step.Kind = model.StepControl
			step.Control = ctrl
		case model.StepSpeak:
			if strings.TrimSpace(rs.Text) == "" {
				continue
			}
			step.Kind = model.StepSpeak
		case model.StepScreenshot:
			step.Kind = model.StepScreenshot
		case model.StepSwitchFocus:
			step.Kind = model.StepSwitchFocus
			if rs.Terminal != nil && *rs.Terminal >= 0 {
				terminal = *rs.Terminal
			}
		default:
			continue
		}
		// Steps inherit the target terminal from the most recent
		// switch_focus, unless the step pins its own.
		if rs.Terminal != nil && *rs.Terminal >= 0 {
			step.Terminal = *rs.Terminal
		} else {
			step.Terminal = terminal
		}
		steps = append(steps, step)
	}
	return steps
}

func parseControl(raw string) (model.ControlSequence, bool) {
	switch model.ControlSequence(strings.ToLower(strings.TrimSpace(raw))) {
	case model.ControlConfirm:
		return model.ControlConfirm, true
	case model.ControlDeny:
		return model.ControlDeny, true
	case model.ControlInterrupt:
		return model.ControlInterrupt, true
	case model.ControlEscape:
		return model.ControlEscape, true
	default:
		return "", false
	}
}

func fallbackPrompt(raw string) model.Decision {
	return model.Decision{Kind: model.DecisionPrompt, Text: strings.TrimSpace(raw)}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

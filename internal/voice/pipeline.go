// Package voice turns one transcribed utterance plus a contextual
// snapshot into a structured decision: a prompt, a control keystroke, a
// conversational reply, an ignore, a multi-step action sequence, or a
// fire-and-forget background task.
package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/memory"
	"github.com/voxmux/voxmux/internal/model"
)

const systemInstructions = `You drive a coding agent running in a terminal on the user's behalf.
Given the terminal context and the user's spoken words, reply with a single JSON object:
{"kind":"prompt","text":...} to type an instruction to the agent,
{"kind":"control","control":"confirm|deny|interrupt|escape"} for a keystroke,
{"kind":"conversational","text":...} to answer the user directly,
{"kind":"ignore"} for noise,
{"kind":"background_task","description":...,"prompt":...} for work the user wants done while they keep talking,
{"kind":"action_sequence","steps":[{"kind":"prompt|control|speak|screenshot|switch_focus","text":...,"terminal":N},...]} for multi-step requests.
Reply with JSON only.`

// Affirmative/negative lexicons for the confirmation shortcut, and the
// interruption lexicon for the processing shortcut. Matching is
// deterministic so the same utterance in the same state always takes the
// same path.
var (
	affirmatives = map[string]bool{
		"yes": true, "yeah": true, "yep": true, "sure": true, "ok": true,
		"okay": true, "do it": true, "go ahead": true, "confirm": true,
		"yes please": true, "sounds good": true, "approve": true,
	}
	negatives = map[string]bool{
		"no": true, "nope": true, "don't": true, "do not": true,
		"cancel": true, "stop": true, "deny": true, "no thanks": true,
		"reject": true,
	}
	interruptions = map[string]bool{
		"stop": true, "wait": true, "hold on": true, "cancel": true,
		"cancel that": true, "stop it": true, "abort": true,
		"never mind": true, "nevermind": true,
	}
)

// Context is the snapshot assembled per utterance.
type Context struct {
	Readiness      model.ReadinessState
	RecentOutput   string
	VisualContext  string
	TerminalCount  int
	ActiveTerminal int
	IdleWaiting    bool
}

type Pipeline struct {
	decider DecisionModel
	mem     *memory.Store
	filter  FilterConfig
	log     *logrus.Entry
}

func NewPipeline(decider DecisionModel, mem *memory.Store, filter FilterConfig) *Pipeline {
	return &Pipeline{
		decider: decider,
		mem:     mem,
		filter:  filter,
		log:     logging.NewLogger("voice"),
	}
}

// Decide classifies one utterance. The state-gated shortcut runs before
// the transcript filters: a bare "yes" at a confirmation prompt or a
// "stop" mid-run is exactly what the lexicons exist for, and must not be
// discarded as a stray word. Everything else passes through the filters
// before any decision-model round trip; every non-ignored decision is
// appended to conversation memory.
func (p *Pipeline) Decide(ctx context.Context, utterance, projectID string, pctx Context) model.Decision {
	if decision, ok := p.shortcut(utterance, pctx.Readiness); ok {
		p.remember(projectID, utterance, decision)
		return decision
	}

	if reason := FilterTranscript(p.filter, utterance, pctx.IdleWaiting); reason != RejectNone {
		p.log.WithField("reason", reason).Debug("utterance filtered")
		return model.Decision{Kind: model.DecisionIgnore}
	}

	raw, err := p.decider.Decide(ctx, systemInstructions, p.contextText(projectID, pctx), utterance)
	if err != nil {
		p.log.WithError(err).Warn("decision model call failed")
		decision := model.Decision{
			Kind: model.DecisionConversational,
			Text: "I couldn't reach the decision service just now. Please try again.",
		}
		p.remember(projectID, utterance, decision)
		return decision
	}

	decision := ParseDecision(raw)
	if decision.Kind == model.DecisionIgnore {
		return decision
	}
	p.remember(projectID, utterance, decision)
	return decision
}

// shortcut handles confirmation and interruption without a model round
// trip.
func (p *Pipeline) shortcut(utterance string, state model.ReadinessState) (model.Decision, bool) {
	normalized := normalizeUtterance(utterance)
	switch state {
	case model.StateAwaitingConfirmation:
		if affirmatives[normalized] {
			return model.Decision{Kind: model.DecisionControl, Control: model.ControlConfirm}, true
		}
		if negatives[normalized] {
			return model.Decision{Kind: model.DecisionControl, Control: model.ControlDeny}, true
		}
	case model.StateProcessing:
		if interruptions[normalized] {
			return model.Decision{Kind: model.DecisionControl, Control: model.ControlInterrupt}, true
		}
	}
	return model.Decision{}, false
}

func (p *Pipeline) contextText(projectID string, pctx Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current state: %s.\n", pctx.Readiness.Phrase())
	if pctx.TerminalCount > 1 {
		fmt.Fprintf(&b, "There are %d terminals open; terminal %d is active.\n",
			pctx.TerminalCount, pctx.ActiveTerminal)
	}
	if history := p.mem.FormattedHistory(projectID); history != "" {
		b.WriteString("\n")
		b.WriteString(history)
	}
	if pctx.RecentOutput != "" {
		b.WriteString("\nRecent terminal output:\n")
		b.WriteString(tailLines(pctx.RecentOutput, 60))
	}
	if pctx.VisualContext != "" {
		b.WriteString("\nVisual context:\n")
		b.WriteString(pctx.VisualContext)
	}
	return b.String()
}

func (p *Pipeline) remember(projectID, utterance string, decision model.Decision) {
	text := decision.Text
	if decision.Kind == model.DecisionControl {
		text = string(decision.Control)
	}
	if decision.Kind == model.DecisionBackgroundTask {
		text = decision.PromptText
	}
	p.mem.Append(context.Background(), projectID, model.Turn{
		ID:           uuid.NewString(),
		At:           time.Now().UTC(),
		UserText:     utterance,
		DecisionKind: decision.Kind,
		DecisionText: text,
	})
}

func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, ".,!? ")
}

func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

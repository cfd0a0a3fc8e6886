// Package orchestrator executes multi-step voice decisions: it splits an
// action sequence into sequential and parallel groups, runs them against
// one or more terminals gated by the readiness watcher, and synthesizes
// the spoken summary.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/readiness"
	"github.com/voxmux/voxmux/internal/terminal"
	"github.com/voxmux/voxmux/internal/tmux"
)

// Speaker voices text to the user. isFinal=false keeps the client's
// working indicator up.
type Speaker interface {
	Speak(ctx context.Context, text string, isFinal bool)
}

// Presenter rephrases a raw agent response against the user's original
// request for narration. Optional; nil falls back to trimming.
type Presenter interface {
	Present(ctx context.Context, utterance, response string) (string, error)
}

// StepResult is one executed step, collected into a plain ordered list.
type StepResult struct {
	Step     model.ActionStep
	Terminal int
	Text     string
	Err      error
}

type Orchestrator struct {
	cfg       config.Config
	terminals *terminal.Manager
	mux       *tmux.Client
	watch     *readiness.Watcher
	sink      terminal.Sink
	speaker   Speaker
	presenter Presenter
	log       *logrus.Entry

	shotMu  sync.Mutex
	pending map[string]chan string
}

func New(cfg config.Config, terminals *terminal.Manager, mux *tmux.Client, watch *readiness.Watcher, sink terminal.Sink, speaker Speaker, presenter Presenter) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		terminals: terminals,
		mux:       mux,
		watch:     watch,
		sink:      sink,
		speaker:   speaker,
		presenter: presenter,
		log:       logging.NewLogger("orchestrator"),
		pending:   map[string]chan string{},
	}
}

// Run executes a classified action sequence and speaks the summary. It
// returns the ordered results plus the final narration as spoken, so the
// caller can fold both into the conversation record.
func (o *Orchestrator) Run(ctx context.Context, utterance string, steps []model.ActionStep) ([]StepResult, string) {
	groups := Classify(steps)
	var results []StepResult
	halted := false

	for _, group := range groups {
		if halted {
			break
		}
		var groupResults []StepResult
		if group.Parallel {
			groupResults = o.runParallel(ctx, group)
			if allFailed(groupResults) {
				// A fully failed parallel group is fatal for later
				// groups; a partial failure is not.
				halted = true
			}
		} else {
			groupResults, halted = o.runSequential(ctx, group, lastResponse(results))
		}
		results = append(results, groupResults...)
	}

	spoken := o.speakSummary(ctx, utterance, results)
	return results, spoken
}

// LastResponse picks the most recent substantive prompt response out of
// an ordered result list.
func LastResponse(results []StepResult) string {
	return lastResponse(results)
}

// runSequential executes one step at a time, halting the rest of the
// sequence on the first failure.
func (o *Orchestrator) runSequential(ctx context.Context, group Group, prior string) ([]StepResult, bool) {
	results := make([]StepResult, 0, len(group.Steps))
	last := prior
	for _, step := range group.Steps {
		res := o.runStep(ctx, step, last)
		results = append(results, res)
		if res.Err != nil {
			return results, true
		}
		if res.Text != "" {
			last = res.Text
		}
	}
	return results, false
}

// runParallel dispatches every prompt before awaiting any of them, then
// awaits all concurrently. Results are collected over a channel; an
// interim spoken update goes out as each member resolves so the user is
// not left in silence. Member failures are isolated from siblings.
func (o *Orchestrator) runParallel(ctx context.Context, group Group) []StepResult {
	type indexed struct {
		idx int
		res StepResult
	}

	prompts := make([]int, 0, len(group.Steps))
	results := make([]StepResult, len(group.Steps))
	for i, step := range group.Steps {
		if step.Kind != model.StepPrompt {
			// Non-prompt strays execute inline before the waits begin.
			results[i] = o.runStep(ctx, step, "")
			continue
		}
		sess, ok := o.terminals.ByIndex(step.Terminal)
		if !ok {
			results[i] = StepResult{Step: step, Terminal: step.Terminal, Err: fmt.Errorf("%s: terminal %d", model.ErrTerminalNotFound, step.Terminal)}
			continue
		}
		if err := o.dispatchPrompt(ctx, sess, step.Text); err != nil {
			results[i] = StepResult{Step: step, Terminal: step.Terminal, Err: err}
			continue
		}
		results[i] = StepResult{Step: step, Terminal: step.Terminal}
		prompts = append(prompts, i)
	}

	resCh := make(chan indexed, len(prompts))
	for _, i := range prompts {
		step := group.Steps[i]
		go func(idx int, step model.ActionStep) {
			text, err := o.awaitPrompt(ctx, step)
			resCh <- indexed{idx: idx, res: StepResult{Step: step, Terminal: step.Terminal, Text: text, Err: err}}
		}(i, step)
	}
	for range prompts {
		r := <-resCh
		results[r.idx] = r.res
		if r.res.Err != nil {
			o.speaker.Speak(ctx, fmt.Sprintf("Terminal %d hit a problem.", r.res.Terminal+1), false)
		} else {
			o.speaker.Speak(ctx, fmt.Sprintf("Terminal %d is done.", r.res.Terminal+1), false)
		}
	}
	return results
}

func (o *Orchestrator) runStep(ctx context.Context, step model.ActionStep, prior string) StepResult {
	switch step.Kind {
	case model.StepPrompt:
		sess, ok := o.terminals.ByIndex(step.Terminal)
		if !ok {
			return StepResult{Step: step, Terminal: step.Terminal, Err: fmt.Errorf("%s: terminal %d", model.ErrTerminalNotFound, step.Terminal)}
		}
		if err := o.dispatchPrompt(ctx, sess, step.Text); err != nil {
			return StepResult{Step: step, Terminal: step.Terminal, Err: err}
		}
		text, err := o.awaitPrompt(ctx, step)
		return StepResult{Step: step, Terminal: step.Terminal, Text: text, Err: err}

	case model.StepControl:
		sess, ok := o.terminals.ByIndex(step.Terminal)
		if !ok {
			return StepResult{Step: step, Terminal: step.Terminal, Err: fmt.Errorf("%s: terminal %d", model.ErrTerminalNotFound, step.Terminal)}
		}
		err := o.SendControl(ctx, sess, step.Control)
		return StepResult{Step: step, Terminal: step.Terminal, Err: err}

	case model.StepSpeak:
		o.speaker.Speak(ctx, step.Text, false)
		return StepResult{Step: step, Terminal: step.Terminal}

	case model.StepScreenshot:
		text, err := o.captureVisualContext(ctx)
		// A missed screenshot degrades the context; it does not doom the
		// rest of the sequence.
		if err != nil {
			o.log.WithError(err).Debug("screenshot round trip failed")
			return StepResult{Step: step, Terminal: step.Terminal, Text: prior}
		}
		return StepResult{Step: step, Terminal: step.Terminal, Text: text}

	case model.StepSwitchFocus:
		o.sink.Send(model.Event{
			Type:   model.EventAppControl,
			Action: "focus_terminal",
			Target: fmt.Sprintf("%d", step.Terminal),
		})
		return StepResult{Step: step, Terminal: step.Terminal}

	default:
		return StepResult{Step: step, Terminal: step.Terminal, Err: fmt.Errorf("unknown step kind %q", step.Kind)}
	}
}

// dispatchPrompt submits one prompt to a terminal. The watcher is
// optimistically pre-set to processing before the text is sent so the
// gap between "command sent" and "hook fires" cannot read as idle.
func (o *Orchestrator) dispatchPrompt(ctx context.Context, sess *terminal.Session, text string) error {
	if sess.AwaitingResponse() {
		return fmt.Errorf("terminal %s already has a prompt in flight", sess.ID)
	}
	sess.BeginAwait()
	o.watch.MarkProcessing(sess.AgentSessionName)
	if err := o.mux.SendText(ctx, sess.AgentSessionName, text); err != nil {
		o.watch.ClearMark(sess.AgentSessionName)
		sess.EndAwait()
		return err
	}
	return nil
}

// awaitPrompt waits for the terminal's agent to settle and extracts the
// response text. A timeout is degraded confidence, not an error.
func (o *Orchestrator) awaitPrompt(ctx context.Context, step model.ActionStep) (string, error) {
	sess, ok := o.terminals.ByIndex(step.Terminal)
	if !ok {
		return "", fmt.Errorf("%s: terminal %d", model.ErrTerminalNotFound, step.Terminal)
	}
	state := o.watch.AwaitReady(ctx, sess.AgentSessionName, o.cfg.ReadyTimeout, o.cfg.PollInterval)
	accumulated := sess.EndAwait()

	if state == model.StateTerminated {
		return accumulated, fmt.Errorf("%s: agent exited", model.ErrAgentUnavailable)
	}

	if strings.TrimSpace(accumulated) == "" {
		captured, err := o.mux.Capture(ctx, sess.AgentSessionName, o.cfg.CaptureLines)
		if err == nil {
			accumulated = captured
		}
	}
	return accumulated, nil
}

// SendControl translates a control decision into the keystroke the agent
// expects.
func (o *Orchestrator) SendControl(ctx context.Context, sess *terminal.Session, ctrl model.ControlSequence) error {
	var key string
	switch ctrl {
	case model.ControlConfirm:
		key = "y"
	case model.ControlDeny:
		key = "n"
	case model.ControlInterrupt:
		key = "C-c"
	case model.ControlEscape:
		key = "Escape"
	default:
		return fmt.Errorf("unknown control %q", ctrl)
	}
	if err := o.mux.SendKey(ctx, sess.AgentSessionName, key); err != nil {
		return err
	}
	if ctrl == model.ControlConfirm || ctrl == model.ControlDeny {
		return o.mux.SendKey(ctx, sess.AgentSessionName, "Enter")
	}
	return nil
}

// captureVisualContext asks the client for a screenshot and waits a
// bounded interval for the reply.
func (o *Orchestrator) captureVisualContext(ctx context.Context) (string, error) {
	requestID := uuid.NewString()
	ch := make(chan string, 1)
	o.shotMu.Lock()
	o.pending[requestID] = ch
	o.shotMu.Unlock()
	defer func() {
		o.shotMu.Lock()
		delete(o.pending, requestID)
		o.shotMu.Unlock()
	}()

	if !o.sink.Send(model.Event{
		Type:   model.EventAppControl,
		Action: "capture_screenshot",
		Target: requestID,
	}) {
		return "", fmt.Errorf("client not connected")
	}

	timer := time.NewTimer(o.cfg.ScreenshotTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("screenshot timed out after %s", o.cfg.ScreenshotTimeout)
	case text := <-ch:
		return text, nil
	}
}

// ResolveScreenshot delivers the client's screenshot reply to the
// waiting step.
func (o *Orchestrator) ResolveScreenshot(requestID, description string) {
	o.shotMu.Lock()
	ch, ok := o.pending[requestID]
	o.shotMu.Unlock()
	if ok {
		select {
		case ch <- description:
		default:
		}
	}
}

func lastResponse(results []StepResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Err == nil && results[i].Step.Kind == model.StepPrompt && results[i].Text != "" {
			return results[i].Text
		}
	}
	return ""
}

func allFailed(results []StepResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voxmux/voxmux/internal/client"
	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/orchestrator"
	"github.com/voxmux/voxmux/internal/terminal"
	"github.com/voxmux/voxmux/internal/voice"
)

// HandleInbound dispatches one client message. Voice turns and terminal
// creation arrive serialized on the hub's worker goroutine; control-plane
// messages (interrupt, screenshot replies, terminal passthrough) arrive
// on the read goroutine and may land mid-turn.
func (s *Server) HandleInbound(ctx context.Context, msg client.Inbound) {
	switch msg.Type {
	case "terminal_create":
		s.handleTerminalCreate(ctx, msg)
	case "terminal_input":
		if err := s.terminals.SendInput(ctx, msg.TerminalID, msg.Data); err != nil {
			s.sendError(err, model.ErrTerminalNotFound)
		}
	case "terminal_resize":
		if err := s.terminals.ResizeTerminal(ctx, msg.TerminalID, msg.Cols, msg.Rows); err != nil {
			s.sendError(err, model.ErrTerminalNotFound)
		}
	case "terminal_close":
		if err := s.terminals.Close(ctx, msg.TerminalID, msg.Kill); err != nil {
			s.sendError(err, model.ErrTerminalNotFound)
		}
	case "focus_terminal":
		s.setActiveIdx(msg.Index)
	case "voice_mode":
		if sess, ok := s.terminals.Get(msg.TerminalID); ok {
			sess.SetVoiceMode(msg.Enabled)
		}
	case "interrupt":
		if err := s.terminals.Interrupt(ctx, msg.TerminalID); err != nil {
			s.sendError(err, model.ErrTerminalNotFound)
		}
	case "screenshot_result":
		s.orch.ResolveScreenshot(msg.RequestID, msg.Text)
	case "utterance_audio":
		s.handleAudioUtterance(ctx, msg)
	case "utterance_text":
		s.handleUtterance(ctx, msg.ProjectID, msg.Text)
	default:
		s.log.WithField("type", msg.Type).Debug("ignoring unknown inbound type")
	}
}

// OnDisconnect tears down all per-client state. Agent sessions owned by
// this client's terminals are destroyed too: full cleanup, no orphans.
// Already-dispatched background tasks die with their sessions.
func (s *Server) OnDisconnect(ctx context.Context) {
	s.log.Info("client gone, tearing down terminals")
	s.terminals.CloseAll(ctx, true)
	s.setActiveIdx(0)
}

func (s *Server) handleTerminalCreate(ctx context.Context, msg client.Inbound) {
	sess, err := s.terminals.Create(ctx, terminal.CreateRequest{
		ProjectID:     msg.ProjectID,
		WorkingDir:    msg.Text,
		Cols:          msg.Cols,
		Rows:          msg.Rows,
		Sandboxed:     msg.Sandboxed,
		AutoStart:     msg.AutoStart,
		InitialPrompt: msg.Prompt,
	})
	if err != nil {
		code := model.ErrCreationFailed
		if errors.Is(err, terminal.ErrAgentUnavailable) {
			code = model.ErrAgentUnavailable
		}
		s.sendError(err, code)
		return
	}
	s.setActiveIdx(s.terminals.Count() - 1)
	s.hub.Send(model.Event{
		Type:       model.EventAppControl,
		Action:     "terminal_created",
		TerminalID: sess.ID,
		Target:     msg.RequestID,
	})
}

// handleAudioUtterance runs the pre-transcription gate, transcribes, and
// echoes the transcript before the decision path.
func (s *Server) handleAudioUtterance(ctx context.Context, msg client.Inbound) {
	lastSpoken := time.Time{}
	if sess, ok := s.activeSession(); ok {
		lastSpoken = sess.LastSpokenAt()
	}
	filterCfg := voice.FilterConfig{
		SpeechCooldown: s.cfg.SpeechCooldown,
		MinAudioBytes:  s.cfg.MinAudioBytes,
		MinWords:       s.cfg.MinWords,
		MinWordsIdle:   s.cfg.MinWordsIdle,
	}
	if reason := voice.FilterAudio(filterCfg, len(msg.Audio), lastSpoken, time.Now()); reason != voice.RejectNone {
		s.log.WithField("reason", reason).Debug("audio rejected before transcription")
		return
	}

	transcript, err := s.providers.Transcribe(ctx, msg.Audio, msg.MimeType)
	if err != nil {
		if errors.Is(err, voice.ErrCapabilityUnavailable) {
			s.sendError(err, model.ErrCapabilityMissing)
		} else {
			s.sendError(err, "")
		}
		return
	}
	s.hub.Send(model.Event{Type: model.EventTranscription, Text: transcript})
	s.handleUtterance(ctx, msg.ProjectID, transcript)
}

// handleUtterance is the voice turn: assemble context, decide, act.
func (s *Server) handleUtterance(ctx context.Context, projectID, text string) {
	sess, ok := s.activeSession()
	if !ok {
		s.Speak(ctx, "There's no terminal open yet. Create one first.", true)
		return
	}
	if projectID == "" {
		projectID = sess.ProjectID
	}

	s.guard.Reset()
	s.runDecision(ctx, projectID, text, sess)
}

func (s *Server) runDecision(ctx context.Context, projectID, text string, sess *terminal.Session) {
	state := s.watch.GetState(sess.AgentSessionName)
	recent, err := s.mux.Capture(ctx, sess.AgentSessionName, s.cfg.CaptureLines)
	if err != nil {
		// Capture hiccups degrade context; the turn proceeds without it.
		recent = ""
	}
	decision := s.pipeline.Decide(ctx, text, projectID, voice.Context{
		Readiness:      state,
		RecentOutput:   recent,
		TerminalCount:  s.terminals.Count(),
		ActiveTerminal: s.activeIndex(),
		IdleWaiting:    sess.IdleWaiting(),
	})
	sess.SetIdleWaiting(false)

	// The audit row and the memory annotation carry what the agent
	// produced and what was actually spoken, so both are written after
	// the action resolves.
	var agentOutput, spokenReply string

	switch decision.Kind {
	case model.DecisionIgnore:
		return

	case model.DecisionConversational:
		s.Speak(ctx, decision.Text, true)
		spokenReply = decision.Text

	case model.DecisionControl:
		if err := s.orch.SendControl(ctx, sess, decision.Control); err != nil {
			s.sendError(err, "")
			return
		}
		if decision.Control == model.ControlInterrupt {
			sess.ResetVoiceTurn()
		}

	case model.DecisionPrompt:
		results, spoken := s.orch.Run(ctx, text, []model.ActionStep{{
			Kind:     model.StepPrompt,
			Text:     decision.Text,
			Terminal: s.activeIndex(),
		}})
		agentOutput, spokenReply = orchestrator.LastResponse(results), spoken

	case model.DecisionActionSequence:
		results, spoken := s.orch.Run(ctx, text, decision.Steps)
		agentOutput, spokenReply = orchestrator.LastResponse(results), spoken

	case model.DecisionBackgroundTask:
		if _, err := s.orch.DispatchBackground(ctx, sess, decision.Description, decision.PromptText); err != nil {
			s.sendError(err, "")
			return
		}
		const ack = "Working on it in the background. I'll let you know."
		s.Speak(ctx, ack, false)
		spokenReply = ack

	case model.DecisionWorking:
		s.hub.Send(model.Event{Type: model.EventWorking, Text: decision.Text})
		s.audit(ctx, projectID, text, decision, "", "")
		if s.guard.Note() {
			s.Speak(ctx, "I'm having trouble pinning that down. Could you rephrase?", true)
			return
		}
		s.runDecision(ctx, projectID, text, sess)
		return
	}

	s.audit(ctx, projectID, text, decision, agentOutput, spokenReply)
	if agentOutput != "" || spokenReply != "" {
		s.mem.AnnotateLast(projectID, agentOutput, spokenReply)
	}
}

func (s *Server) audit(ctx context.Context, projectID, text string, decision model.Decision, agentOutput, spokenReply string) {
	if decision.Kind == model.DecisionIgnore {
		return
	}
	turn := model.Turn{
		ID:           uuid.NewString(),
		At:           time.Now().UTC(),
		UserText:     text,
		DecisionKind: decision.Kind,
		DecisionText: decision.Text,
		AgentOutput:  agentOutput,
		SpokenReply:  spokenReply,
	}
	if err := s.store.RecordTurn(ctx, projectID, turn); err != nil {
		s.log.WithError(err).Debug("turn audit write failed")
	}
}

func (s *Server) sendError(err error, code string) {
	s.log.WithError(err).Warn("request failed")
	s.hub.Send(model.Event{Type: model.EventError, Text: err.Error(), Code: code})
}

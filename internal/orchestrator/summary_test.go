package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
)

type fakeSpeaker struct {
	lines  []string
	finals []bool
}

func (f *fakeSpeaker) Speak(_ context.Context, text string, isFinal bool) {
	f.lines = append(f.lines, text)
	f.finals = append(f.finals, isFinal)
}

type fakePresenter struct {
	reply string
	err   error
	calls int
}

func (f *fakePresenter) Present(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func summaryOrchestrator(speaker Speaker, presenter Presenter) *Orchestrator {
	cfg := config.DefaultConfig()
	return &Orchestrator{
		cfg:       cfg,
		speaker:   speaker,
		presenter: presenter,
		log:       logging.NewLogger("orchestrator-test"),
	}
}

func promptResult(terminal int, text string, err error) StepResult {
	return StepResult{
		Step:     model.ActionStep{Kind: model.StepPrompt, Terminal: terminal},
		Terminal: terminal,
		Text:     text,
		Err:      err,
	}
}

func TestSummaryPartialFailureNamesTerminals(t *testing.T) {
	sp := &fakeSpeaker{}
	o := summaryOrchestrator(sp, nil)

	spoken := o.speakSummary(context.Background(), "do things", []StepResult{
		promptResult(0, "ok", nil),
		promptResult(1, "", errors.New("boom")),
		promptResult(2, "fine", nil),
	})

	if len(sp.lines) != 1 {
		t.Fatalf("expected one summary line, got %#v", sp.lines)
	}
	if spoken != sp.lines[0] {
		t.Fatalf("returned narration %q must match what was spoken %q", spoken, sp.lines[0])
	}
	line := sp.lines[0]
	if !strings.Contains(line, "terminal 1 and terminal 3 finished") {
		t.Fatalf("succeeded terminals not named: %q", line)
	}
	if !strings.Contains(line, "terminal 2 failed") {
		t.Fatalf("failed terminal not named: %q", line)
	}
	if !sp.finals[0] {
		t.Fatalf("summary must be final")
	}
}

func TestSummaryTotalFailure(t *testing.T) {
	sp := &fakeSpeaker{}
	o := summaryOrchestrator(sp, nil)

	o.speakSummary(context.Background(), "do it", []StepResult{
		promptResult(0, "", errors.New("agent exited")),
		promptResult(1, "", errors.New("agent exited")),
	})

	if !strings.Contains(sp.lines[0], "didn't work on any terminal") {
		t.Fatalf("expected total-failure narration, got %q", sp.lines[0])
	}
}

func TestSummarySuccessNarratesViaPresenter(t *testing.T) {
	sp := &fakeSpeaker{}
	pr := &fakePresenter{reply: "The tests all passed."}
	o := summaryOrchestrator(sp, pr)

	long := strings.Repeat("output line\n", 20)
	o.speakSummary(context.Background(), "run the tests", []StepResult{
		promptResult(0, long, nil),
	})

	if pr.calls != 1 {
		t.Fatalf("expected presenter to be consulted once, got %d", pr.calls)
	}
	if sp.lines[0] != "The tests all passed." {
		t.Fatalf("expected presenter text, got %q", sp.lines[0])
	}
}

func TestSummaryPresenterFailureFallsBackToTrimmedResponse(t *testing.T) {
	sp := &fakeSpeaker{}
	pr := &fakePresenter{err: errors.New("model down")}
	o := summaryOrchestrator(sp, pr)

	long := strings.Repeat("x", 700)
	o.speakSummary(context.Background(), "do it", []StepResult{
		promptResult(0, long, nil),
	})

	got := sp.lines[0]
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected a trimmed raw response fallback, got %q", got[:40])
	}
	if len(got) > 610 {
		t.Fatalf("fallback too long for speech: %d chars", len(got))
	}
}

func TestSummaryShortSuccessIsGeneric(t *testing.T) {
	sp := &fakeSpeaker{}
	o := summaryOrchestrator(sp, nil)

	o.speakSummary(context.Background(), "nudge it", []StepResult{
		promptResult(0, "ok", nil),
	})

	if sp.lines[0] != "All done." {
		t.Fatalf("expected generic completion, got %q", sp.lines[0])
	}
}

func TestSummaryNoPromptsStillCloses(t *testing.T) {
	sp := &fakeSpeaker{}
	o := summaryOrchestrator(sp, nil)

	o.speakSummary(context.Background(), "speak and focus", []StepResult{
		{Step: model.ActionStep{Kind: model.StepSpeak}},
		{Step: model.ActionStep{Kind: model.StepSwitchFocus}},
	})

	if sp.lines[0] != "Done." {
		t.Fatalf("expected plain completion, got %q", sp.lines[0])
	}
}

func TestTerminalListJoining(t *testing.T) {
	if got := terminalList([]int{0}); got != "terminal 1" {
		t.Fatalf("single: %q", got)
	}
	if got := terminalList([]int{0, 2}); got != "terminal 1 and terminal 3" {
		t.Fatalf("pair: %q", got)
	}
	if got := terminalList([]int{0, 1, 2}); got != "terminal 1, terminal 2, and terminal 3" {
		t.Fatalf("triple: %q", got)
	}
}

func TestWorkingGuardCapsConsecutiveStalls(t *testing.T) {
	g := NewWorkingGuard(3)
	for i := 0; i < 3; i++ {
		if g.Note() {
			t.Fatalf("note %d should be under the cap", i+1)
		}
	}
	if !g.Note() {
		t.Fatalf("fourth note must exceed the cap")
	}
	g.Reset()
	if g.Note() {
		t.Fatalf("reset must clear the counter")
	}
}

// Package memory keeps the per-project rolling transcript of voice
// turns, compacting old turns into a running summary plus an extracted
// fact list once the token budget is exceeded.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
)

// Summarizer condenses transcript text. The instructions tell the model
// what must survive compaction.
type Summarizer interface {
	Summarize(ctx context.Context, instructions, text string) (string, error)
}

const summarizeInstructions = "Summarize this conversation history. " +
	"Preserve topics discussed, stated preferences, decisions made, and " +
	"the names of any projects, files, or features mentioned. Be concise."

type projectMemory struct {
	turns            []model.Turn
	compactedSummary string
	importantFacts   []string
	estimatedTokens  int
	compactionCount  int
}

type Options struct {
	TokenCeiling int
	RetainTurns  int
	FactCap      int
}

type Store struct {
	opts       Options
	summarizer Summarizer
	log        *logrus.Entry

	mu       sync.Mutex
	projects map[string]*projectMemory
}

func NewStore(opts Options, summarizer Summarizer) *Store {
	if opts.TokenCeiling <= 0 {
		opts.TokenCeiling = 200_000
	}
	if opts.RetainTurns <= 0 {
		opts.RetainTurns = 10
	}
	if opts.FactCap <= 0 {
		opts.FactCap = 30
	}
	return &Store{
		opts:       opts,
		summarizer: summarizer,
		log:        logging.NewLogger("memory"),
		projects:   map[string]*projectMemory{},
	}
}

// EstimateTokens approximates token count from character count. Applied
// uniformly to summaries, facts, and turn fields.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// clip bounds raw agent output; full pane captures do not belong in a
// model context verbatim.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func turnTokens(t model.Turn) int {
	return EstimateTokens(t.UserText) +
		EstimateTokens(t.DecisionText) +
		EstimateTokens(t.AgentOutput) +
		EstimateTokens(t.SpokenReply)
}

// Append records a turn, recomputes the token estimate, and compacts if
// the ceiling is now exceeded.
func (s *Store) Append(ctx context.Context, projectID string, turn model.Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.mu.Lock()
	pm := s.project(projectID)
	pm.turns = append(pm.turns, turn)
	s.recount(pm)
	needsCompaction := pm.estimatedTokens > s.opts.TokenCeiling
	s.mu.Unlock()

	if needsCompaction {
		s.compact(ctx, projectID)
	}
}

// AnnotateLast attaches the captured agent output and the spoken reply
// to the most recent turn. A turn is appended when the decision is made;
// these two fields only exist once the orchestrator has run.
func (s *Store) AnnotateLast(projectID, agentOutput, spokenReply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.projects[projectID]
	if !ok || len(pm.turns) == 0 {
		return
	}
	t := &pm.turns[len(pm.turns)-1]
	if agentOutput != "" {
		t.AgentOutput = agentOutput
	}
	if spokenReply != "" {
		t.SpokenReply = spokenReply
	}
	s.recount(pm)
}

// FormattedHistory renders the compacted summary, the fact list, and the
// verbatim recent turns for inclusion in a decision-model context.
func (s *Store) FormattedHistory(projectID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.projects[projectID]
	if !ok {
		return ""
	}
	var b strings.Builder
	if pm.compactedSummary != "" {
		b.WriteString("Earlier conversation (summarized):\n")
		b.WriteString(pm.compactedSummary)
		b.WriteString("\n\n")
	}
	if len(pm.importantFacts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range pm.importantFacts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(pm.turns) > 0 {
		b.WriteString("Recent turns:\n")
		for _, t := range pm.turns {
			fmt.Fprintf(&b, "[%s] user: %s\n", t.At.Format("15:04"), t.UserText)
			if t.DecisionText != "" {
				fmt.Fprintf(&b, "  action (%s): %s\n", t.DecisionKind, t.DecisionText)
			}
			if t.AgentOutput != "" {
				fmt.Fprintf(&b, "  agent: %s\n", clip(t.AgentOutput, 400))
			}
			if t.SpokenReply != "" {
				fmt.Fprintf(&b, "  spoken: %s\n", t.SpokenReply)
			}
		}
	}
	return b.String()
}

func (s *Store) Clear(projectID string) {
	s.mu.Lock()
	delete(s.projects, projectID)
	s.mu.Unlock()
}

// Stats exposes counters for tests and diagnostics.
func (s *Store) Stats(projectID string) (turns, estimatedTokens, compactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.projects[projectID]
	if !ok {
		return 0, 0, 0
	}
	return len(pm.turns), pm.estimatedTokens, pm.compactionCount
}

func (s *Store) Facts(projectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	return append([]string(nil), pm.importantFacts...)
}

func (s *Store) project(projectID string) *projectMemory {
	pm, ok := s.projects[projectID]
	if !ok {
		pm = &projectMemory{}
		s.projects[projectID] = pm
	}
	return pm
}

func (s *Store) recount(pm *projectMemory) {
	total := EstimateTokens(pm.compactedSummary)
	for _, f := range pm.importantFacts {
		total += EstimateTokens(f)
	}
	for _, t := range pm.turns {
		total += turnTokens(t)
	}
	pm.estimatedTokens = total
}

// compact summarizes the oldest turns, keeping a fixed tail of recent
// turns untouched. When the summarization call fails the tail is still
// truncated so memory cannot grow without bound, but the old summary and
// facts are left as they were.
func (s *Store) compact(ctx context.Context, projectID string) {
	s.mu.Lock()
	pm := s.project(projectID)
	if len(pm.turns) <= s.opts.RetainTurns {
		s.mu.Unlock()
		return
	}
	cut := len(pm.turns) - s.opts.RetainTurns
	oldest := append([]model.Turn(nil), pm.turns[:cut]...)
	priorSummary := pm.compactedSummary
	s.mu.Unlock()

	var b strings.Builder
	if priorSummary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\n")
	}
	for _, t := range oldest {
		fmt.Fprintf(&b, "user: %s\n", t.UserText)
		if t.DecisionText != "" {
			fmt.Fprintf(&b, "action: %s\n", t.DecisionText)
		}
		if t.AgentOutput != "" {
			fmt.Fprintf(&b, "agent: %s\n", clip(t.AgentOutput, 400))
		}
		if t.SpokenReply != "" {
			fmt.Fprintf(&b, "assistant: %s\n", t.SpokenReply)
		}
	}

	var newSummary string
	var sumErr error
	if s.summarizer != nil {
		newSummary, sumErr = s.summarizer.Summarize(ctx, summarizeInstructions, b.String())
	} else {
		sumErr = fmt.Errorf("no summarizer configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pm = s.project(projectID)
	if len(pm.turns) >= cut {
		pm.turns = append([]model.Turn(nil), pm.turns[cut:]...)
	}
	if sumErr != nil {
		s.log.WithError(sumErr).Warn("compaction summarize failed, truncating only")
	} else {
		pm.compactedSummary = newSummary
		pm.importantFacts = mergeFacts(pm.importantFacts, ExtractFacts(newSummary), s.opts.FactCap)
	}
	pm.compactionCount++
	s.recount(pm)
}

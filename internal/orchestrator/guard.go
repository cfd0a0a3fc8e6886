package orchestrator

// WorkingGuard caps consecutive "still gathering information" decisions
// within one utterance so the pipeline cannot hold the floor forever.
type WorkingGuard struct {
	limit int
	count int
}

func NewWorkingGuard(limit int) *WorkingGuard {
	if limit <= 0 {
		limit = 3
	}
	return &WorkingGuard{limit: limit}
}

// Note records one working decision and reports whether the cap is now
// exceeded, in which case the caller must fall back to a conversational
// response instead of looping.
func (g *WorkingGuard) Note() bool {
	g.count++
	return g.count > g.limit
}

// Reset clears the counter at the start of a new utterance.
func (g *WorkingGuard) Reset() {
	g.count = 0
}

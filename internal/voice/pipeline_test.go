package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/memory"
	"github.com/voxmux/voxmux/internal/model"
)

type fakeDecider struct {
	reply string
	err   error
	calls int
	seen  []string
}

func (f *fakeDecider) Decide(_ context.Context, _, contextText, _ string) (string, error) {
	f.calls++
	f.seen = append(f.seen, contextText)
	return f.reply, f.err
}

func newTestPipeline(decider *fakeDecider) *Pipeline {
	mem := memory.NewStore(memory.Options{}, nil)
	return NewPipeline(decider, mem, FilterConfig{
		SpeechCooldown: 2 * time.Second,
		MinAudioBytes:  2048,
		MinWords:       1,
		MinWordsIdle:   1,
	})
}

func TestDecideAffirmativeShortcutSkipsModel(t *testing.T) {
	dec := &fakeDecider{reply: `{"kind":"ignore"}`}
	p := newTestPipeline(dec)

	d := p.Decide(context.Background(), "Yes.", "p", Context{
		Readiness: model.StateAwaitingConfirmation,
	})

	assert.Equal(t, model.DecisionControl, d.Kind)
	assert.Equal(t, model.ControlConfirm, d.Control)
	assert.Zero(t, dec.calls, "a plain yes while awaiting confirmation must not hit the model")
}

func TestDecideNegativeShortcut(t *testing.T) {
	dec := &fakeDecider{}
	p := newTestPipeline(dec)

	d := p.Decide(context.Background(), "no thanks", "p", Context{
		Readiness: model.StateAwaitingConfirmation,
	})

	assert.Equal(t, model.ControlDeny, d.Control)
	assert.Zero(t, dec.calls)
}

func TestDecideInterruptShortcutWhileProcessing(t *testing.T) {
	dec := &fakeDecider{}
	p := newTestPipeline(dec)

	d := p.Decide(context.Background(), "Hold on!", "p", Context{
		Readiness: model.StateProcessing,
	})

	assert.Equal(t, model.DecisionControl, d.Kind)
	assert.Equal(t, model.ControlInterrupt, d.Control)
	assert.Zero(t, dec.calls)
}

// defaultFilterPipeline mirrors the production wiring: filter thresholds
// straight from the shipped defaults, word floor included.
func defaultFilterPipeline(decider *fakeDecider) *Pipeline {
	cfg := config.DefaultConfig()
	mem := memory.NewStore(memory.Options{}, nil)
	return NewPipeline(decider, mem, FilterConfig{
		SpeechCooldown: cfg.SpeechCooldown,
		MinAudioBytes:  cfg.MinAudioBytes,
		MinWords:       cfg.MinWords,
		MinWordsIdle:   cfg.MinWordsIdle,
	})
}

func TestDecideShortcutOutranksWordFloor(t *testing.T) {
	dec := &fakeDecider{}
	p := defaultFilterPipeline(dec)

	d := p.Decide(context.Background(), "yes", "p", Context{
		Readiness: model.StateAwaitingConfirmation,
	})
	require.Equal(t, model.DecisionControl, d.Kind)
	assert.Equal(t, model.ControlConfirm, d.Control)

	d = p.Decide(context.Background(), "stop", "p", Context{
		Readiness: model.StateProcessing,
	})
	require.Equal(t, model.DecisionControl, d.Kind)
	assert.Equal(t, model.ControlInterrupt, d.Control)
	assert.Zero(t, dec.calls, "one-word lexicon hits must bypass the word floor")
}

func TestDecideShortcutOutranksArtifactList(t *testing.T) {
	// "Okay." doubles as a near-silence transcription artifact; at a
	// confirmation prompt it is an answer.
	dec := &fakeDecider{}
	p := defaultFilterPipeline(dec)

	d := p.Decide(context.Background(), "Okay.", "p", Context{
		Readiness: model.StateAwaitingConfirmation,
	})
	require.Equal(t, model.DecisionControl, d.Kind)
	assert.Equal(t, model.ControlConfirm, d.Control)
	assert.Zero(t, dec.calls)

	// While idle the artifact filter still wins.
	d = p.Decide(context.Background(), "Okay.", "p", Context{
		Readiness: model.StateIdle,
	})
	assert.Equal(t, model.DecisionIgnore, d.Kind)
	assert.Zero(t, dec.calls)
}

func TestDecideShortcutIsStateGated(t *testing.T) {
	dec := &fakeDecider{reply: `{"kind":"conversational","text":"Nothing pending."}`}
	p := newTestPipeline(dec)

	// The same word while idle is not a confirmation; the model decides.
	d := p.Decide(context.Background(), "yes", "p", Context{
		Readiness: model.StateIdle,
	})

	assert.Equal(t, model.DecisionConversational, d.Kind)
	assert.Equal(t, 1, dec.calls)
}

func TestDecideShortcutsAreDeterministic(t *testing.T) {
	dec := &fakeDecider{}
	p := newTestPipeline(dec)

	for i := 0; i < 5; i++ {
		d := p.Decide(context.Background(), "yes", "p", Context{
			Readiness: model.StateAwaitingConfirmation,
		})
		require.Equal(t, model.ControlConfirm, d.Control, "run %d", i)
	}
	assert.Zero(t, dec.calls)
}

func TestDecideFilteredUtteranceIsIgnored(t *testing.T) {
	dec := &fakeDecider{}
	p := newTestPipeline(dec)

	d := p.Decide(context.Background(), "Thank you.", "p", Context{Readiness: model.StateIdle})
	assert.Equal(t, model.DecisionIgnore, d.Kind)
	assert.Zero(t, dec.calls)
}

func TestDecideModelFailureIsConversational(t *testing.T) {
	dec := &fakeDecider{err: context.DeadlineExceeded}
	p := newTestPipeline(dec)

	d := p.Decide(context.Background(), "please refactor the cart", "p", Context{Readiness: model.StateIdle})
	assert.Equal(t, model.DecisionConversational, d.Kind)
	assert.NotEmpty(t, d.Text)
}

func TestDecideContextCarriesReadinessAndOutput(t *testing.T) {
	dec := &fakeDecider{reply: `{"kind":"ignore"}`}
	p := newTestPipeline(dec)

	p.Decide(context.Background(), "what is it doing", "p", Context{
		Readiness:    model.StateProcessing,
		RecentOutput: "compiling module three of nine",
	})

	require.Equal(t, 1, dec.calls)
	assert.Contains(t, dec.seen[0], "still working")
	assert.Contains(t, dec.seen[0], "compiling module three of nine")
}

func TestDecideRemembersNonIgnoredTurns(t *testing.T) {
	dec := &fakeDecider{reply: `{"kind":"prompt","text":"add a retry"}`}
	mem := memory.NewStore(memory.Options{}, nil)
	p := NewPipeline(dec, mem, FilterConfig{MinWords: 1, MinWordsIdle: 1})

	p.Decide(context.Background(), "add a retry to the fetcher", "proj", Context{Readiness: model.StateIdle})

	history := mem.FormattedHistory("proj")
	assert.Contains(t, history, "add a retry to the fetcher")
}

func TestNormalizeUtterance(t *testing.T) {
	assert.Equal(t, "yes", normalizeUtterance("  Yes. "))
	assert.Equal(t, "hold on", normalizeUtterance("Hold on!"))
	assert.Equal(t, "never mind", normalizeUtterance("Never mind?"))
}

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/voxmux/voxmux/internal/model"
)

// speakSummary narrates the outcome of a sequence:
//
//   - mixed results name the terminals that succeeded and failed;
//   - a total failure gets a failure narration;
//   - success with a substantive last response narrates that response,
//     rephrased against the user's original words when a presenter is
//     available;
//   - success with nothing worth reading gets a generic completion.
func (o *Orchestrator) speakSummary(ctx context.Context, utterance string, results []StepResult) string {
	var text string
	prompts := promptResults(results)
	if len(prompts) == 0 {
		if anyFailed(results) {
			text = "Something went wrong carrying that out."
		} else {
			text = "Done."
		}
		o.speaker.Speak(ctx, text, true)
		return text
	}

	succeeded, failed := splitByOutcome(prompts)
	switch {
	case len(failed) > 0 && len(succeeded) > 0:
		text = fmt.Sprintf("Partially done: %s finished, but %s failed.",
			terminalList(succeeded), terminalList(failed))
	case len(failed) > 0:
		text = "That didn't work on any terminal. " + firstError(prompts)
	default:
		last := lastResponse(results)
		if len(strings.TrimSpace(last)) >= o.cfg.MinSummaryChars {
			text = o.present(ctx, utterance, last)
		} else {
			text = "All done."
		}
	}
	o.speaker.Speak(ctx, text, true)
	return text
}

func (o *Orchestrator) present(ctx context.Context, utterance, response string) string {
	if o.presenter != nil {
		text, err := o.presenter.Present(ctx, utterance, response)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		o.log.WithError(err).Debug("presenter failed, narrating raw response")
	}
	return trimForSpeech(response)
}

// trimForSpeech keeps the response short enough to listen to.
func trimForSpeech(response string) string {
	cleaned := strings.TrimSpace(response)
	if len(cleaned) <= 600 {
		return cleaned
	}
	return cleaned[:600] + "…"
}

func promptResults(results []StepResult) []StepResult {
	var out []StepResult
	for _, r := range results {
		if r.Step.Kind == model.StepPrompt {
			out = append(out, r)
		}
	}
	return out
}

func splitByOutcome(results []StepResult) (succeeded, failed []int) {
	seenOK := map[int]bool{}
	seenBad := map[int]bool{}
	for _, r := range results {
		if r.Err != nil {
			seenBad[r.Terminal] = true
		} else {
			seenOK[r.Terminal] = true
		}
	}
	for t := range seenOK {
		succeeded = append(succeeded, t)
	}
	for t := range seenBad {
		failed = append(failed, t)
	}
	sort.Ints(succeeded)
	sort.Ints(failed)
	return succeeded, failed
}

func terminalList(indices []int) string {
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = fmt.Sprintf("terminal %d", idx+1)
	}
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}

func anyFailed(results []StepResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

func firstError(results []StepResult) string {
	for _, r := range results {
		if r.Err != nil {
			return r.Err.Error()
		}
	}
	return ""
}

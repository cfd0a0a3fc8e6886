package orchestrator

import "github.com/voxmux/voxmux/internal/model"

// Group is an ordered execution unit. Sequential groups run one step at
// a time; parallel groups dispatch all their prompts before awaiting any
// of them.
type Group struct {
	Parallel bool
	Steps    []model.ActionStep
}

// Classify partitions steps into execution groups in a single
// left-to-right pass:
//
//   - a switch-focus step always stands alone in a sequential group;
//   - a screenshot step always stands alone too, since it must observe
//     the final state of everything queued before it;
//   - consecutive prompts targeting different terminals merge into one
//     parallel group, while a prompt for a terminal the current group
//     already prompts forces a flush into a new sequential group;
//   - any other step is appended to the current group unchanged.
func Classify(steps []model.ActionStep) []Group {
	var groups []Group
	var cur *Group

	flush := func() {
		if cur != nil && len(cur.Steps) > 0 {
			groups = append(groups, *cur)
		}
		cur = nil
	}

	for _, st := range steps {
		switch st.Kind {
		case model.StepSwitchFocus, model.StepScreenshot:
			flush()
			groups = append(groups, Group{Steps: []model.ActionStep{st}})
		case model.StepPrompt:
			if cur == nil {
				cur = &Group{Steps: []model.ActionStep{st}}
				continue
			}
			if groupPromptsTerminal(cur, st.Terminal) {
				flush()
				cur = &Group{Steps: []model.ActionStep{st}}
				continue
			}
			if groupPromptCount(cur) >= 1 {
				cur.Parallel = true
			}
			cur.Steps = append(cur.Steps, st)
		default:
			if cur == nil {
				cur = &Group{}
			}
			cur.Steps = append(cur.Steps, st)
		}
	}
	flush()
	return groups
}

func groupPromptsTerminal(g *Group, terminal int) bool {
	for _, st := range g.Steps {
		if st.Kind == model.StepPrompt && st.Terminal == terminal {
			return true
		}
	}
	return false
}

func groupPromptCount(g *Group) int {
	n := 0
	for _, st := range g.Steps {
		if st.Kind == model.StepPrompt {
			n++
		}
	}
	return n
}

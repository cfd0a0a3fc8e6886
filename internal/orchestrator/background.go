package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxmux/voxmux/internal/model"
	"github.com/voxmux/voxmux/internal/terminal"
)

// DispatchBackground starts a fire-and-forget task on the terminal and
// returns immediately. The acknowledgement spoken by the caller is not
// final; when the task settles (or its timeout turns into a failure) an
// out-of-band notification goes to the client if it is still connected,
// and the task record is discarded.
func (o *Orchestrator) DispatchBackground(ctx context.Context, sess *terminal.Session, description, promptText string) (*model.BackgroundTask, error) {
	task := &model.BackgroundTask{
		ID:          uuid.NewString(),
		TerminalID:  sess.ID,
		Description: description,
		PromptText:  promptText,
		StartedAt:   time.Now().UTC(),
		Status:      model.TaskRunning,
	}

	if err := o.dispatchPrompt(ctx, sess, promptText); err != nil {
		return nil, err
	}
	sess.AddTask(task)
	o.sink.Send(model.Event{
		Type:   model.EventBackgroundStarted,
		TaskID: task.ID,
		Text:   description,
	})

	go o.awaitBackground(sess, task)
	return task, nil
}

func (o *Orchestrator) awaitBackground(sess *terminal.Session, task *model.BackgroundTask) {
	// Detached from the conversational turn: the task outlives the
	// inbound message that started it, bounded by its own timeout.
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BackgroundTimeout)
	defer cancel()

	state := o.watch.AwaitReady(ctx, sess.AgentSessionName, o.cfg.BackgroundTimeout, o.cfg.PollInterval)
	output := sess.EndAwait()

	switch {
	case state == model.StateTerminated:
		task.Status = model.TaskFailed
		task.Result = "the agent exited before finishing"
	case state.Ready():
		task.Status = model.TaskCompleted
		task.Result = trimForSpeech(output)
	default:
		task.Status = model.TaskFailed
		task.Result = fmt.Sprintf("no confirmation after %s", o.cfg.BackgroundTimeout)
	}

	o.sink.Send(model.Event{
		Type:   model.EventBackgroundDone,
		TaskID: task.ID,
		Text:   fmt.Sprintf("%s: %s", task.Description, task.Result),
		Code:   string(task.Status),
	})
	sess.RemoveTask(task.ID)
	o.log.WithField("task", task.ID).WithField("status", task.Status).Info("background task settled")
}

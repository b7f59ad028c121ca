package agent

import (
	"github.com/juju/errors"
)

type preparingRestore struct {
	serving
}

func (s preparingRestore) Cancellable() bool { return true }

func (s preparingRestore) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type == StageCompleteMessage {
		return s.stageComplete(s, s, msg)
	}
	return s.base.ProcessMessage(msg)
}

func (s preparingRestore) ExecuteRestore(job Job) (Transition, error) {
	if err := s.checkJob("execute restore", job); err != nil {
		return Transition{}, err
	}
	channel := s.env.channel
	next := executingRestore{serving: s.serving}
	next.name = "ExecutingRestore"
	return Transition{
		Next: next,
		PostAction: func() error {
			return errors.Annotate(channel.SendExecute(job.Action()), "sending execute")
		},
	}, nil
}

func (s preparingRestore) CancelAction(job Job) (Transition, error) {
	return s.cancel(job)
}

type executingRestore struct {
	serving
}

func (s executingRestore) Cancellable() bool { return true }

func (s executingRestore) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type == StageCompleteMessage {
		return s.stageComplete(s, s, msg)
	}
	return s.base.ProcessMessage(msg)
}

func (s executingRestore) ExecuteRestorePostAction(job Job) (Transition, error) {
	if err := s.checkJob("execute restore post action", job); err != nil {
		return Transition{}, err
	}
	stages, channel := s.capabilities().Stages, s.env.channel
	next := postActionRestore{serving: s.serving}
	next.name = "PostActionRestore"
	return Transition{
		Next: next,
		PostAction: func() error {
			if !stages {
				return nil
			}
			return errors.Annotate(channel.SendPostAction(job.Action()), "sending post action")
		},
	}, nil
}

func (s executingRestore) CancelAction(job Job) (Transition, error) {
	return s.cancel(job)
}

type postActionRestore struct {
	serving
}

func (s postActionRestore) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type == StageCompleteMessage {
		return s.stageComplete(s, s, msg)
	}
	return s.base.ProcessMessage(msg)
}

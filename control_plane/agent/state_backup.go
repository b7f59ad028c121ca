package agent

import (
	"github.com/juju/errors"
)

type preparingBackup struct {
	serving
}

func (s preparingBackup) Cancellable() bool { return true }

func (s preparingBackup) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type == StageCompleteMessage {
		return s.stageComplete(s, s, msg)
	}
	return s.base.ProcessMessage(msg)
}

func (s preparingBackup) ExecuteBackup(job Job) (Transition, error) {
	if err := s.checkJob("execute backup", job); err != nil {
		return Transition{}, err
	}
	channel := s.env.channel
	next := executingBackup{serving: s.serving}
	next.name = "ExecutingBackup"
	return Transition{
		Next: next,
		PostAction: func() error {
			return errors.Annotate(channel.SendExecute(job.Action()), "sending execute")
		},
	}, nil
}

func (s preparingBackup) CancelAction(job Job) (Transition, error) {
	return s.cancel(job)
}

type executingBackup struct {
	serving
}

func (s executingBackup) Cancellable() bool { return true }

func (s executingBackup) ProcessMessage(msg Message) (Transition, error) {
	job, id, fragment := s.job, s.agentID(), msg.FragmentID
	switch msg.Type {
	case StageCompleteMessage:
		return s.stageComplete(s, s, msg)
	case FragmentOpenedMessage:
		return Transition{Next: s, PostAction: func() error {
			return job.ReceiveNewFragment(id, fragment)
		}}, nil
	case FragmentSucceededMessage:
		return Transition{Next: s, PostAction: func() error {
			return job.FragmentSucceeded(id, fragment)
		}}, nil
	case FragmentFailedMessage:
		return Transition{Next: s, PostAction: func() error {
			return job.FragmentFailed(id, fragment)
		}}, nil
	}
	return s.base.ProcessMessage(msg)
}

func (s executingBackup) ExecuteBackupPostAction(job Job) (Transition, error) {
	if err := s.checkJob("execute backup post action", job); err != nil {
		return Transition{}, err
	}
	stages, channel := s.capabilities().Stages, s.env.channel
	next := postActionBackup{serving: s.serving}
	next.name = "PostActionBackup"
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

func (s executingBackup) CancelAction(job Job) (Transition, error) {
	return s.cancel(job)
}

type postActionBackup struct {
	serving
}

func (s postActionBackup) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type == StageCompleteMessage {
		return s.stageComplete(s, s, msg)
	}
	return s.base.ProcessMessage(msg)
}

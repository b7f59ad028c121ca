package agent

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("backforge.agent")

// Transition is the result of every operation on a State. The caller
// installs Next as the agent's state before running PostAction, so any
// re-entry from PostAction already observes Next.
type Transition struct {
	Next       State
	PostAction func() error
}

func stay(s State) Transition {
	return Transition{Next: s}
}

// State is one phase of the agent protocol. Variants are values and are
// replaced wholesale on every transition. Operations a variant does not
// support fail with NotSupported.
type State interface {
	Name() string
	Registration() *Registration

	// Job returns the job the state is serving, or nil.
	Job() Job

	// Cancellable reports whether CancelAction is legal.
	Cancellable() bool

	ProcessMessage(msg Message) (Transition, error)
	PrepareForBackup(job Job, backupName, backupType string) (Transition, error)
	ExecuteBackup(job Job) (Transition, error)
	ExecuteBackupPostAction(job Job) (Transition, error)
	PrepareForRestore(job Job, backupName, backupType string) (Transition, error)
	ExecuteRestore(job Job) (Transition, error)
	ExecuteRestorePostAction(job Job) (Transition, error)
	CancelAction(job Job) (Transition, error)
	ResetState() (Transition, error)
}

// env is what every state needs to talk to the outside world.
type env struct {
	agent    *Agent
	channel  Channel
	registry *Registry
}

// base rejects every operation. Variants embed it and override the
// operations legal in their phase.
type base struct {
	name string
	env  *env
	reg  *Registration
}

func (b base) Name() string                { return b.name }
func (b base) Registration() *Registration { return b.reg }
func (b base) Job() Job                    { return nil }
func (b base) Cancellable() bool           { return false }

func (b base) unsupported(op string) (Transition, error) {
	return Transition{}, errors.NotSupportedf("%s in state %s", op, b.name)
}

func (b base) ProcessMessage(msg Message) (Transition, error) {
	return b.unsupported("message " + string(msg.Type))
}

func (b base) PrepareForBackup(Job, string, string) (Transition, error) {
	return b.unsupported("prepare for backup")
}

func (b base) ExecuteBackup(Job) (Transition, error) {
	return b.unsupported("execute backup")
}

func (b base) ExecuteBackupPostAction(Job) (Transition, error) {
	return b.unsupported("execute backup post action")
}

func (b base) PrepareForRestore(Job, string, string) (Transition, error) {
	return b.unsupported("prepare for restore")
}

func (b base) ExecuteRestore(Job) (Transition, error) {
	return b.unsupported("execute restore")
}

func (b base) ExecuteRestorePostAction(Job) (Transition, error) {
	return b.unsupported("execute restore post action")
}

func (b base) CancelAction(Job) (Transition, error) {
	return b.unsupported("cancel action")
}

func (b base) ResetState() (Transition, error) {
	return b.unsupported("reset state")
}

func (b base) agentID() string {
	if b.reg == nil {
		return ""
	}
	return b.reg.AgentID
}

func (b base) capabilities() Capabilities {
	if b.reg == nil {
		return Capabilities{}
	}
	return b.reg.Capabilities()
}

func (b base) recognized() State {
	return recognized{base: base{name: "Recognized", env: b.env, reg: b.reg}}
}

// serving is embedded by every state bound to a job.
type serving struct {
	base
	job Job
}

func (s serving) Job() Job { return s.job }

// ResetState drops the job binding. Used when an action ends without the
// agent being asked to cancel.
func (s serving) ResetState() (Transition, error) {
	return Transition{Next: s.recognized()}, nil
}

func (s serving) checkJob(op string, job Job) error {
	if job != s.job {
		return errors.NotSupportedf("%s for job %s in state %s serving job %s", op, job.ID(), s.name, s.job.ID())
	}
	return nil
}

// stageComplete is the shared handling of a StageComplete report: a
// report for another action kind is cross-talk and is dropped, anything
// else is forwarded to the job after next is installed.
func (s serving) stageComplete(self, next State, msg Message) (Transition, error) {
	if msg.StageComplete == nil {
		return Transition{}, errors.NotValidf("stage complete message without body")
	}
	report := *msg.StageComplete
	if report.Action != s.job.Action() {
		logger.Tracef("agent %q ignoring %s report in state %s serving %s job %s",
			s.agentID(), report.Action, s.name, s.job.Action(), s.job.ID())
		return stay(self), nil
	}
	job, id := s.job, s.agentID()
	return Transition{
		Next: next,
		PostAction: func() error {
			job.UpdateProgress(id, report)
			return nil
		},
	}, nil
}

// cancel moves a cancellable state to Canceling and sends the directive.
func (s serving) cancel(job Job) (Transition, error) {
	if err := s.checkJob("cancel action", job); err != nil {
		return Transition{}, err
	}
	channel := s.env.channel
	return Transition{
		Next: canceling{serving: serving{base: base{name: "Canceling", env: s.env, reg: s.reg}, job: job}},
		PostAction: func() error {
			return errors.Annotate(channel.SendCancel(job.Action()), "sending cancel")
		},
	}, nil
}

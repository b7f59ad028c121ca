package agent

import (
	"github.com/juju/errors"
)

// unrecognized is the state of a fresh connection. The only legal input
// is a registration.
type unrecognized struct {
	base
}

func newUnrecognized(e *env) State {
	return unrecognized{base: base{name: "Unrecognized", env: e}}
}

func (s unrecognized) ProcessMessage(msg Message) (Transition, error) {
	if msg.Type != RegisterMessage {
		return s.base.ProcessMessage(msg)
	}
	if msg.Registration == nil {
		return Transition{}, invalidRegistration(errors.NotValidf("register message without registration"))
	}
	reg := *msg.Registration
	if err := reg.Validate(s.env.registry.Supports); err != nil {
		return Transition{}, invalidRegistration(err)
	}
	if err := s.env.registry.add(reg.AgentID, s.env.agent); err != nil {
		return Transition{}, errors.Trace(err)
	}
	registry, channel := s.env.registry, s.env.channel
	return Transition{
		Next: recognized{base: base{name: "Recognized", env: s.env, reg: &reg}},
		PostAction: func() error {
			logger.Infof("agent %q registered (scope %q, api %s, %s %s)",
				reg.AgentID, reg.Scope, reg.APIVersion, reg.SoftwareVersion.ProductName, reg.SoftwareVersion.Revision)
			registry.notifyRegistered(reg)
			return errors.Annotate(channel.SendRegistrationAck(), "sending registration ack")
		},
	}, nil
}

// recognized is a registered agent that is not serving any job.
type recognized struct {
	base
}

func (s recognized) ProcessMessage(msg Message) (Transition, error) {
	switch msg.Type {
	case RegisterMessage:
		return Transition{}, errors.NotSupportedf("agent %q is already registered", s.agentID())
	case StageCompleteMessage, FragmentOpenedMessage, FragmentSucceededMessage, FragmentFailedMessage:
		// No job to report into; late reports after a reset land here.
		logger.Debugf("agent %q ignoring %s while not serving a job", s.agentID(), msg.Type)
		return stay(s), nil
	}
	return s.base.ProcessMessage(msg)
}

func (s recognized) PrepareForBackup(job Job, backupName, backupType string) (Transition, error) {
	stages, channel := s.capabilities().Stages, s.env.channel
	return Transition{
		Next: preparingBackup{serving: s.serve("PreparingBackup", job)},
		PostAction: func() error {
			if !stages {
				return nil
			}
			return errors.Annotate(channel.SendPrepare(job.Action(), backupName, backupType), "sending prepare")
		},
	}, nil
}

func (s recognized) PrepareForRestore(job Job, backupName, backupType string) (Transition, error) {
	stages, channel := s.capabilities().Stages, s.env.channel
	return Transition{
		Next: preparingRestore{serving: s.serve("PreparingRestore", job)},
		PostAction: func() error {
			if !stages {
				return nil
			}
			return errors.Annotate(channel.SendPrepare(job.Action(), backupName, backupType), "sending prepare")
		},
	}, nil
}

func (s recognized) ResetState() (Transition, error) {
	return stay(s), nil
}

func (s recognized) serve(name string, job Job) serving {
	return serving{base: base{name: name, env: s.env, reg: s.reg}, job: job}
}

// canceling waits for the agent to confirm it abandoned the action.
type canceling struct {
	serving
}

func (s canceling) ProcessMessage(msg Message) (Transition, error) {
	switch msg.Type {
	case StageCompleteMessage:
		return s.stageComplete(s, s.recognized(), msg)
	case FragmentOpenedMessage, FragmentSucceededMessage, FragmentFailedMessage:
		// Transfers already in flight when the cancel went out.
		logger.Debugf("agent %q ignoring %s while canceling job %s", s.agentID(), msg.Type, s.job.ID())
		return stay(s), nil
	}
	return s.base.ProcessMessage(msg)
}

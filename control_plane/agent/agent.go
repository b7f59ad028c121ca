// Package agent tracks what each connected agent may be told or may report
// at any moment. An Agent owns exactly one State; every operation produces
// a new State (or fails) and the Agent installs it before running the
// operation's side effect.
package agent

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// Agent is the orchestrator's handle on one agent connection.
type Agent struct {
	mu    sync.Mutex
	state State
	env   *env

	reg       atomic.Pointer[Registration]
	connected atomic.Bool
}

// New returns an unrecognized agent speaking over channel.
func New(channel Channel, registry *Registry) *Agent {
	a := &Agent{}
	a.env = &env{agent: a, channel: channel, registry: registry}
	a.state = newUnrecognized(a.env)
	a.connected.Store(true)
	return a
}

// ID returns the registered agent id, or "" before registration.
func (a *Agent) ID() string {
	if reg := a.reg.Load(); reg != nil {
		return reg.AgentID
	}
	return ""
}

// Registration returns what the agent registered with.
func (a *Agent) Registration() (Registration, bool) {
	if reg := a.reg.Load(); reg != nil {
		return *reg, true
	}
	return Registration{}, false
}

// Scope returns the backup manager the agent serves.
func (a *Agent) Scope() string {
	if reg := a.reg.Load(); reg != nil {
		return reg.Scope
	}
	return ""
}

// Capabilities returns the protocol capabilities of the registered API version.
func (a *Agent) Capabilities() Capabilities {
	if reg := a.reg.Load(); reg != nil {
		return reg.Capabilities()
	}
	return Capabilities{}
}

// IsConnected reports whether the connection is still open.
func (a *Agent) IsConnected() bool {
	return a.connected.Load()
}

// StateName returns the name of the current protocol state.
func (a *Agent) StateName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Name()
}

// IsServing reports whether the agent is working on job and can still be
// told to cancel it.
func (a *Agent) IsServing(job Job) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Job() == job && a.state.Cancellable()
}

// Busy reports whether the agent is bound to any job.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Job() != nil
}

// ProcessMessage applies one inbound message. Registration failures are
// returned as *RegistrationError; messages illegal in the current state
// as NotSupported.
func (a *Agent) ProcessMessage(msg Message) error {
	return a.transition(func(s State) (Transition, error) {
		return s.ProcessMessage(msg)
	})
}

// HandleClosedConnection drops the agent from the registry and tells the
// job it was serving, if any.
func (a *Agent) HandleClosedConnection() {
	a.mu.Lock()
	if !a.connected.Swap(false) {
		a.mu.Unlock()
		return
	}
	job := a.state.Job()
	id := a.ID()
	a.state = newUnrecognized(a.env)
	a.mu.Unlock()

	if id == "" {
		return
	}
	if a.env.registry.remove(id, a) {
		logger.Infof("agent %q disconnected", id)
		a.env.registry.notifyUnregistered(id)
	}
	if job != nil {
		job.HandleAgentDisconnecting(id)
	}
}

func (a *Agent) PrepareForBackup(job Job, backupName, backupType string) error {
	return a.transition(func(s State) (Transition, error) {
		return s.PrepareForBackup(job, backupName, backupType)
	})
}

func (a *Agent) ExecuteBackup(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		return s.ExecuteBackup(job)
	})
}

func (a *Agent) ExecuteBackupPostAction(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		return s.ExecuteBackupPostAction(job)
	})
}

func (a *Agent) PrepareForRestore(job Job, backupName, backupType string) error {
	return a.transition(func(s State) (Transition, error) {
		return s.PrepareForRestore(job, backupName, backupType)
	})
}

func (a *Agent) ExecuteRestore(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		return s.ExecuteRestore(job)
	})
}

func (a *Agent) ExecuteRestorePostAction(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		return s.ExecuteRestorePostAction(job)
	})
}

func (a *Agent) CancelAction(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		return s.CancelAction(job)
	})
}

// ResetState returns the agent to Recognized without telling it anything.
// An agent bound to another job, or to none, is left alone.
func (a *Agent) ResetState(job Job) error {
	return a.transition(func(s State) (Transition, error) {
		if s.Job() != job {
			return stay(s), nil
		}
		return s.ResetState()
	})
}

func (a *Agent) transition(op func(State) (Transition, error)) error {
	a.mu.Lock()
	t, err := op(a.state)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if t.Next == nil {
		a.mu.Unlock()
		return errors.Errorf("transition from %s produced no state", a.state.Name())
	}
	if a.state.Name() != t.Next.Name() {
		logger.Debugf("agent %q: %s -> %s", a.agentIDLocked(t.Next), a.state.Name(), t.Next.Name())
	}
	a.state = t.Next
	if reg := t.Next.Registration(); reg != nil {
		a.reg.Store(reg)
	}
	a.mu.Unlock()

	if t.PostAction == nil {
		return nil
	}
	return t.PostAction()
}

func (a *Agent) agentIDLocked(next State) string {
	if reg := next.Registration(); reg != nil {
		return reg.AgentID
	}
	return a.ID()
}

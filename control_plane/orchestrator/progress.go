package orchestrator

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// ProgressStatus is what one agent achieved in one stage.
type ProgressStatus string

const (
	WaitingResult ProgressStatus = "WAITING_RESULT"
	Successful    ProgressStatus = "SUCCESSFUL"
	Failed        ProgressStatus = "FAILED"
	Disconnected  ProgressStatus = "DISCONNECTED"
	Cancelled     ProgressStatus = "CANCELLED"
)

// Terminal reports whether no further report is expected.
func (s ProgressStatus) Terminal() bool {
	return s != WaitingResult
}

// AgentProgress tracks one agent's outcome inside one stage, and the
// fragments it transfers when the stage counts them.
type AgentProgress struct {
	mu            sync.Mutex
	status        ProgressStatus
	succeeded     bool
	connected     bool
	usesFragments bool
	fragments     map[string]ProgressStatus
	message       string
	since         time.Time
}

// NewAgentProgress returns a WAITING_RESULT tracker. Fragment hooks are
// ignored unless usesFragments is set.
func NewAgentProgress(connected, usesFragments bool, now time.Time) *AgentProgress {
	return &AgentProgress{
		status:        WaitingResult,
		connected:     connected,
		usesFragments: usesFragments,
		fragments:     make(map[string]ProgressStatus),
		since:         now,
	}
}

func (p *AgentProgress) Status() ProgressStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Message returns the text of the last failure report, if any.
func (p *AgentProgress) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// Since returns when the status last changed.
func (p *AgentProgress) Since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.since
}

// SetStatus records status and, when non-empty, the accompanying text.
func (p *AgentProgress) SetStatus(status ProgressStatus, message string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	if status == Successful {
		p.succeeded = true
	}
	if message != "" {
		p.message = message
	}
	p.since = now
}

func (p *AgentProgress) DidFinish() bool {
	return p.Status().Terminal()
}

func (p *AgentProgress) DidSucceed() bool {
	return p.Status() == Successful
}

// HasSucceeded reports whether the agent was ever SUCCESSFUL in this
// stage, even if it disconnected afterwards.
func (p *AgentProgress) HasSucceeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.succeeded
}

func (p *AgentProgress) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetDisconnected clears the liveness flag. The status is left alone.
func (p *AgentProgress) SetDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// HandleNewFragment registers id as WAITING_RESULT.
func (p *AgentProgress) HandleNewFragment(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.usesFragments {
		return
	}
	p.fragments[id] = WaitingResult
}

// SetFragmentProgress records the outcome of a known fragment.
func (p *AgentProgress) SetFragmentProgress(id string, status ProgressStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.usesFragments {
		return nil
	}
	if _, ok := p.fragments[id]; !ok {
		return errors.NotFoundf("fragment %q", id)
	}
	p.fragments[id] = status
	return nil
}

// FailWaitingFragments fails every fragment not yet terminal.
func (p *AgentProgress) FailWaitingFragments() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, status := range p.fragments {
		if !status.Terminal() {
			p.fragments[id] = Failed
		}
	}
}

// FragmentStatus returns the status of fragment id.
func (p *AgentProgress) FragmentStatus(id string) (ProgressStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.fragments[id]
	return status, ok
}

// UnsuccessfulFragments counts fragments that have not succeeded.
func (p *AgentProgress) UnsuccessfulFragments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, status := range p.fragments {
		if status != Successful {
			n++
		}
	}
	return n
}

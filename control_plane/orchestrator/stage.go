package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
)

// housekeepingTimeout bounds each housekeeping phase. The phase runs
// under the job lock, so readers of the job wait for it.
const housekeepingTimeout = 30 * time.Second

// Phase is one step of an action's workflow.
type Phase int

const (
	PhasePreparing Phase = iota
	PhaseExecuting
	PhasePostAction
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "Preparing"
	case PhaseExecuting:
		return "Executing"
	case PhasePostAction:
		return "PostAction"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Final reports whether p ends the job.
func (p Phase) Final() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// workflows lists the non-final phases of every action kind in order.
var workflows = map[action.Kind][]Phase{
	action.CreateBackup: {PhasePreparing, PhaseExecuting, PhasePostAction},
	action.Restore:      {PhasePreparing, PhaseExecuting, PhasePostAction},
	action.Housekeeping: {PhaseExecuting, PhasePostAction},
}

type directive func(p Participant, j *Job) error

// directives is what a stage tells each agent when it is triggered.
// Housekeeping phases run the Housekeeper instead.
var directives = map[action.Kind]map[Phase]directive{
	action.CreateBackup: {
		PhasePreparing: func(p Participant, j *Job) error {
			return p.PrepareForBackup(j, j.backupName, j.backupType)
		},
		PhaseExecuting:  func(p Participant, j *Job) error { return p.ExecuteBackup(j) },
		PhasePostAction: func(p Participant, j *Job) error { return p.ExecuteBackupPostAction(j) },
	},
	action.Restore: {
		PhasePreparing: func(p Participant, j *Job) error {
			return p.PrepareForRestore(j, j.backupName, j.backupType)
		},
		PhaseExecuting:  func(p Participant, j *Job) error { return p.ExecuteRestore(j) },
		PhasePostAction: func(p Participant, j *Job) error { return p.ExecuteRestorePostAction(j) },
	},
}

// StageInvariantError is the panic value raised when the workflow is
// asked to do something no correct caller asks for.
type StageInvariantError struct {
	Stage string
	Op    string
}

func (e StageInvariantError) Error() string {
	return fmt.Sprintf("stage invariant violated: %s on %s", e.Op, e.Stage)
}

// Stage is one phase of one job. It owns a progress tracker per
// participating agent; the set of agents is fixed at construction.
// Every mutating method runs under the owning job's lock.
type Stage struct {
	job       *Job
	phase     Phase
	order     int
	agents    map[string]*AgentProgress
	triggered atomic.Bool

	nextMu sync.Mutex
	next   *Stage

	// failure is set when the stage itself could not do its work.
	failure string

	// Failed stages only: job progress when the job failed, and the
	// statuses of the stage that was replaced.
	carried  float64
	previous map[string]ProgressStatus
}

func newStage(job *Job, phase Phase) *Stage {
	s := &Stage{
		job:    job,
		phase:  phase,
		order:  orderOf(job.kind, phase),
		agents: make(map[string]*AgentProgress, len(job.participants)),
	}
	now := job.clock.Now()
	fragments := job.kind == action.CreateBackup && phase == PhaseExecuting
	for _, p := range job.participants {
		s.agents[p.ID()] = NewAgentProgress(p.IsConnected(), fragments && p.Capabilities().FragmentReporting, now)
	}
	return s
}

func newFailedStage(from *Stage) *Stage {
	s := newStage(from.job, PhaseFailed)
	s.carried = from.ProgressPercentage()
	s.previous = from.Statuses()
	return s
}

func orderOf(kind action.Kind, phase Phase) int {
	wf := workflows[kind]
	if phase.Final() {
		return len(wf) + 1
	}
	for i, p := range wf {
		if p == phase {
			return i + 1
		}
	}
	panic(StageInvariantError{Stage: phase.String() + kind.Label(), Op: "order"})
}

// Name is the phase followed by the action label, e.g. "ExecutingBackup".
func (s *Stage) Name() string {
	return s.phase.String() + s.job.kind.Label()
}

func (s *Stage) Phase() Phase { return s.phase }
func (s *Stage) Order() int   { return s.order }

// Progress returns the tracker of agentID.
func (s *Stage) Progress(agentID string) (*AgentProgress, bool) {
	p, ok := s.agents[agentID]
	return p, ok
}

// Statuses returns every agent's current status.
func (s *Stage) Statuses() map[string]ProgressStatus {
	result := make(map[string]ProgressStatus, len(s.agents))
	for id, p := range s.agents {
		result[id] = p.Status()
	}
	return result
}

// Trigger performs the stage's directives. Only the first call has any
// effect. ctx bounds housekeeping store work.
func (s *Stage) Trigger(ctx context.Context) {
	if !s.triggered.CompareAndSwap(false, true) {
		return
	}
	switch s.phase {
	case PhaseCompleted:
		s.triggerCompleted()
	case PhaseFailed:
		s.triggerFailed()
	default:
		if s.order == 1 {
			s.job.notifyStarted()
		}
		if s.job.kind == action.Housekeeping {
			s.runHousekeeper(ctx)
			return
		}
		s.triggerDirectives()
	}
}

func (s *Stage) triggerDirectives() {
	j := s.job
	now := j.clock.Now()
	send := directives[j.kind][s.phase]
	for _, p := range j.participants {
		progress := s.agents[p.ID()]
		if !p.IsConnected() {
			progress.SetDisconnected()
			progress.SetStatus(Disconnected, "", now)
			continue
		}
		if err := send(p, j); err != nil {
			logger.Warningf("job %s: %s directive to agent %q failed: %v", j.id, s.Name(), p.ID(), err)
			progress.SetStatus(Failed, err.Error(), now)
			j.addInfo(fmt.Sprintf("agent %s: %v", p.ID(), err))
			continue
		}
		// Agents without stage support are never told about Preparing
		// or PostAction, so there is nothing to wait for.
		if !p.Capabilities().Stages && s.phase != PhaseExecuting {
			progress.SetStatus(Successful, "", now)
		}
	}
}

func (s *Stage) runHousekeeper(ctx context.Context) {
	j := s.job
	ctx, cancel := context.WithTimeout(ctx, housekeepingTimeout)
	defer cancel()

	var err error
	switch s.phase {
	case PhaseExecuting:
		err = j.housekeeper.Execute(ctx, j.backupManagerID)
	case PhasePostAction:
		err = j.housekeeper.PostAction(ctx, j.backupManagerID)
	}
	status, message := Successful, ""
	if err != nil {
		logger.Errorf("job %s: %s failed: %v", j.id, s.Name(), err)
		status, message = Failed, err.Error()
		s.failure = message
		j.addInfo(message)
	}
	now := j.clock.Now()
	for _, progress := range s.agents {
		progress.SetStatus(status, message, now)
	}
}

func (s *Stage) triggerCompleted() {
	j := s.job
	now := j.clock.Now()
	for _, p := range j.participants {
		s.agents[p.ID()].SetStatus(Successful, "", now)
		if err := p.ResetState(j); err != nil {
			logger.Debugf("job %s: resetting agent %q: %v", j.id, p.ID(), err)
		}
	}
}

func (s *Stage) triggerFailed() {
	j := s.job
	j.notifyFailed()
	now := j.clock.Now()
	for _, p := range j.participants {
		id := p.ID()
		progress := s.agents[id]
		switch {
		case !p.IsConnected():
			progress.SetDisconnected()
			progress.SetStatus(Disconnected, "", now)
		case s.previous[id] == Failed:
			// It reported its own failure; there is nothing to cancel.
			s.reset(p)
			progress.SetStatus(Failed, "", now)
		case p.IsServing(j):
			if err := p.CancelAction(j); err != nil {
				logger.Warningf("job %s: cancelling agent %q: %v", j.id, id, err)
				s.reset(p)
				progress.SetStatus(Failed, err.Error(), now)
				continue
			}
			logger.Debugf("job %s: waiting for agent %q to cancel", j.id, id)
			progress.SetStatus(WaitingResult, "", now)
		default:
			s.reset(p)
			progress.SetStatus(Cancelled, "", now)
		}
	}
}

func (s *Stage) reset(p Participant) {
	if err := p.ResetState(s.job); err != nil {
		logger.Debugf("job %s: resetting agent %q: %v", s.job.id, p.ID(), err)
	}
}

// UpdateAgentProgress records a StageComplete report. Reports from
// agents that already finished the stage are dropped.
func (s *Stage) UpdateAgentProgress(agentID string, report agent.StageComplete) {
	progress, ok := s.agents[agentID]
	if !ok {
		logger.Warningf("job %s: report from agent %q which is not taking part", s.job.id, agentID)
		return
	}
	if progress.DidFinish() || s.phase == PhaseCompleted {
		logger.Debugf("job %s: late %s report from agent %q ignored", s.job.id, s.Name(), agentID)
		return
	}
	now := s.job.clock.Now()

	if s.phase == PhaseFailed {
		if report.Success {
			progress.SetStatus(Cancelled, "", now)
		} else {
			progress.SetStatus(Failed, report.Message, now)
		}
		return
	}

	switch {
	case !report.Success:
		progress.SetStatus(Failed, report.Message, now)
		s.job.addInfo(fmt.Sprintf("agent %s: %s", agentID, report.Message))
	case progress.UnsuccessfulFragments() > 0:
		msg := fmt.Sprintf("%d fragment(s) did not succeed", progress.UnsuccessfulFragments())
		progress.SetStatus(Failed, msg, now)
		s.job.addInfo(fmt.Sprintf("agent %s: %s", agentID, msg))
	default:
		progress.SetStatus(Successful, report.Message, now)
	}
}

// HandleAgentDisconnecting fails the agent's waiting fragments and marks
// it DISCONNECTED.
func (s *Stage) HandleAgentDisconnecting(agentID string) {
	progress, ok := s.agents[agentID]
	if !ok || s.phase == PhaseCompleted {
		return
	}
	progress.FailWaitingFragments()
	progress.SetDisconnected()
	progress.SetStatus(Disconnected, "", s.job.clock.Now())
}

func (s *Stage) fragmentProgress(agentID string) (*AgentProgress, error) {
	if s.job.kind != action.CreateBackup || s.phase != PhaseExecuting {
		return nil, errors.NotSupportedf("fragment report in stage %s", s.Name())
	}
	progress, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFoundf("agent %q in job %s", agentID, s.job.id)
	}
	if !progress.usesFragments {
		return nil, errors.NotSupportedf("fragment report from agent %q without fragment reporting", agentID)
	}
	return progress, nil
}

func (s *Stage) ReceiveNewFragment(agentID, fragmentID string) error {
	progress, err := s.fragmentProgress(agentID)
	if err != nil {
		return err
	}
	progress.HandleNewFragment(fragmentID)
	return nil
}

func (s *Stage) FragmentSucceeded(agentID, fragmentID string) error {
	progress, err := s.fragmentProgress(agentID)
	if err != nil {
		return err
	}
	return progress.SetFragmentProgress(fragmentID, Successful)
}

func (s *Stage) FragmentFailed(agentID, fragmentID string) error {
	progress, err := s.fragmentProgress(agentID)
	if err != nil {
		return err
	}
	return progress.SetFragmentProgress(fragmentID, Failed)
}

// IsStageFinished is true once no agent is still expected to report.
func (s *Stage) IsStageFinished() bool {
	if s.phase == PhaseCompleted {
		return true
	}
	for _, p := range s.agents {
		if !p.DidFinish() {
			return false
		}
	}
	return true
}

// IsStageSuccessful is true iff every agent succeeded.
func (s *Stage) IsStageSuccessful() bool {
	switch s.phase {
	case PhaseCompleted:
		return true
	case PhaseFailed:
		return false
	}
	if s.failure != "" {
		return false
	}
	for _, p := range s.agents {
		if !p.DidSucceed() {
			return false
		}
	}
	return true
}

// ProgressPercentage is the share of the job done, as a fraction in
// [0, 1] rounded to two decimals. An agent that succeeded and then
// disconnected still counts, so the value never decreases.
func (s *Stage) ProgressPercentage() float64 {
	switch s.phase {
	case PhaseCompleted:
		return 1
	case PhaseFailed:
		return s.carried
	}
	stages := float64(len(workflows[s.job.kind]))
	previous := float64(s.order-1) / stages
	current := 0.0
	if len(s.agents) > 0 {
		succeeded := 0
		for _, p := range s.agents {
			if p.HasSucceeded() {
				succeeded++
			}
		}
		current = float64(succeeded) / float64(len(s.agents))
	}
	return round2(previous + current/stages)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ChangeStages returns the stage that should follow s: s itself while it
// is unfinished, otherwise the success or failure successor. The
// successor is computed once.
func (s *Stage) ChangeStages() *Stage {
	if !s.IsStageFinished() {
		return s
	}
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	if s.next == nil {
		if s.IsStageSuccessful() {
			s.next = s.NextStageSuccess()
		} else {
			s.next = s.NextStageFailure()
		}
	}
	return s.next
}

// NextStageSuccess returns the following phase, Completed after the
// last. It panics on a Failed stage.
func (s *Stage) NextStageSuccess() *Stage {
	switch s.phase {
	case PhaseFailed:
		panic(StageInvariantError{Stage: s.Name(), Op: "NextStageSuccess"})
	case PhaseCompleted:
		return s
	}
	wf := workflows[s.job.kind]
	if s.order < len(wf) {
		return newStage(s.job, wf[s.order])
	}
	return newStage(s.job, PhaseCompleted)
}

// NextStageFailure returns the Failed stage. Final stages return
// themselves.
func (s *Stage) NextStageFailure() *Stage {
	if s.phase.Final() {
		return s
	}
	return newFailedStage(s)
}

// IsJobFinished is true for a finished final stage.
func (s *Stage) IsJobFinished() bool {
	return s.phase.Final() && s.IsStageFinished()
}

// ExpireWaiting forces agents that have been waiting on a cancel since
// before deadline to DISCONNECTED, releases them from the job and returns
// their ids.
func (s *Stage) ExpireWaiting(deadline time.Time) []string {
	if s.phase != PhaseFailed {
		return nil
	}
	var expired []string
	for id, p := range s.agents {
		if p.Status() == WaitingResult && p.Since().Before(deadline) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		s.HandleAgentDisconnecting(id)
		if p, ok := s.job.participant(id); ok {
			s.reset(p)
		}
	}
	return expired
}

package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/store"
	"github.com/itskum47/BackForge/control_plane/timeline"
)

var logger = loggo.GetLogger("backforge.orchestrator")

const persistTimeout = 5 * time.Second

// Job drives one action through its stages. All stage changes happen
// under the job's lock, so two agents finishing together advance the
// job exactly once.
type Job struct {
	mu sync.Mutex

	id              string
	kind            action.Kind
	backupManagerID string
	backupName      string
	backupType      string
	participants    []Participant

	notifier    Notifier
	metrics     Metrics
	recorder    Recorder
	events      EventRecorder
	housekeeper Housekeeper
	clock       clock.Clock

	stage          *Stage
	result         action.Result
	additionalInfo []string
	startedAt      time.Time
	completedAt    time.Time
	finished       bool

	done       chan struct{}
	onFinished func(*Job)
}

var _ agent.Job = (*Job)(nil)

func (j *Job) ID() string                  { return j.id }
func (j *Job) Action() action.Kind         { return j.kind }
func (j *Job) BackupManagerID() string     { return j.backupManagerID }
func (j *Job) Participants() []Participant { return j.participants }

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) participant(id string) (Participant, bool) {
	for _, p := range j.participants {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// start installs and triggers the first stage. ctx bounds the
// housekeeping work, which runs to completion before start returns.
func (j *Job) start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	first := newStage(j, workflows[j.kind][0])
	j.install(ctx, first)
	j.advance(ctx)
}

// UpdateProgress records a StageComplete report from agentID and moves
// the job on if that finished the stage.
func (j *Job) UpdateProgress(agentID string, report agent.StageComplete) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		logger.Debugf("job %s: report from agent %q after the job finished", j.id, agentID)
		return
	}
	j.stage.UpdateAgentProgress(agentID, report)
	j.record(agentID, "report", map[string]string{"success": strconv.FormatBool(report.Success), "message": report.Message})
	j.advance(context.Background())
}

// HandleAgentDisconnecting records that agentID went away.
func (j *Job) HandleAgentDisconnecting(agentID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return
	}
	logger.Infof("job %s: agent %q disconnected during %s", j.id, agentID, j.stage.Name())
	j.stage.HandleAgentDisconnecting(agentID)
	j.record(agentID, "disconnected", nil)
	j.advance(context.Background())
}

func (j *Job) ReceiveNewFragment(agentID, fragmentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.ReceiveNewFragment(agentID, fragmentID)
}

func (j *Job) FragmentSucceeded(agentID, fragmentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.FragmentSucceeded(agentID, fragmentID)
}

func (j *Job) FragmentFailed(agentID, fragmentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.FragmentFailed(agentID, fragmentID)
}

// MoveToFailedStage aborts the job. A job already in a final stage is
// left alone.
func (j *Job) MoveToFailedStage(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.phase.Final() {
		return
	}
	logger.Infof("job %s: moving to failed stage: %s", j.id, reason)
	if reason != "" {
		j.addInfo(reason)
	}
	j.install(context.Background(), newFailedStage(j.stage))
	j.advance(context.Background())
}

// ExpireWaitingAgents gives up on agents that have not answered a cancel
// for longer than timeout. It returns the ids given up on.
func (j *Job) ExpireWaitingAgents(timeout time.Duration) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return nil
	}
	expired := j.stage.ExpireWaiting(j.clock.Now().Add(-timeout))
	for _, id := range expired {
		logger.Warningf("job %s: agent %q did not answer cancel within %s", j.id, id, timeout)
		j.record(id, "cancel timeout", nil)
	}
	if len(expired) > 0 {
		j.advance(context.Background())
	}
	return expired
}

// install makes s the current stage. Callers hold j.mu.
func (j *Job) install(ctx context.Context, s *Stage) {
	if j.stage != nil {
		logger.Infof("job %s: %s -> %s", j.id, j.stage.Name(), s.Name())
	}
	j.stage = s
	j.metrics.StageChanged(j.kind, j.backupManagerID, s.Name())
	j.record("", "stage", map[string]string{"progress": formatProgress(s.ProgressPercentage())})
	s.Trigger(ctx)
	j.persist()
}

// advance keeps swapping stages until the current one wants to stay.
// Callers hold j.mu.
func (j *Job) advance(ctx context.Context) {
	for {
		next := j.stage.ChangeStages()
		if next == j.stage {
			break
		}
		j.install(ctx, next)
	}
	j.metrics.Progress(j.kind, j.backupManagerID, j.stage.ProgressPercentage())
	if j.stage.IsJobFinished() && !j.finished {
		j.finish()
	}
}

func (j *Job) finish() {
	j.finished = true
	j.completedAt = j.clock.Now()
	if j.stage.IsStageSuccessful() {
		j.result = action.Success
	} else {
		j.result = action.Failure
	}
	logger.Infof("job %s (%s for %q) finished: %s", j.id, j.kind, j.backupManagerID, j.result)
	j.metrics.JobFinished(j.kind, j.backupManagerID, j.result)
	j.record("", "finished", map[string]string{"result": string(j.result)})
	j.persist()
	close(j.done)
	if j.onFinished != nil {
		j.onFinished(j)
	}
}

func (j *Job) addInfo(info string) {
	j.additionalInfo = append(j.additionalInfo, info)
}

func (j *Job) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := j.snapshot()
	if err := j.recorder.SaveJob(ctx, &rec); err != nil {
		logger.Errorf("job %s: saving snapshot: %v", j.id, err)
	}
}

func (j *Job) record(agentID, what string, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["event"] = what
	j.events.Record(timeline.Event{
		JobID:     j.id,
		Stage:     j.stage.Name(),
		AgentID:   agentID,
		Timestamp: j.clock.Now(),
		Metadata:  meta,
	})
}

func (j *Job) notifyStarted() {
	j.notify("action_started", j.notifier.NotifyActionStarted)
}

func (j *Job) notifyFailed() {
	j.notify("action_failed", j.notifier.NotifyActionFailed)
}

func (j *Job) notify(event string, send func(context.Context, store.JobRecord) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := send(ctx, j.snapshot()); err != nil {
		logger.Warningf("job %s: %s notification failed: %v", j.id, event, err)
		j.metrics.NotificationFailed(event)
	}
}

// snapshot builds the persisted form of the job. Callers hold j.mu.
func (j *Job) snapshot() store.JobRecord {
	rec := store.JobRecord{
		JobID:           j.id,
		Action:          string(j.kind),
		BackupManagerID: j.backupManagerID,
		BackupName:      j.backupName,
		BackupType:      j.backupType,
		Result:          string(j.result),
		AdditionalInfo:  strings.Join(j.additionalInfo, "; "),
		Agents:          make([]string, len(j.participants)),
		AgentStatus:     make(map[string]string, len(j.participants)),
		StartedAt:       j.startedAt,
		Finished:        j.finished,
	}
	for i, p := range j.participants {
		rec.Agents[i] = p.ID()
	}
	if j.stage != nil {
		rec.Stage = j.stage.Name()
		rec.Progress = j.stage.ProgressPercentage()
		for id, status := range j.stage.Statuses() {
			rec.AgentStatus[id] = string(status)
		}
	}
	if j.finished {
		t := j.completedAt
		rec.CompletedAt = &t
	}
	return rec
}

// Snapshot returns the current persisted form of the job.
func (j *Job) Snapshot() store.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot()
}

func (j *Job) ProgressPercentage() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.ProgressPercentage()
}

func (j *Job) StageName() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.Name()
}

func (j *Job) IsJobFinished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

func (j *Job) IsStageSuccessful() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage.IsStageSuccessful()
}

// Result is empty until the job finishes.
func (j *Job) Result() action.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// AdditionalInfo returns the failure messages gathered so far.
func (j *Job) AdditionalInfo() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return strings.Join(j.additionalInfo, "; ")
}

// AgentStatus returns agentID's status in the current stage.
func (j *Job) AgentStatus(agentID string) (ProgressStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.stage.Progress(agentID)
	if !ok {
		return "", false
	}
	return p.Status(), true
}

func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

package orchestrator

import (
	"context"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/store"
	"github.com/itskum47/BackForge/control_plane/timeline"
)

// Participant is what a stage needs from an agent taking part in a job.
// *agent.Agent implements it.
type Participant interface {
	ID() string
	Scope() string
	Capabilities() agent.Capabilities
	IsConnected() bool
	Busy() bool
	IsServing(job agent.Job) bool

	PrepareForBackup(job agent.Job, backupName, backupType string) error
	ExecuteBackup(job agent.Job) error
	ExecuteBackupPostAction(job agent.Job) error
	PrepareForRestore(job agent.Job, backupName, backupType string) error
	ExecuteRestore(job agent.Job) error
	ExecuteRestorePostAction(job agent.Job) error
	CancelAction(job agent.Job) error
	ResetState(job agent.Job) error
}

// Directory finds the agents that may take part in a job.
type Directory interface {
	Participant(id string) (Participant, bool)
	ParticipantsInScope(scope string) []Participant
}

// RegistryDirectory adapts an agent registry to Directory.
type RegistryDirectory struct {
	Registry *agent.Registry
}

func (d RegistryDirectory) Participant(id string) (Participant, bool) {
	a, ok := d.Registry.Agent(id)
	if !ok {
		return nil, false
	}
	return a, true
}

func (d RegistryDirectory) ParticipantsInScope(scope string) []Participant {
	agents := d.Registry.AgentsInScope(scope)
	result := make([]Participant, len(agents))
	for i, a := range agents {
		result[i] = a
	}
	return result
}

// Notifier tells the outside world that an action started or failed.
// Each is called at most once per job; errors are logged and dropped.
type Notifier interface {
	NotifyActionStarted(ctx context.Context, rec store.JobRecord) error
	NotifyActionFailed(ctx context.Context, rec store.JobRecord) error
}

// Metrics receives job observations.
type Metrics interface {
	StageChanged(kind action.Kind, backupManagerID, stage string)
	Progress(kind action.Kind, backupManagerID string, progress float64)
	JobFinished(kind action.Kind, backupManagerID string, result action.Result)
	NotificationFailed(event string)
}

// Recorder persists job snapshots. store.Store implements it.
type Recorder interface {
	SaveJob(ctx context.Context, rec *store.JobRecord) error
}

// EventRecorder keeps the audit trail of a job. *timeline.Store
// implements it.
type EventRecorder interface {
	Record(ev timeline.Event)
}

// Housekeeper does the work of the two housekeeping phases for one
// backup manager. *store.Retention implements it.
type Housekeeper interface {
	Execute(ctx context.Context, backupManagerID string) error
	PostAction(ctx context.Context, backupManagerID string) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyActionStarted(context.Context, store.JobRecord) error { return nil }
func (nopNotifier) NotifyActionFailed(context.Context, store.JobRecord) error  { return nil }

type nopMetrics struct{}

func (nopMetrics) StageChanged(action.Kind, string, string)       {}
func (nopMetrics) Progress(action.Kind, string, float64)          {}
func (nopMetrics) JobFinished(action.Kind, string, action.Result) {}
func (nopMetrics) NotificationFailed(string)                      {}

type nopRecorder struct{}

func (nopRecorder) SaveJob(context.Context, *store.JobRecord) error { return nil }

type nopEvents struct{}

func (nopEvents) Record(timeline.Event) {}

// Package orchestrator runs backup, restore and housekeeping actions
// across the agents of a backup manager. A Job moves through a fixed
// sequence of stages; each stage tells every participating agent what to
// do and advances once all of them have reported.
package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/action"
)

// Config holds the collaborators of an Orchestrator. Only Directory is
// required.
type Config struct {
	Directory   Directory
	Notifier    Notifier
	Metrics     Metrics
	Recorder    Recorder
	Events      EventRecorder
	Housekeeper Housekeeper
	Clock       clock.Clock
}

// Validate checks the config and fills in no-op collaborators.
func (c *Config) Validate() error {
	if c.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.Events == nil {
		c.Events = nopEvents{}
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return nil
}

// Request asks for one action on one backup manager.
type Request struct {
	Action          action.Kind `json:"action"`
	BackupManagerID string      `json:"backup_manager_id"`
	BackupName      string      `json:"backup_name"`
	BackupType      string      `json:"backup_type"`

	// AgentIDs selects participants explicitly. When empty every agent
	// registered for the backup manager takes part.
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Validate checks the request and defaults BackupType to the backup
// manager id.
func (r *Request) Validate() error {
	if err := r.Action.Validate(); err != nil {
		return errors.Trace(err)
	}
	if r.BackupManagerID == "" {
		return errors.NotValidf("empty backup manager id")
	}
	if r.Action != action.Housekeeping && r.BackupName == "" {
		return errors.NotValidf("%s without backup name", r.Action)
	}
	if r.BackupType == "" {
		r.BackupType = r.BackupManagerID
	}
	return nil
}

// Orchestrator admits jobs, keeps the set of running ones and lets
// operators abort them. One action may run per backup manager at a time.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	active   map[string]*Job
	running  map[string]string // backup manager -> job id
	reserved map[string]string // agent -> job id
}

// New returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Orchestrator{
		cfg:      cfg,
		active:   make(map[string]*Job),
		running:  make(map[string]string),
		reserved: make(map[string]string),
	}, nil
}

// CreateJob admits req, triggers its first stage and returns the job.
func (o *Orchestrator) CreateJob(ctx context.Context, req Request) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if req.Action == action.Housekeeping && o.cfg.Housekeeper == nil {
		return nil, errors.NotSupportedf("housekeeping without a housekeeper")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	o.mu.Lock()
	if id, ok := o.running[req.BackupManagerID]; ok {
		o.mu.Unlock()
		return nil, errors.AlreadyExistsf("action %s running for backup manager %q", id, req.BackupManagerID)
	}
	participants, err := o.participants(req)
	if err != nil {
		o.mu.Unlock()
		return nil, errors.Trace(err)
	}
	job := &Job{
		id:              uuid.NewString(),
		kind:            req.Action,
		backupManagerID: req.BackupManagerID,
		backupName:      req.BackupName,
		backupType:      req.BackupType,
		participants:    participants,
		notifier:        o.cfg.Notifier,
		metrics:         o.cfg.Metrics,
		recorder:        o.cfg.Recorder,
		events:          o.cfg.Events,
		housekeeper:     o.cfg.Housekeeper,
		clock:           o.cfg.Clock,
		startedAt:       o.cfg.Clock.Now(),
		done:            make(chan struct{}),
		onFinished:      o.finished,
	}
	o.active[job.id] = job
	o.running[job.backupManagerID] = job.id
	if job.kind != action.Housekeeping {
		for _, p := range participants {
			o.reserved[p.ID()] = job.id
		}
	}
	o.mu.Unlock()

	logger.Infof("starting %s job %s for %q with %d agent(s)", job.kind, job.id, job.backupManagerID, len(participants))
	job.start(ctx)
	return job, nil
}

// participants resolves who takes part in req. Callers hold o.mu so two
// admissions cannot pick the same idle agent.
func (o *Orchestrator) participants(req Request) ([]Participant, error) {
	var result []Participant
	if len(req.AgentIDs) > 0 {
		seen := make(map[string]bool, len(req.AgentIDs))
		for _, id := range req.AgentIDs {
			if seen[id] {
				return nil, errors.NotValidf("agent %q listed twice", id)
			}
			seen[id] = true
			p, ok := o.cfg.Directory.Participant(id)
			if !ok {
				return nil, errors.NotFoundf("agent %q", id)
			}
			if p.Scope() != req.BackupManagerID {
				return nil, errors.NotValidf("agent %q serves %q, not %q", id, p.Scope(), req.BackupManagerID)
			}
			result = append(result, p)
		}
	} else {
		result = o.cfg.Directory.ParticipantsInScope(req.BackupManagerID)
	}

	if req.Action == action.Housekeeping {
		return result, nil
	}
	if len(result) == 0 {
		return nil, errors.NotValidf("%s for %q without agents", req.Action, req.BackupManagerID)
	}
	for _, p := range result {
		if id, ok := o.reserved[p.ID()]; ok {
			return nil, errors.AlreadyExistsf("agent %q taking part in action %s", p.ID(), id)
		}
		if p.Busy() {
			return nil, errors.AlreadyExistsf("agent %q busy with another action", p.ID())
		}
	}
	return result, nil
}

// finished drops job from the running set. It runs under the job's lock
// and must not call back into the job.
func (o *Orchestrator) finished(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, job.id)
	if o.running[job.backupManagerID] == job.id {
		delete(o.running, job.backupManagerID)
	}
	for _, p := range job.participants {
		if o.reserved[p.ID()] == job.id {
			delete(o.reserved, p.ID())
		}
	}
}

// Abort moves a running job to its failed stage.
func (o *Orchestrator) Abort(id, reason string) error {
	job, ok := o.Job(id)
	if !ok {
		return errors.NotFoundf("running job %q", id)
	}
	if reason == "" {
		reason = "aborted"
	}
	job.MoveToFailedStage(reason)
	return nil
}

// Job returns a running job.
func (o *Orchestrator) Job(id string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.active[id]
	return job, ok
}

// ActiveJobs returns the running jobs ordered by start time.
func (o *Orchestrator) ActiveJobs() []*Job {
	o.mu.Lock()
	jobs := make([]*Job, 0, len(o.active))
	for _, job := range o.active {
		jobs = append(jobs, job)
	}
	o.mu.Unlock()
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].startedAt.Equal(jobs[k].startedAt) {
			return jobs[i].id < jobs[k].id
		}
		return jobs[i].startedAt.Before(jobs[k].startedAt)
	})
	return jobs
}

package store

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("backforge.store")

// Retention trims what a backup manager has accumulated in a Store. It
// performs the two housekeeping phases: pruning old job snapshots and then
// forgetting agents that have been gone for too long.
type Retention struct {
	Store Store
	Clock clock.Clock

	// MaxJobs is how many finished jobs to keep per backup manager.
	// Zero keeps everything.
	MaxJobs int

	// StaleAgentAge is how long a disconnected agent stays in the
	// directory. Zero keeps everything.
	StaleAgentAge time.Duration
}

// Validate checks the retention settings.
func (r *Retention) Validate() error {
	if r.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if r.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if r.MaxJobs < 0 {
		return errors.NotValidf("negative MaxJobs")
	}
	if r.StaleAgentAge < 0 {
		return errors.NotValidf("negative StaleAgentAge")
	}
	return nil
}

// Execute deletes the oldest finished jobs of backupManagerID beyond
// MaxJobs. Running jobs are never touched.
func (r *Retention) Execute(ctx context.Context, backupManagerID string) error {
	if r.MaxJobs == 0 {
		return nil
	}
	jobs, err := r.Store.ListJobs(ctx, backupManagerID, 0)
	if err != nil {
		return errors.Annotatef(err, "listing jobs of %q", backupManagerID)
	}
	kept, pruned := 0, 0
	for _, rec := range jobs {
		if !rec.Finished {
			continue
		}
		if kept < r.MaxJobs {
			kept++
			continue
		}
		if err := r.Store.DeleteJob(ctx, rec.JobID); err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Annotatef(err, "pruning job %q", rec.JobID)
		}
		pruned++
	}
	if pruned > 0 {
		logger.Infof("pruned %d jobs of backup manager %q", pruned, backupManagerID)
	}
	return nil
}

// PostAction forgets agents of backupManagerID that disconnected more
// than StaleAgentAge ago.
func (r *Retention) PostAction(ctx context.Context, backupManagerID string) error {
	if r.StaleAgentAge == 0 {
		return nil
	}
	agents, err := r.Store.ListAgents(ctx, backupManagerID)
	if err != nil {
		return errors.Annotatef(err, "listing agents of %q", backupManagerID)
	}
	cutoff := r.Clock.Now().Add(-r.StaleAgentAge)
	for _, a := range agents {
		if a.Status != AgentDisconnected || !a.LastSeen.Before(cutoff) {
			continue
		}
		if err := r.Store.DeleteAgent(ctx, a.AgentID); err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Annotatef(err, "forgetting agent %q", a.AgentID)
		}
		logger.Infof("forgot agent %q, last seen %s", a.AgentID, a.LastSeen.Format(time.RFC3339))
	}
	return nil
}

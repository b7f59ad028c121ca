package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/robfig/cron/v3"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/orchestrator"
)

var logger = loggo.GetLogger("backforge.scheduler")

// JobCreator admits jobs. *orchestrator.Orchestrator implements it.
type JobCreator interface {
	CreateJob(ctx context.Context, req orchestrator.Request) (*orchestrator.Job, error)
}

// HousekeepingScheduler starts a housekeeping job for every configured
// backup manager on a cron schedule.
type HousekeepingScheduler struct {
	creator  JobCreator
	managers []string
	cron     *cron.Cron
	timeout  time.Duration

	mu      sync.Mutex
	started bool
}

// NewHousekeepingScheduler creates a scheduler; Start arms it.
func NewHousekeepingScheduler(creator JobCreator, managers []string) *HousekeepingScheduler {
	return &HousekeepingScheduler{
		creator:  creator,
		managers: append([]string(nil), managers...),
		cron:     cron.New(cron.WithLocation(time.UTC)),
		timeout:  30 * time.Second,
	}
}

// Start begins running housekeeping on schedule (standard five-field cron
// syntax or descriptors such as "@daily").
func (s *HousekeepingScheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.AlreadyExistsf("housekeeping schedule")
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunNow() }); err != nil {
		return errors.NewNotValid(err, "housekeeping schedule "+schedule)
	}
	s.cron.Start()
	s.started = true
	logger.Infof("housekeeping scheduled %q for %d backup manager(s)", schedule, len(s.managers))
	return nil
}

// Stop stops the scheduler and waits for a running round to end.
func (s *HousekeepingScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	logger.Infof("housekeeping scheduler stopped")
}

// RunNow starts one housekeeping job per backup manager and returns the
// ones admitted. A backup manager busy with another action is skipped
// until the next round.
func (s *HousekeepingScheduler) RunNow() []*orchestrator.Job {
	var jobs []*orchestrator.Job
	for _, bm := range s.managers {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		job, err := s.creator.CreateJob(ctx, orchestrator.Request{
			Action:          action.Housekeeping,
			BackupManagerID: bm,
		})
		cancel()
		switch {
		case errors.Is(err, errors.AlreadyExists):
			logger.Infof("skipping housekeeping of %q: %v", bm, err)
		case err != nil:
			logger.Errorf("starting housekeeping of %q: %v", bm, err)
		default:
			jobs = append(jobs, job)
		}
	}
	return jobs
}

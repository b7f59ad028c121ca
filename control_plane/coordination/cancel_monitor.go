package coordination

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/itskum47/BackForge/control_plane/orchestrator"
)

var logger = loggo.GetLogger("backforge.coordination")

// JobSource lists the jobs that are still running.
type JobSource interface {
	ActiveJobs() []*orchestrator.Job
}

// CancelMonitor periodically gives up on agents that were told to cancel
// and never answered, so a failed job can still finish.
type CancelMonitor struct {
	jobs     JobSource
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
}

func NewCancelMonitor(jobs JobSource, clk clock.Clock, interval, timeout time.Duration) (*CancelMonitor, error) {
	if jobs == nil {
		return nil, errors.NotValidf("nil JobSource")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if interval <= 0 {
		return nil, errors.NotValidf("non-positive interval %s", interval)
	}
	if timeout < 0 {
		return nil, errors.NotValidf("negative timeout %s", timeout)
	}
	return &CancelMonitor{
		jobs:     jobs,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Start runs the monitor until ctx is done. A zero timeout disables it.
func (m *CancelMonitor) Start(ctx context.Context) {
	if m.timeout == 0 {
		logger.Infof("cancel monitor disabled")
		return
	}
	go m.loop(ctx)
}

func (m *CancelMonitor) loop(ctx context.Context) {
	logger.Infof("starting cancel monitor (interval %v, timeout %v)", m.interval, m.timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
			m.Sweep()
		}
	}
}

// Sweep checks every running job once and returns how many agents were
// given up on.
func (m *CancelMonitor) Sweep() int {
	expired := 0
	for _, job := range m.jobs.ActiveJobs() {
		ids := job.ExpireWaitingAgents(m.timeout)
		if len(ids) > 0 {
			logger.Warningf("job %s: gave up waiting on %v", job.ID(), ids)
		}
		expired += len(ids)
	}
	return expired
}

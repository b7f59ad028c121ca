package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/orchestrator"
)

type fakeCreator struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	busy     map[string]bool
	broken   map[string]bool
}

func (c *fakeCreator) CreateJob(_ context.Context, req orchestrator.Request) (*orchestrator.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.busy[req.BackupManagerID] {
		return nil, errors.AlreadyExistsf("action running for %q", req.BackupManagerID)
	}
	if c.broken[req.BackupManagerID] {
		return nil, errors.New("boom")
	}
	return &orchestrator.Job{}, nil
}

func TestHousekeepingRunNow(t *testing.T) {
	creator := &fakeCreator{
		busy:   map[string]bool{"bm-2": true},
		broken: map[string]bool{"bm-3": true},
	}
	s := NewHousekeepingScheduler(creator, []string{"bm-1", "bm-2", "bm-3"})

	jobs := s.RunNow()
	assert.Len(t, jobs, 1)

	require.Len(t, creator.requests, 3)
	for i, bm := range []string{"bm-1", "bm-2", "bm-3"} {
		assert.Equal(t, action.Housekeeping, creator.requests[i].Action)
		assert.Equal(t, bm, creator.requests[i].BackupManagerID)
	}
}

func TestHousekeepingStartStop(t *testing.T) {
	s := NewHousekeepingScheduler(&fakeCreator{}, []string{"bm-1"})

	err := s.Start("not a schedule")
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	require.NoError(t, s.Start("@daily"))
	err = s.Start("@daily")
	assert.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)

	s.Stop()
	s.Stop()
}

package main

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/observability"
	"github.com/itskum47/BackForge/control_plane/store"
)

const directoryTimeout = 5 * time.Second

// agentDirectory keeps the stored agent directory and the registered
// agents gauge in step with the registry. Writes are serialized, and a
// disconnect is not recorded while the registry holds the id again, so a
// late disconnect of an old connection cannot mask a reconnect.
type agentDirectory struct {
	mu       sync.Mutex
	store    store.Store
	clock    clock.Clock
	registry *agent.Registry
}

var _ agent.RegistryObserver = (*agentDirectory)(nil)

func (d *agentDirectory) AgentRegistered(reg agent.Registration) {
	observability.RegisteredAgents.Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	now := d.clock.Now()
	err := d.store.UpsertAgent(ctx, &store.AgentRecord{
		AgentID:       reg.AgentID,
		Scope:         reg.Scope,
		APIVersion:    string(reg.APIVersion),
		ProductName:   reg.SoftwareVersion.ProductName,
		ProductNumber: reg.SoftwareVersion.ProductNumber,
		Revision:      reg.SoftwareVersion.Revision,
		Status:        store.AgentConnected,
		RegisteredAt:  now,
		LastSeen:      now,
	})
	if err != nil {
		logger.Errorf("recording registration of agent %q: %v", reg.AgentID, err)
	}
}

func (d *agentDirectory) AgentUnregistered(agentID string) {
	observability.RegisteredAgents.Dec()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registry != nil {
		if _, ok := d.registry.Agent(agentID); ok {
			logger.Debugf("agent %q reconnected, keeping its directory entry", agentID)
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	rec, err := d.store.GetAgent(ctx, agentID)
	if errors.Is(err, errors.NotFound) {
		return
	}
	if err != nil {
		logger.Errorf("loading agent %q: %v", agentID, err)
		return
	}
	rec.Status = store.AgentDisconnected
	rec.LastSeen = d.clock.Now()
	if err := d.store.UpsertAgent(ctx, rec); err != nil {
		logger.Errorf("recording disconnect of agent %q: %v", agentID, err)
	}
}

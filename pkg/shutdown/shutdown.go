// Package shutdown coordinates graceful teardown: stop admitting mutating
// work, drain in-flight execs up to a grace period, stop transient
// containers, and leave persistent ones running for the next boot to adopt.
package shutdown

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

// drainPollInterval is how often the drain loop re-counts active execs.
const drainPollInterval = 500 * time.Millisecond

// ContainerStopper stops containers during teardown.
type ContainerStopper interface {
	Stop(ctx context.Context, id string, graceSeconds int) error
}

// Coordinator sequences the shutdown steps and exposes the draining flag
// the API layer consults before admitting mutating requests.
type Coordinator struct {
	store      storage.Store
	containers ContainerStopper
	audit      *audit.Logger

	grace    time.Duration
	draining atomic.Bool
}

// New creates a Coordinator. grace bounds how long Shutdown waits for
// in-flight execs before stopping containers anyway.
func New(store storage.Store, containers ContainerStopper, auditLog *audit.Logger, grace time.Duration) *Coordinator {
	return &Coordinator{
		store:      store,
		containers: containers,
		audit:      auditLog,
		grace:      grace,
	}
}

// Draining reports whether shutdown has begun.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// Shutdown runs the teardown sequence. Every step is continue-on-error;
// the store is closed last so earlier steps can still persist state.
func (c *Coordinator) Shutdown(ctx context.Context) {
	logger := log.WithComponent("shutdown")
	c.draining.Store(true)
	logger.Info().Dur("grace", c.grace).Msg("Shutdown started, draining execs")

	c.audit.Event(audit.EventSystemShutdown)

	c.drainExecs(ctx)
	c.stopTransients(ctx)

	if err := c.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
	logger.Info().Msg("Shutdown complete")
}

// drainExecs waits for in-flight execs to finish, up to the grace period.
func (c *Coordinator) drainExecs(ctx context.Context) {
	logger := log.WithComponent("shutdown")
	deadline := time.Now().Add(c.grace)

	for {
		active, err := c.store.CountActiveExecs(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to count active execs, skipping drain")
			return
		}
		if active == 0 {
			logger.Info().Msg("All execs drained")
			return
		}
		if time.Now().After(deadline) {
			logger.Warn().Int("active", active).Msg("Drain grace expired with execs still running")
			return
		}

		select {
		case <-ctx.Done():
			logger.Warn().Int("active", active).Msg("Shutdown context cancelled during drain")
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// stopTransients stops running non-persistent containers. Persistent
// containers keep running across restarts.
func (c *Coordinator) stopTransients(ctx context.Context) {
	logger := log.WithComponent("shutdown")

	persistent := false
	running, err := c.store.ListContainersByStatus(ctx, types.ContainerStatusRunning, &persistent)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list running transient containers")
		return
	}

	for _, row := range running {
		if err := c.containers.Stop(ctx, row.ID, 10); err != nil {
			logger.Warn().Err(err).Str("container_id", row.ID).Msg("Failed to stop transient container")
			continue
		}
		logger.Debug().Str("container_id", row.ID).Msg("Stopped transient container")
	}
	logger.Info().Int("stopped", len(running)).Msg("Transient containers stopped")
}

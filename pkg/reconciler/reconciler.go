package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

// retentionAge is how long completed exec rows and buffers are kept.
const retentionAge = 24 * time.Hour

// ExecRetirer retires old exec state during the retention step.
type ExecRetirer interface {
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Stats summarizes one reconciliation cycle.
type Stats struct {
	Discovered int `json:"discovered"` // labelled engine containers seen
	Adopted    int `json:"adopted"`    // engine containers given fresh rows
	CleanedUp  int `json:"cleaned_up"` // rows settled or garbage-collected
	Orphaned   int `json:"orphaned"`   // engine containers that could not be adopted
	Errors     int `json:"errors"`     // per-item failures, logged and skipped

	// ExecsRetired counts exec rows retired by the retention step. It is
	// reported separately from CleanedUp, which counts containers only.
	ExecsRetired int `json:"-"`
}

// Engine reconciles durable container records against live engine state.
type Engine struct {
	store           storage.Store
	runtime         runtime.Runtime
	execs           ExecRetirer
	audit           *audit.Logger
	transientGCDays int
}

// New creates a reconciliation Engine.
func New(store storage.Store, rt runtime.Runtime, execs ExecRetirer, auditLog *audit.Logger, transientGCDays int) *Engine {
	return &Engine{
		store:           store,
		runtime:         rt,
		execs:           execs,
		audit:           auditLog,
		transientGCDays: transientGCDays,
	}
}

// Reconcile runs one full cycle. Every step is per-item
// continue-on-error: one bad container never blocks the rest.
func (e *Engine) Reconcile(ctx context.Context) (*Stats, error) {
	logger := log.WithComponent("reconciler")
	timer := metrics.NewTimer()
	stats := &Stats{}

	engineContainers, err := e.runtime.ListLabelled(ctx, types.LabelService+"=true")
	if err != nil {
		return nil, fmt.Errorf("failed to discover engine containers: %w", err)
	}
	stats.Discovered = len(engineContainers)

	byDockerID := lo.KeyBy(engineContainers, func(c *runtime.ContainerInfo) string {
		return c.DockerID
	})

	for _, info := range engineContainers {
		e.adoptIfUnknown(ctx, info, stats)
	}

	rows, err := e.store.ListContainers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list container records: %w", err)
	}

	for _, row := range rows {
		info, present := byDockerID[row.DockerID]
		if !present {
			e.settleMissing(ctx, row, stats)
			continue
		}
		e.syncStatus(ctx, row, info, stats)
	}

	e.gcTransients(ctx, rows, stats)

	if e.execs != nil {
		if retired, err := e.execs.CleanupOlderThan(ctx, retentionAge); err != nil {
			logger.Error().Err(err).Msg("Exec retention failed")
			stats.Errors++
		} else {
			stats.ExecsRetired = retired
			if retired > 0 {
				logger.Info().Int("retired", retired).Msg("Retired completed execs")
			}
		}
	}

	// Attachment retention intentionally removes nothing; attachments
	// detach when their container is removed.
	stats.CleanedUp += e.cleanupAttachments()

	if err := e.store.Vacuum(ctx); err != nil {
		logger.Warn().Err(err).Msg("Vacuum failed")
		stats.Errors++
	}

	metrics.ReconcileCyclesTotal.Inc()
	timer.ObserveDuration(metrics.ReconcileDuration)

	e.audit.Event(audit.EventSystemReconcile,
		audit.WithDetails(map[string]any{
			"discovered": stats.Discovered,
			"adopted":    stats.Adopted,
			"cleaned_up": stats.CleanedUp,
			"orphaned":   stats.Orphaned,
			"errors":     stats.Errors,
		}))

	logger.Info().
		Int("discovered", stats.Discovered).
		Int("adopted", stats.Adopted).
		Int("cleaned_up", stats.CleanedUp).
		Int("orphaned", stats.Orphaned).
		Int("errors", stats.Errors).
		Msg("Reconciliation cycle complete")

	return stats, nil
}

// adoptIfUnknown inserts a row for a labelled engine container the store
// has never seen, rebuilding what it can from labels and mounts.
func (e *Engine) adoptIfUnknown(ctx context.Context, info *runtime.ContainerInfo, stats *Stats) {
	logger := log.WithComponent("reconciler")

	_, err := e.store.GetContainerByDockerID(ctx, info.DockerID)
	if err == nil {
		return
	}
	if !types.IsContainerNotFound(err) {
		logger.Error().Err(err).Str("docker_id", info.DockerID).Msg("Adoption lookup failed")
		stats.Errors++
		return
	}

	id := info.Labels[types.LabelContainerID]
	if id == "" {
		logger.Warn().
			Str("docker_id", info.DockerID).
			Msg("Labelled container carries no container-id, cannot adopt")
		stats.Orphaned++
		return
	}

	now := time.Now().UTC()
	c := &types.Container{
		ID:        id,
		DockerID:  info.DockerID,
		Image:     info.Image,
		CreatedAt: now,
		LastSeen:  now,
		Status:    observedStatus(info),
	}
	if alias := info.Labels[types.LabelAlias]; alias != "" {
		c.Alias = &alias
	}
	for _, m := range info.Mounts {
		if m.Destination == types.WorkspacePath && m.Type == "volume" {
			if strings.HasPrefix(m.Name, types.VolumePersistPrefix) {
				c.Persistent = true
				name := m.Name
				c.VolumeName = &name
			}
			break
		}
	}

	if err := e.store.CreateContainer(ctx, c); err != nil {
		logger.Error().Err(err).Str("container_id", id).Msg("Adoption insert failed")
		stats.Errors++
		return
	}

	logger.Info().
		Str("container_id", id).
		Str("docker_id", info.DockerID).
		Bool("persistent", c.Persistent).
		Msg("Adopted engine container")
	stats.Adopted++
}

// settleMissing marks rows whose engine container is gone as stopped.
func (e *Engine) settleMissing(ctx context.Context, row *types.Container, stats *Stats) {
	if row.Status == types.ContainerStatusStopped {
		return
	}
	if err := e.store.UpdateContainerStatus(ctx, row.ID, types.ContainerStatusStopped); err != nil {
		logger := log.WithComponent("reconciler")
		logger.Error().
			Err(err).
			Str("container_id", row.ID).
			Msg("Failed to settle missing container")
		stats.Errors++
		return
	}
	stats.CleanedUp++
}

// syncStatus repairs status drift for containers present on both sides.
func (e *Engine) syncStatus(ctx context.Context, row *types.Container, info *runtime.ContainerInfo, stats *Stats) {
	logger := log.WithComponent("reconciler")

	observed := observedStatus(info)
	if observed != row.Status {
		if err := e.store.UpdateContainerStatus(ctx, row.ID, observed); err != nil {
			logger.Error().Err(err).Str("container_id", row.ID).Msg("Status sync failed")
			stats.Errors++
			return
		}
		logger.Debug().
			Str("container_id", row.ID).
			Str("from", string(row.Status)).
			Str("to", string(observed)).
			Msg("Repaired status drift")
	}
	if err := e.store.UpdateContainerLastSeen(ctx, row.ID, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Str("container_id", row.ID).Msg("Failed to bump last_seen")
		stats.Errors++
	}
}

// gcTransients removes stopped non-persistent containers whose last_seen
// is past the GC age, engine side first.
func (e *Engine) gcTransients(ctx context.Context, rows []*types.Container, stats *Stats) {
	logger := log.WithComponent("reconciler")
	cutoff := time.Now().UTC().AddDate(0, 0, -e.transientGCDays)

	stale := lo.Filter(rows, func(row *types.Container, _ int) bool {
		return !row.Persistent &&
			row.Status == types.ContainerStatusStopped &&
			row.LastSeen.Before(cutoff)
	})

	for _, row := range stale {
		if err := e.runtime.RemoveContainer(ctx, row.DockerID, true, true); err != nil && !runtime.IsNotFound(err) {
			logger.Error().Err(err).Str("container_id", row.ID).Msg("Transient GC engine remove failed")
			stats.Errors++
			continue
		}
		if err := e.store.DeleteContainer(ctx, row.ID); err != nil {
			logger.Error().Err(err).Str("container_id", row.ID).Msg("Transient GC row delete failed")
			stats.Errors++
			continue
		}
		logger.Info().
			Str("container_id", row.ID).
			Time("last_seen", row.LastSeen).
			Msg("Garbage-collected transient container")
		stats.CleanedUp++
	}
}

// cleanupAttachments is the attachment retention step. There is no aging
// policy for attachment rows today; they are detached when their container
// goes away, so this returns zero.
func (e *Engine) cleanupAttachments() int {
	return 0
}

func observedStatus(info *runtime.ContainerInfo) types.ContainerStatus {
	switch info.Status {
	case "running":
		return types.ContainerStatusRunning
	case "exited", "stopped", "created":
		return types.ContainerStatusStopped
	default:
		return types.ContainerStatusError
	}
}

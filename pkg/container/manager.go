// Package container implements the container lifecycle manager. It is the
// only component that mutates container rows: it provisions engine
// containers under the security profile, keeps the durable record in step
// with the engine, and cleans both sides up on removal.
//
//	Create ──> image policy ──> engine create ──> store insert
//	Start/Stop/Remove ──> engine call ──> store status update
//	Get ──> store read ──> engine inspect ──> status drift repair
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/imagepolicy"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

// IdempotencyWindow bounds how long a spawn idempotency key replays the
// original result.
const IdempotencyWindow = 24 * time.Hour

// defaultStopTimeout is the engine stop grace applied when the caller does
// not specify one.
const defaultStopTimeout = 10

// ImageResolver resolves an image reference through the registry policy.
type ImageResolver interface {
	Resolve(ctx context.Context, requested string, pinDigest bool) (*imagepolicy.Resolved, error)
}

// SecurityProfile supplies the hardening options for engine creation.
type SecurityProfile interface {
	ContainerOptions(asRoot bool) runtime.SecurityOptions
}

// CreateRequest describes a container to provision.
type CreateRequest struct {
	Image          string
	Alias          string
	Persistent     bool
	TTLSeconds     *int64
	IdempotencyKey string
}

// Manager owns the container lifecycle.
type Manager struct {
	store   storage.Store
	runtime runtime.Runtime
	images  ImageResolver
	profile SecurityProfile
	audit   *audit.Logger
}

// NewManager creates a container Manager.
func NewManager(store storage.Store, rt runtime.Runtime, images ImageResolver, profile SecurityProfile, auditLog *audit.Logger) *Manager {
	return &Manager{
		store:   store,
		runtime: rt,
		images:  images,
		profile: profile,
		audit:   auditLog,
	}
}

// Create provisions a new container in the stopped state. When the request
// carries an idempotency key that matched a prior spawn within the window,
// the prior container is returned unchanged.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Container, error) {
	logger := log.WithComponent("container")
	now := time.Now().UTC()

	recordKey := req.IdempotencyKey != ""
	if req.IdempotencyKey != "" {
		existing, err := m.store.GetContainerByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil && !types.IsContainerNotFound(err) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		if existing != nil {
			if existing.IdempotencyKeyValid(now, IdempotencyWindow) {
				logger.Debug().
					Str("container_id", existing.ID).
					Msg("Idempotency key matched prior spawn")
				return existing, nil
			}
			// The expired key stays on its row until that container is
			// removed; the new spawn proceeds without recording the key.
			recordKey = false
			logger.Warn().
				Str("container_id", existing.ID).
				Msg("Idempotency key expired, spawning fresh container without it")
		}
	}

	resolved, err := m.images.Resolve(ctx, req.Image, true)
	if err != nil {
		return nil, err
	}

	if req.Alias != "" {
		if _, err := m.store.GetContainerByAlias(ctx, req.Alias); err == nil {
			return nil, &types.AliasInUseError{Alias: req.Alias}
		} else if !types.IsContainerNotFound(err) {
			return nil, fmt.Errorf("failed to check alias: %w", err)
		}
	}

	id := "c_" + uuid.NewString()

	volumeName := types.TransientVolumeName(id)
	if req.Persistent {
		volumeName = types.PersistVolumeName(id)
	}

	labels := map[string]string{
		types.LabelService:     "true",
		types.LabelContainerID: id,
	}
	if req.Alias != "" {
		labels[types.LabelAlias] = req.Alias
	}

	dockerID, err := m.runtime.CreateContainer(ctx, runtime.CreateSpec{
		Image:         resolved.ResolvedRef,
		Name:          types.ContainerName(id),
		Labels:        labels,
		VolumeName:    volumeName,
		WorkspacePath: types.WorkspacePath,
		Security:      m.profile.ContainerOptions(false),
	})
	if err != nil {
		return nil, &types.RuntimeError{Op: "create container", Err: err}
	}

	c := &types.Container{
		ID:         id,
		DockerID:   dockerID,
		Image:      resolved.ResolvedRef,
		Persistent: req.Persistent,
		CreatedAt:  now,
		LastSeen:   now,
		TTLSeconds: req.TTLSeconds,
		Status:     types.ContainerStatusStopped,
	}
	if req.Alias != "" {
		c.Alias = &req.Alias
	}
	if resolved.Digest != "" {
		c.Digest = &resolved.Digest
	}
	if req.Persistent {
		c.VolumeName = &volumeName
	}
	if recordKey {
		c.IdempotencyKey = &req.IdempotencyKey
		c.IdempotencyKeyCreatedAt = &now
	}

	if err := m.store.CreateContainer(ctx, c); err != nil {
		// The engine container exists but the row does not; remove the
		// engine side before surfacing so nothing is orphaned.
		m.removeEngineOrphan(ctx, dockerID, id)

		if storage.IsUniqueViolation(err) {
			if recordKey {
				if winner, lookupErr := m.store.GetContainerByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
					logger.Info().
						Str("container_id", winner.ID).
						Msg("Lost idempotent spawn race, returning winner")
					return winner, nil
				}
			}
			if req.Alias != "" {
				return nil, &types.AliasInUseError{Alias: req.Alias}
			}
		}
		return nil, fmt.Errorf("failed to persist container: %w", err)
	}

	metrics.ContainerSpawnsTotal.WithLabelValues(resolved.ResolvedRef).Inc()
	m.audit.Event(audit.EventContainerSpawn,
		audit.WithContainerID(id),
		audit.WithDetails(map[string]any{
			"image":      resolved.ResolvedRef,
			"alias":      req.Alias,
			"persistent": req.Persistent,
		}))

	return c, nil
}

func (m *Manager) removeEngineOrphan(ctx context.Context, dockerID, id string) {
	if err := m.runtime.RemoveContainer(ctx, dockerID, true, true); err != nil && !runtime.IsNotFound(err) {
		logger := log.WithComponent("container")
		logger.Error().
			Err(err).
			Str("container_id", id).
			Str("docker_id", dockerID).
			Msg("Failed to remove orphaned engine container")
	}
}

// Start transitions a container to running.
func (m *Manager) Start(ctx context.Context, id string) error {
	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}

	if err := m.runtime.StartContainer(ctx, c.DockerID); err != nil {
		m.setStatus(ctx, c.ID, types.ContainerStatusError)
		if runtime.IsNotFound(err) {
			return &types.ContainerNotFoundError{Identifier: id}
		}
		return &types.RuntimeError{Op: "start container", Err: err}
	}

	if err := m.store.UpdateContainerStatus(ctx, c.ID, types.ContainerStatusRunning); err != nil {
		return fmt.Errorf("failed to record running status: %w", err)
	}
	if err := m.store.UpdateContainerLastSeen(ctx, c.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to bump last_seen: %w", err)
	}

	m.audit.Event(audit.EventContainerStateChange,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"status": string(types.ContainerStatusRunning)}))
	return nil
}

// Stop transitions a container to stopped. A container already gone from
// the engine still settles as stopped.
func (m *Manager) Stop(ctx context.Context, id string, graceSeconds int) error {
	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if graceSeconds <= 0 {
		graceSeconds = defaultStopTimeout
	}

	if err := m.runtime.StopContainer(ctx, c.DockerID, graceSeconds); err != nil && !runtime.IsNotFound(err) {
		return &types.RuntimeError{Op: "stop container", Err: err}
	}

	if err := m.store.UpdateContainerStatus(ctx, c.ID, types.ContainerStatusStopped); err != nil {
		return fmt.Errorf("failed to record stopped status: %w", err)
	}

	m.audit.Event(audit.EventContainerStateChange,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"status": string(types.ContainerStatusStopped)}))
	return nil
}

// Remove destroys a container, its volumes, and its durable record. The
// row deletion cascades exec rows and detaches active attachments.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}

	removeVolumes := !c.Persistent
	if err := m.runtime.RemoveContainer(ctx, c.DockerID, force, removeVolumes); err != nil && !runtime.IsNotFound(err) {
		return &types.RuntimeError{Op: "remove container", Err: err}
	}

	if c.Persistent && c.VolumeName != nil {
		if err := m.runtime.RemoveVolume(ctx, *c.VolumeName, false); err != nil && !runtime.IsNotFound(err) {
			logger := log.WithComponent("container")
			logger.Warn().
				Err(err).
				Str("container_id", c.ID).
				Str("volume", *c.VolumeName).
				Msg("Failed to remove persistent volume")
		}
	}

	if err := m.store.DeleteContainer(ctx, c.ID); err != nil {
		return fmt.Errorf("failed to delete container record: %w", err)
	}

	m.audit.Event(audit.EventContainerKill,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"force": force, "persistent": c.Persistent}))
	return nil
}

// Get resolves an identifier (id, then alias) and refreshes the row's
// status against the live engine state before returning it.
func (m *Manager) Get(ctx context.Context, identifier string) (*types.Container, error) {
	c, err := m.store.GetContainerByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}

	info, err := m.runtime.InspectContainer(ctx, c.DockerID)
	switch {
	case runtime.IsNotFound(err):
		if c.Status != types.ContainerStatusError {
			m.setStatus(ctx, c.ID, types.ContainerStatusError)
			c.Status = types.ContainerStatusError
		}
	case err != nil:
		return nil, &types.RuntimeError{Op: "inspect container", Err: err}
	default:
		observed := types.ContainerStatusStopped
		if info.Running() {
			observed = types.ContainerStatusRunning
		}
		if observed != c.Status {
			m.setStatus(ctx, c.ID, observed)
			c.Status = observed
		}
	}

	return c, nil
}

// List returns containers, optionally including stopped ones.
func (m *Manager) List(ctx context.Context, includeStopped bool) ([]*types.Container, error) {
	return m.store.ListContainers(ctx, includeStopped)
}

// Attach records a client session against a container and returns the
// container plus the workspace roots the client may address.
func (m *Manager) Attach(ctx context.Context, target, clientName, sessionID string) (*types.Container, []string, error) {
	c, err := m.Get(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	if err := m.store.CreateAttachment(ctx, &types.Attachment{
		ContainerID: c.ID,
		ClientName:  clientName,
		SessionID:   sessionID,
		AttachedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to record attachment: %w", err)
	}

	m.audit.Event(audit.EventContainerAttach,
		audit.WithContainerID(c.ID),
		audit.WithClient(clientName, sessionID))

	return c, []string{types.WorkspaceRoot(c.ID)}, nil
}

func (m *Manager) setStatus(ctx context.Context, id string, status types.ContainerStatus) {
	if err := m.store.UpdateContainerStatus(ctx, id, status); err != nil {
		logger := log.WithComponent("container")
		logger.Error().
			Err(err).
			Str("container_id", id).
			Str("status", string(status)).
			Msg("Failed to update container status")
	}
}

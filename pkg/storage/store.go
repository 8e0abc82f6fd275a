package storage

import (
	"context"
	"time"

	"github.com/benchd/benchd/pkg/types"
)

// Store defines the typed repository surface over the durable state.
// Implementations must keep every multi-step mutation inside a single
// transaction and must never nest transactions.
//
// Single-row lookups report absence as a typed error
// (types.ContainerNotFoundError, types.ExecNotFoundError) so callers can
// branch with types.IsContainerNotFound and types.IsExecNotFound.
type Store interface {
	// Containers
	CreateContainer(ctx context.Context, c *types.Container) error
	GetContainer(ctx context.Context, id string) (*types.Container, error)
	GetContainerByAlias(ctx context.Context, alias string) (*types.Container, error)
	GetContainerByIdentifier(ctx context.Context, identifier string) (*types.Container, error)
	GetContainerByDockerID(ctx context.Context, dockerID string) (*types.Container, error)
	GetContainerByIdempotencyKey(ctx context.Context, key string) (*types.Container, error)
	ListContainers(ctx context.Context, includeStopped bool) ([]*types.Container, error)
	ListContainersByStatus(ctx context.Context, status types.ContainerStatus, persistent *bool) ([]*types.Container, error)
	UpdateContainerStatus(ctx context.Context, id string, status types.ContainerStatus) error
	UpdateContainerAlias(ctx context.Context, id string, alias string) error
	UpdateContainerLastSeen(ctx context.Context, id string, lastSeen time.Time) error
	DeleteContainer(ctx context.Context, id string) error

	// Execs
	CreateExec(ctx context.Context, e *types.Exec) error
	GetExec(ctx context.Context, execID string) (*types.Exec, error)
	ListActiveExecsByContainer(ctx context.Context, containerID string) ([]*types.Exec, error)
	ListExecsByContainer(ctx context.Context, containerID string) ([]*types.Exec, error)
	CompleteExec(ctx context.Context, execID string, endedAt time.Time, exitCode int, usage *types.ExecUsage) error
	ListCompletedExecsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Exec, error)
	DeleteExec(ctx context.Context, execID string) error

	// Attachments
	CreateAttachment(ctx context.Context, a *types.Attachment) error
	ListActiveAttachments(ctx context.Context, containerID string) ([]*types.Attachment, error)
	DetachAttachment(ctx context.Context, id int64, detachedAt time.Time) error
	DetachAllForContainer(ctx context.Context, containerID string) (int, error)

	// Counters for gauges and status reporting
	CountContainersByStatus(ctx context.Context, status types.ContainerStatus) (int, error)
	CountActiveAttachments(ctx context.Context) (int, error)
	CountActiveExecs(ctx context.Context) (int, error)

	// Utility
	Vacuum(ctx context.Context) error
	Close() error
}

package types

import (
	"fmt"
	"time"
)

// Label namespace applied to every engine object benchd owns. The engine's
// label and volume namespaces are global, so everything carries a service
// prefix.
const (
	LabelService     = "com.benchd.service"
	LabelContainerID = "com.benchd.container-id"
	LabelAlias       = "com.benchd.alias"

	VolumePersistPrefix   = "benchd_persist_"
	VolumeTransientPrefix = "benchd_transient_"

	// WorkspacePath is the in-container root of all file operations.
	WorkspacePath = "/workspace"
)

// Sentinel exit codes recorded when an exec did not finish on its own.
const (
	ExitCodeInternalError = -1
	ExitCodeCancelled     = -2
)

// ContainerName returns the engine-side name for a container id.
func ContainerName(id string) string {
	return "benchd-" + id
}

// PersistVolumeName returns the named-volume name for a persistent container.
func PersistVolumeName(id string) string {
	return VolumePersistPrefix + id
}

// TransientVolumeName returns the named-volume name for a transient container.
func TransientVolumeName(id string) string {
	return VolumeTransientPrefix + id
}

// ContainerStatus represents the durable state of a container
type ContainerStatus string

const (
	ContainerStatusStopped ContainerStatus = "stopped"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusError   ContainerStatus = "error"
)

// Container is the durable record of a managed container. The store is the
// source of truth; the engine view is reconciled into it.
type Container struct {
	ID         string  // c_<uuid>
	DockerID   string  // engine-assigned id
	Alias      *string // optional unique human label
	Image      string  // resolved reference after policy normalization
	Digest     *string // optional content digest
	Persistent bool
	CreatedAt  time.Time
	LastSeen   time.Time
	TTLSeconds *int64  // transients only
	VolumeName *string // set iff a durable volume was allocated
	Status     ContainerStatus

	IdempotencyKey          *string
	IdempotencyKeyCreatedAt *time.Time
}

// AliasOrEmpty returns the alias or "" when none is set.
func (c *Container) AliasOrEmpty() string {
	if c.Alias == nil {
		return ""
	}
	return *c.Alias
}

// IdempotencyKeyValid reports whether the container's idempotency key is
// still inside its validity window at the given instant.
func (c *Container) IdempotencyKeyValid(now time.Time, window time.Duration) bool {
	if c.IdempotencyKey == nil || c.IdempotencyKeyCreatedAt == nil {
		return false
	}
	return now.Sub(*c.IdempotencyKeyCreatedAt) < window
}

// ExecCommand is the command snapshot persisted with an exec record.
type ExecCommand struct {
	Cmd []string          `json:"cmd"`
	Cwd string            `json:"cwd"`
	Env map[string]string `json:"env,omitempty"`
}

// ExecUsage summarizes a finished exec.
type ExecUsage struct {
	WallMS      int64 `json:"wall_ms"`
	StdoutBytes int64 `json:"stdout_bytes"`
	StderrBytes int64 `json:"stderr_bytes"`
	Timeout     bool  `json:"timeout,omitempty"`
	Cancelled   bool  `json:"cancelled,omitempty"`
	Error       bool  `json:"error,omitempty"`
}

// Exec is the durable record of a one-shot command execution.
// EndedAt and ExitCode are set together exactly once.
type Exec struct {
	ExecID      string // e_<uuid>
	ContainerID string
	Command     ExecCommand
	AsRoot      bool
	StartedAt   time.Time
	EndedAt     *time.Time
	ExitCode    *int
	Usage       *ExecUsage
}

// Ended reports whether the exec has completed.
func (e *Exec) Ended() bool {
	return e.EndedAt != nil
}

// Attachment records a client session attached to a container.
type Attachment struct {
	ID          int64
	ContainerID string
	ClientName  string
	SessionID   string
	AttachedAt  time.Time
	DetachedAt  *time.Time
}

// WorkspaceRoot returns the root identifier handed to attached clients.
func WorkspaceRoot(containerID string) string {
	return fmt.Sprintf("workspace:%s", containerID)
}

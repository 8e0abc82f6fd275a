package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// ErrNotFound marks an object missing on the engine side. The Docker
// client's own not-found errors are recognized as well; always test with
// IsNotFound rather than comparing directly.
var ErrNotFound = errors.New("not found in runtime")

// IsNotFound reports whether err indicates a missing engine object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || cerrdefs.IsNotFound(err)
}

// SecurityOptions is the non-negotiable option set applied at container
// creation. Produced by the security profile; the adapter applies it
// verbatim.
type SecurityOptions struct {
	User            string // uid:gid
	CapDrop         []string
	SecurityOpt     []string
	ReadonlyRootfs  bool
	NetworkMode     string // "bridge" or "none"
	MemoryBytes     int64
	CPUQuota        int64
	CPUPeriod       int64
	PidsLimit       int64
	Tmpfs           map[string]string // tmpfs mounts, path -> options
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image         string
	Name          string
	Labels        map[string]string
	VolumeName    string // named volume mounted at WorkspacePath
	WorkspacePath string
	Env           []string
	Security      SecurityOptions
}

// MountInfo describes a single mount on an engine container.
type MountInfo struct {
	Type        string
	Name        string
	Destination string
}

// ContainerInfo is the engine's view of a container.
type ContainerInfo struct {
	DockerID string
	Name     string
	Status   string // engine state: created, running, exited, ...
	Image    string
	Labels   map[string]string
	Mounts   []MountInfo
}

// Running reports whether the engine considers the container running.
func (c *ContainerInfo) Running() bool {
	return c.Status == "running"
}

// ExecSpec describes a command to run inside a container.
type ExecSpec struct {
	Cmd        []string
	WorkingDir string
	Env        map[string]string
	User       string // uid, e.g. "1000" or "0"
}

// ExecStatus is the engine's view of an exec instance.
type ExecStatus struct {
	Running  bool
	ExitCode int
}

// PathStat describes a filesystem object inside a container.
type PathStat struct {
	Name       string
	Size       int64
	Mode       os.FileMode
	MTime      time.Time
	LinkTarget string
}

// IsDir reports whether the stat describes a directory.
func (p *PathStat) IsDir() bool {
	return p.Mode.IsDir()
}

// Runtime is the adapter contract over the container engine. All methods
// block until the engine responds; callers run them off the request path
// where latency matters. The adapter carries no business logic.
type Runtime interface {
	// Containers
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, dockerID string) error
	StopContainer(ctx context.Context, dockerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, dockerID string, force, removeVolumes bool) error
	InspectContainer(ctx context.Context, dockerID string) (*ContainerInfo, error)
	ListLabelled(ctx context.Context, label string) ([]*ContainerInfo, error)

	// Execs
	ExecCreate(ctx context.Context, dockerID string, spec ExecSpec) (string, error)
	// StreamExec attaches to the exec, demultiplexes its output into the
	// two writers as bytes arrive, and returns when the exec's streams
	// close or ctx is done.
	StreamExec(ctx context.Context, execID string, stdout, stderr io.Writer) error
	ExecInspect(ctx context.Context, execID string) (*ExecStatus, error)
	// RunExec is a convenience for short helper commands: create, stream
	// to memory, inspect.
	RunExec(ctx context.Context, dockerID string, spec ExecSpec) (int, []byte, []byte, error)

	// Workspace archive transfer
	CopyTo(ctx context.Context, dockerID, path string, content io.Reader) error
	CopyFrom(ctx context.Context, dockerID, path string) (io.ReadCloser, *PathStat, error)
	StatPath(ctx context.Context, dockerID, path string) (*PathStat, error)

	// Images
	ImagePresent(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref, encodedAuth string) error
	ImageRepoDigests(ctx context.Context, ref string) ([]string, error)

	// Volumes
	RemoveVolume(ctx context.Context, name string, force bool) error

	// Engine
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
	Close() error
}

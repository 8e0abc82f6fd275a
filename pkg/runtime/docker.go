package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/benchd/benchd/pkg/log"
)

// DockerRuntime implements Runtime over the Docker engine API
type DockerRuntime struct {
	cli *client.Client
	log zerolog.Logger
}

// NewDockerRuntime connects to the engine using the standard environment
// (DOCKER_HOST et al.) and verifies it responds.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	r := &DockerRuntime{
		cli: cli,
		log: log.WithComponent("runtime"),
	}

	version, err := cli.ServerVersion(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to reach docker engine: %w", err)
	}
	r.log.Info().
		Str("engine_version", version.Version).
		Str("api_version", version.APIVersion).
		Msg("connected to docker engine")

	return r, nil
}

// Close closes the engine client connection
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// CreateContainer creates a container from the spec and returns its engine id
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Labels:     spec.Labels,
		Env:        spec.Env,
		WorkingDir: spec.WorkspacePath,
		User:       spec.Security.User,
		Tty:        true,
		OpenStdin:  true,
	}

	pids := spec.Security.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: spec.VolumeName,
				Target: spec.WorkspacePath,
			},
		},
		CapDrop:        strslice.StrSlice(spec.Security.CapDrop),
		SecurityOpt:    spec.Security.SecurityOpt,
		ReadonlyRootfs: spec.Security.ReadonlyRootfs,
		NetworkMode:    container.NetworkMode(spec.Security.NetworkMode),
		Tmpfs:          spec.Security.Tmpfs,
		Resources: container.Resources{
			Memory:    spec.Security.MemoryBytes,
			CPUQuota:  spec.Security.CPUQuota,
			CPUPeriod: spec.Security.CPUPeriod,
			PidsLimit: &pids,
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts a created container
func (r *DockerRuntime) StartContainer(ctx context.Context, dockerID string) error {
	if err := r.cli.ContainerStart(ctx, dockerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", dockerID, err)
	}
	return nil
}

// StopContainer stops a container with the given grace period
func (r *DockerRuntime) StopContainer(ctx context.Context, dockerID string, timeoutSeconds int) error {
	if err := r.cli.ContainerStop(ctx, dockerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", dockerID, err)
	}
	return nil
}

// RemoveContainer removes a container, optionally with its anonymous volumes
func (r *DockerRuntime) RemoveContainer(ctx context.Context, dockerID string, force, removeVolumes bool) error {
	err := r.cli.ContainerRemove(ctx, dockerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: removeVolumes,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", dockerID, err)
	}
	return nil
}

// InspectContainer returns the engine's view of a container
func (r *DockerRuntime) InspectContainer(ctx context.Context, dockerID string) (*ContainerInfo, error) {
	resp, err := r.cli.ContainerInspect(ctx, dockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", dockerID, err)
	}

	info := &ContainerInfo{
		DockerID: resp.ID,
		Name:     resp.Name,
		Image:    resp.Config.Image,
		Labels:   resp.Config.Labels,
	}
	if resp.State != nil {
		info.Status = string(resp.State.Status)
	}
	for _, m := range resp.Mounts {
		info.Mounts = append(info.Mounts, MountInfo{
			Type:        string(m.Type),
			Name:        m.Name,
			Destination: m.Destination,
		})
	}
	return info, nil
}

// ListLabelled lists all containers (running or not) carrying the label
func (r *DockerRuntime) ListLabelled(ctx context.Context, label string) ([]*ContainerInfo, error) {
	args := filters.NewArgs()
	args.Add("label", label)

	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := &ContainerInfo{
			DockerID: s.ID,
			Status:   string(s.State),
			Image:    s.Image,
			Labels:   s.Labels,
		}
		if len(s.Names) > 0 {
			info.Name = s.Names[0]
		}
		for _, m := range s.Mounts {
			info.Mounts = append(info.Mounts, MountInfo{
				Type:        string(m.Type),
				Name:        m.Name,
				Destination: m.Destination,
			})
		}
		out = append(out, info)
	}
	return out, nil
}

// ExecCreate creates an exec instance with demultiplexed output
func (r *DockerRuntime) ExecCreate(ctx context.Context, dockerID string, spec ExecSpec) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, dockerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          envSlice(spec.Env),
		User:         spec.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in container %s: %w", dockerID, err)
	}
	return created.ID, nil
}

// StreamExec attaches to an exec and pumps its demultiplexed output into
// the writers until the exec finishes or ctx is cancelled
func (r *DockerRuntime) StreamExec(ctx context.Context, execID string, stdout, stderr io.Writer) error {
	resp, err := r.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach to exec %s: %w", execID, err)
	}
	defer resp.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Closing the hijacked connection unblocks the copier.
		resp.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to stream exec %s output: %w", execID, err)
		}
		return nil
	}
}

// ExecInspect returns the running state and exit code of an exec
func (r *DockerRuntime) ExecInspect(ctx context.Context, execID string) (*ExecStatus, error) {
	resp, err := r.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec %s: %w", execID, err)
	}
	return &ExecStatus{Running: resp.Running, ExitCode: resp.ExitCode}, nil
}

// RunExec runs a short command to completion and returns its exit code
// and captured output
func (r *DockerRuntime) RunExec(ctx context.Context, dockerID string, spec ExecSpec) (int, []byte, []byte, error) {
	execID, err := r.ExecCreate(ctx, dockerID, spec)
	if err != nil {
		return 0, nil, nil, err
	}

	var stdout, stderr bytes.Buffer
	if err := r.StreamExec(ctx, execID, &stdout, &stderr); err != nil {
		return 0, stdout.Bytes(), stderr.Bytes(), err
	}

	status, err := r.ExecInspect(ctx, execID)
	if err != nil {
		return 0, stdout.Bytes(), stderr.Bytes(), err
	}
	return status.ExitCode, stdout.Bytes(), stderr.Bytes(), nil
}

// CopyTo uploads a tar stream to a path inside the container
func (r *DockerRuntime) CopyTo(ctx context.Context, dockerID, path string, content io.Reader) error {
	err := r.cli.CopyToContainer(ctx, dockerID, path, content, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy into container %s at %s: %w", dockerID, path, err)
	}
	return nil
}

// CopyFrom downloads a path from the container as a tar stream
func (r *DockerRuntime) CopyFrom(ctx context.Context, dockerID, path string) (io.ReadCloser, *PathStat, error) {
	reader, stat, err := r.cli.CopyFromContainer(ctx, dockerID, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to copy from container %s at %s: %w", dockerID, path, err)
	}
	return reader, &PathStat{
		Name:       stat.Name,
		Size:       stat.Size,
		Mode:       stat.Mode,
		MTime:      stat.Mtime,
		LinkTarget: stat.LinkTarget,
	}, nil
}

// StatPath stats a path inside the container without transferring content
func (r *DockerRuntime) StatPath(ctx context.Context, dockerID, path string) (*PathStat, error) {
	stat, err := r.cli.ContainerStatPath(ctx, dockerID, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s in container %s: %w", path, dockerID, err)
	}
	return &PathStat{
		Name:       stat.Name,
		Size:       stat.Size,
		Mode:       stat.Mode,
		MTime:      stat.Mtime,
		LinkTarget: stat.LinkTarget,
	}, nil
}

// ImagePresent reports whether the engine already has the image
func (r *DockerRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// PullImage pulls an image, draining the progress stream
func (r *DockerRuntime) PullImage(ctx context.Context, ref, encodedAuth string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull progress for %s: %w", ref, err)
	}
	return nil
}

// ImageRepoDigests returns the repository digests recorded for an image
func (r *DockerRuntime) ImageRepoDigests(ctx context.Context, ref string) ([]string, error) {
	resp, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return resp.RepoDigests, nil
}

// RemoveVolume removes a named volume
func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := r.cli.VolumeRemove(ctx, name, force); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// Ping checks engine reachability
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker engine: %w", err)
	}
	return nil
}

// ServerVersion returns the engine version string
func (r *DockerRuntime) ServerVersion(ctx context.Context) (string, error) {
	version, err := r.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read engine version: %w", err)
	}
	return version.Version, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

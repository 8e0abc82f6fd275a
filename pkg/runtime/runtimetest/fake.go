// Package runtimetest provides an in-memory Runtime implementation for
// manager tests. It simulates containers, exec instances with a small
// built-in command interpreter, and a per-container workspace filesystem
// reachable through the archive endpoints.
package runtimetest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benchd/benchd/pkg/runtime"
)

// File is a single entry in a fake container's filesystem.
type File struct {
	Data  []byte
	Mode  os.FileMode
	Dir   bool
	MTime time.Time
}

// Container is the fake engine's record of a container.
type Container struct {
	DockerID string
	Name     string
	Image    string
	Labels   map[string]string
	Status   string // created, running, exited
	Mounts   []runtime.MountInfo
	Files    map[string]*File
}

// ExecResult scripts the outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// Block, when non-nil, makes StreamExec wait until the channel closes
	// or the context is done. Used to simulate long-running commands.
	Block chan struct{}
}

type execInstance struct {
	containerID string
	spec        runtime.ExecSpec
	result      *ExecResult
	running     bool
}

// Fake implements runtime.Runtime in memory.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container
	execs      map[string]*execInstance
	volumes    map[string]bool
	missing    map[string]bool // images marked absent
	digests    map[string][]string
	nextID     int

	// Pulled records every PullImage call (ref only).
	Pulled []string
	// PulledAuth records the encoded auth passed to each pull.
	PulledAuth []string
	// RemovedContainers records every RemoveContainer call.
	RemovedContainers []string
	// RemovedVolumes records every RemoveVolume call.
	RemovedVolumes []string

	// ExecHandler, when set, overrides the built-in command interpreter.
	ExecHandler func(c *Container, spec runtime.ExecSpec) *ExecResult

	// Error knobs. When set, the corresponding method fails with the error.
	FailCreate error
	FailStart  error
	FailStop   error
	FailRemove error
	FailPull   error
	FailPing   error
}

// New creates an empty fake engine.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*Container),
		execs:      make(map[string]*execInstance),
		volumes:    make(map[string]bool),
		missing:    make(map[string]bool),
		digests:    make(map[string][]string),
	}
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%06d", prefix, f.nextID)
}

// Container returns the fake record for a docker id, or nil.
func (f *Fake) Container(dockerID string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[dockerID]
}

// AddContainer seeds a container directly, returning its docker id.
func (f *Fake) AddContainer(c *Container) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.DockerID == "" {
		c.DockerID = f.newID("docker")
	}
	if c.Files == nil {
		c.Files = map[string]*File{
			"/workspace": {Dir: true, Mode: 0o755 | os.ModeDir, MTime: time.Now()},
		}
	}
	f.containers[c.DockerID] = c
	return c.DockerID
}

// SeedFile writes a file into a fake container's filesystem, creating
// parent directories.
func (f *Fake) SeedFile(dockerID, p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[dockerID]
	c.putFile(path.Clean(p), data, 0o644, time.Now())
}

// MarkImageMissing makes ImagePresent report false until the image is pulled.
func (f *Fake) MarkImageMissing(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[ref] = true
}

// SetRepoDigests scripts the digests reported for an image.
func (f *Fake) SetRepoDigests(ref string, digests []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[ref] = digests
}

func (c *Container) putFile(p string, data []byte, mode os.FileMode, mtime time.Time) {
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := c.Files[dir]; !ok {
			c.Files[dir] = &File{Dir: true, Mode: 0o755 | os.ModeDir, MTime: mtime}
		}
	}
	c.Files[p] = &File{Data: data, Mode: mode, MTime: mtime}
}

func (c *Container) removeSubtree(p string) {
	delete(c.Files, p)
	prefix := p + "/"
	for k := range c.Files {
		if strings.HasPrefix(k, prefix) {
			delete(c.Files, k)
		}
	}
}

// CreateContainer creates a fake container.
func (f *Fake) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		return "", f.FailCreate
	}

	c := &Container{
		DockerID: f.newID("docker"),
		Name:     spec.Name,
		Image:    spec.Image,
		Labels:   spec.Labels,
		Status:   "created",
		Mounts: []runtime.MountInfo{
			{Type: "volume", Name: spec.VolumeName, Destination: spec.WorkspacePath},
		},
		Files: map[string]*File{
			spec.WorkspacePath: {Dir: true, Mode: 0o755 | os.ModeDir, MTime: time.Now()},
		},
	}
	f.containers[c.DockerID] = c
	if spec.VolumeName != "" {
		f.volumes[spec.VolumeName] = true
	}
	return c.DockerID, nil
}

// StartContainer marks a container running.
func (f *Fake) StartContainer(ctx context.Context, dockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailStart != nil {
		return f.FailStart
	}
	c, ok := f.containers[dockerID]
	if !ok {
		return fmt.Errorf("failed to start container %s: %w", dockerID, runtime.ErrNotFound)
	}
	c.Status = "running"
	return nil
}

// StopContainer marks a container exited.
func (f *Fake) StopContainer(ctx context.Context, dockerID string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailStop != nil {
		return f.FailStop
	}
	c, ok := f.containers[dockerID]
	if !ok {
		return fmt.Errorf("failed to stop container %s: %w", dockerID, runtime.ErrNotFound)
	}
	c.Status = "exited"
	return nil
}

// RemoveContainer deletes a container and optionally its volumes.
func (f *Fake) RemoveContainer(ctx context.Context, dockerID string, force, removeVolumes bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailRemove != nil {
		return f.FailRemove
	}
	c, ok := f.containers[dockerID]
	if !ok {
		return fmt.Errorf("failed to remove container %s: %w", dockerID, runtime.ErrNotFound)
	}
	if c.Status == "running" && !force {
		return fmt.Errorf("failed to remove container %s: container is running", dockerID)
	}
	if removeVolumes {
		for _, m := range c.Mounts {
			if m.Type == "volume" {
				delete(f.volumes, m.Name)
			}
		}
	}
	delete(f.containers, dockerID)
	f.RemovedContainers = append(f.RemovedContainers, dockerID)
	return nil
}

// InspectContainer returns the engine view of a container.
func (f *Fake) InspectContainer(ctx context.Context, dockerID string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[dockerID]
	if !ok {
		return nil, fmt.Errorf("failed to inspect container %s: %w", dockerID, runtime.ErrNotFound)
	}
	return &runtime.ContainerInfo{
		DockerID: c.DockerID,
		Name:     c.Name,
		Status:   c.Status,
		Image:    c.Image,
		Labels:   c.Labels,
		Mounts:   c.Mounts,
	}, nil
}

// ListLabelled returns containers carrying the label ("key=value" or "key").
func (f *Fake) ListLabelled(ctx context.Context, label string) ([]*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, value, hasValue := strings.Cut(label, "=")

	var out []*runtime.ContainerInfo
	for _, c := range f.containers {
		v, ok := c.Labels[key]
		if !ok || (hasValue && v != value) {
			continue
		}
		out = append(out, &runtime.ContainerInfo{
			DockerID: c.DockerID,
			Name:     c.Name,
			Status:   c.Status,
			Image:    c.Image,
			Labels:   c.Labels,
			Mounts:   c.Mounts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DockerID < out[j].DockerID })
	return out, nil
}

// ExecCreate registers an exec instance.
func (f *Fake) ExecCreate(ctx context.Context, dockerID string, spec runtime.ExecSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[dockerID]
	if !ok {
		return "", fmt.Errorf("failed to create exec: %w", runtime.ErrNotFound)
	}

	var result *ExecResult
	if f.ExecHandler != nil {
		result = f.ExecHandler(c, spec)
	}
	if result == nil {
		result = f.interpret(c, spec)
	}

	id := f.newID("exec")
	f.execs[id] = &execInstance{containerID: dockerID, spec: spec, result: result, running: true}
	return id, nil
}

// StreamExec delivers the scripted output, honoring Block and ctx.
func (f *Fake) StreamExec(ctx context.Context, execID string, stdout, stderr io.Writer) error {
	f.mu.Lock()
	inst, ok := f.execs[execID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("failed to attach to exec %s: %w", execID, runtime.ErrNotFound)
	}

	if len(inst.result.Stdout) > 0 {
		if _, err := stdout.Write(inst.result.Stdout); err != nil {
			return err
		}
	}
	if len(inst.result.Stderr) > 0 {
		if _, err := stderr.Write(inst.result.Stderr); err != nil {
			return err
		}
	}

	if inst.result.Block != nil {
		select {
		case <-inst.result.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	inst.running = false
	f.mu.Unlock()
	return nil
}

// ExecInspect reports the scripted exit code.
func (f *Fake) ExecInspect(ctx context.Context, execID string) (*runtime.ExecStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.execs[execID]
	if !ok {
		return nil, fmt.Errorf("failed to inspect exec %s: %w", execID, runtime.ErrNotFound)
	}
	return &runtime.ExecStatus{Running: inst.running, ExitCode: inst.result.ExitCode}, nil
}

// RunExec creates, streams, and inspects in one call.
func (f *Fake) RunExec(ctx context.Context, dockerID string, spec runtime.ExecSpec) (int, []byte, []byte, error) {
	execID, err := f.ExecCreate(ctx, dockerID, spec)
	if err != nil {
		return 0, nil, nil, err
	}
	var stdout, stderr bytes.Buffer
	if err := f.StreamExec(ctx, execID, &stdout, &stderr); err != nil {
		return 0, stdout.Bytes(), stderr.Bytes(), err
	}
	status, err := f.ExecInspect(ctx, execID)
	if err != nil {
		return 0, stdout.Bytes(), stderr.Bytes(), err
	}
	return status.ExitCode, stdout.Bytes(), stderr.Bytes(), nil
}

// interpret emulates the handful of helper commands the managers issue.
// Callers needing anything richer script it via ExecHandler.
func (f *Fake) interpret(c *Container, spec runtime.ExecSpec) *ExecResult {
	if len(spec.Cmd) == 0 {
		return &ExecResult{ExitCode: 127}
	}

	switch spec.Cmd[0] {
	case "echo":
		return &ExecResult{Stdout: []byte(strings.Join(spec.Cmd[1:], " ") + "\n")}

	case "mkdir":
		target := path.Clean(spec.Cmd[len(spec.Cmd)-1])
		c.Files[target] = &File{Dir: true, Mode: 0o755 | os.ModeDir, MTime: time.Now()}
		for dir := path.Dir(target); dir != "/" && dir != "."; dir = path.Dir(dir) {
			if _, ok := c.Files[dir]; !ok {
				c.Files[dir] = &File{Dir: true, Mode: 0o755 | os.ModeDir, MTime: time.Now()}
			}
		}
		return &ExecResult{}

	case "rm":
		target := path.Clean(spec.Cmd[len(spec.Cmd)-1])
		c.removeSubtree(target)
		return &ExecResult{}

	case "test":
		if len(spec.Cmd) != 3 {
			return &ExecResult{ExitCode: 2}
		}
		entry, ok := c.Files[path.Clean(spec.Cmd[2])]
		switch spec.Cmd[1] {
		case "-e":
			if ok {
				return &ExecResult{}
			}
		case "-d":
			if ok && entry.Dir {
				return &ExecResult{}
			}
		}
		return &ExecResult{ExitCode: 1}

	case "find":
		return f.interpretFind(c, spec.Cmd)

	case "sh":
		// The only scripted shell use is the warm-pool workspace scrub.
		script := spec.Cmd[len(spec.Cmd)-1]
		if strings.Contains(script, "rm -rf /workspace") {
			for k := range c.Files {
				if strings.HasPrefix(k, "/workspace/") {
					delete(c.Files, k)
				}
			}
		}
		return &ExecResult{}

	case "sleep":
		return &ExecResult{Block: make(chan struct{})}
	}

	return &ExecResult{ExitCode: 127, Stderr: []byte(spec.Cmd[0] + ": not found\n")}
}

func (f *Fake) interpretFind(c *Container, cmd []string) *ExecResult {
	if len(cmd) < 2 {
		return &ExecResult{ExitCode: 2}
	}
	root := path.Clean(cmd[1])
	if _, ok := c.Files[root]; !ok {
		return &ExecResult{ExitCode: 1, Stderr: []byte("find: no such file or directory\n")}
	}

	var names []string
	prefix := root + "/"
	for k := range c.Files {
		if strings.HasPrefix(k, prefix) && !strings.Contains(k[len(prefix):], "/") {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var out bytes.Buffer
	for _, name := range names {
		entry := c.Files[name]
		kind := "f"
		if entry.Dir {
			kind = "d"
		}
		fmt.Fprintf(&out, "%s|%d|%o|%d.0000000000|%s\n",
			name, len(entry.Data), entry.Mode.Perm(), entry.MTime.Unix(), kind)
	}
	return &ExecResult{Stdout: out.Bytes()}
}

// CopyTo extracts a tar stream into the fake filesystem under path.
func (f *Fake) CopyTo(ctx context.Context, dockerID, p string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[dockerID]
	if !ok {
		return fmt.Errorf("failed to copy into container %s: %w", dockerID, runtime.ErrNotFound)
	}

	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		target := path.Join(p, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			c.Files[target] = &File{Dir: true, Mode: os.FileMode(hdr.Mode) | os.ModeDir, MTime: hdr.ModTime}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("failed to read tar member: %w", err)
			}
			c.putFile(target, data, os.FileMode(hdr.Mode), time.Now())
		default:
			// Links and specials are accepted and dropped.
		}
	}
}

// CopyFrom packs a path from the fake filesystem into a tar stream.
func (f *Fake) CopyFrom(ctx context.Context, dockerID, p string) (io.ReadCloser, *runtime.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[dockerID]
	if !ok {
		return nil, nil, fmt.Errorf("failed to copy from container %s: %w", dockerID, runtime.ErrNotFound)
	}

	p = path.Clean(p)
	entry, ok := c.Files[p]
	if !ok {
		return nil, nil, fmt.Errorf("failed to copy from container %s at %s: %w", dockerID, p, runtime.ErrNotFound)
	}

	base := path.Base(p)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeEntry := func(name string, file *File) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    int64(file.Mode.Perm()),
			ModTime: file.MTime,
		}
		if file.Dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(file.Data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !file.Dir {
			if _, err := tw.Write(file.Data); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeEntry(base, entry); err != nil {
		return nil, nil, err
	}
	if entry.Dir {
		var children []string
		prefix := p + "/"
		for k := range c.Files {
			if strings.HasPrefix(k, prefix) {
				children = append(children, k)
			}
		}
		sort.Strings(children)
		for _, k := range children {
			if err := writeEntry(path.Join(base, strings.TrimPrefix(k, prefix)), c.Files[k]); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, nil, err
	}

	return io.NopCloser(&buf), fakeStat(p, entry), nil
}

// StatPath stats a path in the fake filesystem.
func (f *Fake) StatPath(ctx context.Context, dockerID, p string) (*runtime.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[dockerID]
	if !ok {
		return nil, fmt.Errorf("failed to stat in container %s: %w", dockerID, runtime.ErrNotFound)
	}
	p = path.Clean(p)
	entry, ok := c.Files[p]
	if !ok {
		return nil, fmt.Errorf("failed to stat %s: %w", p, runtime.ErrNotFound)
	}
	return fakeStat(p, entry), nil
}

func fakeStat(p string, file *File) *runtime.PathStat {
	mode := file.Mode
	if file.Dir {
		mode |= os.ModeDir
	}
	return &runtime.PathStat{
		Name:  path.Base(p),
		Size:  int64(len(file.Data)),
		Mode:  mode,
		MTime: file.MTime,
	}
}

// ImagePresent reports image presence; images default to present.
func (f *Fake) ImagePresent(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[ref], nil
}

// PullImage records the pull and marks the image present.
func (f *Fake) PullImage(ctx context.Context, ref, encodedAuth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailPull != nil {
		return f.FailPull
	}
	delete(f.missing, ref)
	f.Pulled = append(f.Pulled, ref)
	f.PulledAuth = append(f.PulledAuth, encodedAuth)
	return nil
}

// ImageRepoDigests returns the scripted digests for an image.
func (f *Fake) ImageRepoDigests(ctx context.Context, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.digests[ref], nil
}

// RemoveVolume deletes a volume; missing volumes are not-found errors.
func (f *Fake) RemoveVolume(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemovedVolumes = append(f.RemovedVolumes, name)
	if !f.volumes[name] {
		return fmt.Errorf("failed to remove volume %s: %w", name, runtime.ErrNotFound)
	}
	delete(f.volumes, name)
	return nil
}

// HasVolume reports whether a volume exists.
func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}

// Ping reports engine reachability.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FailPing
}

// ServerVersion returns a fixed version string.
func (f *Fake) ServerVersion(ctx context.Context) (string, error) {
	return "fake-engine-1.0", nil
}

// Close is a no-op.
func (f *Fake) Close() error {
	return nil
}

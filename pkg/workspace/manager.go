// Package workspace implements the filesystem manager for the confined
// /workspace tree inside containers. Content moves through the engine's
// archive endpoints; metadata and structural operations use short helper
// execs. The manager holds no state between calls, so any number of
// operations may run concurrently against different paths.
package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

const fallbackMIME = "application/octet-stream"

// FileInfo describes a workspace path.
type FileInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	IsDir       bool      `json:"is_dir"`
	Permissions string    `json:"permissions"`
	MTime       time.Time `json:"mtime"`
	ETag        string    `json:"etag"`
	MIME        string    `json:"mime_type,omitempty"`
}

// Manager performs file operations inside container workspaces.
type Manager struct {
	store   storage.Store
	runtime runtime.Runtime
	audit   *audit.Logger
}

// NewManager creates a workspace Manager.
func NewManager(store storage.Store, rt runtime.Runtime, auditLog *audit.Logger) *Manager {
	return &Manager{store: store, runtime: rt, audit: auditLog}
}

func (m *Manager) resolve(ctx context.Context, cid string) (*types.Container, error) {
	return m.store.GetContainerByIdentifier(ctx, cid)
}

// Read returns a file's content and metadata.
func (m *Manager) Read(ctx context.Context, cid, p string) ([]byte, *FileInfo, error) {
	validated, err := ValidatePath(p)
	if err != nil {
		return nil, nil, err
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, nil, err
	}

	content, stat, err := m.readFile(ctx, c.DockerID, validated)
	if err != nil {
		return nil, nil, err
	}

	metrics.FSOperationsTotal.WithLabelValues("read").Inc()
	m.audit.Event(audit.EventFSRead,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"path": validated, "size": len(content)}))

	return content, fileInfoFor(validated, content, stat), nil
}

// readFile fetches a regular file through the archive endpoint.
func (m *Manager) readFile(ctx context.Context, dockerID, validated string) ([]byte, *runtime.PathStat, error) {
	reader, stat, err := m.runtime.CopyFrom(ctx, dockerID, validated)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, nil, &types.FileNotFoundError{Path: validated}
		}
		return nil, nil, &types.RuntimeError{Op: "read file", Err: err}
	}
	defer reader.Close()

	if stat.IsDir() {
		return nil, nil, &types.ValidationError{Field: "path", Reason: fmt.Sprintf("'%s' is a directory", validated)}
	}

	base := path.Base(validated)
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read archive stream: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == base {
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read archive member: %w", err)
			}
			return content, stat, nil
		}
	}
	return nil, nil, &types.FileNotFoundError{Path: validated}
}

// Write stores a file, creating parent directories as needed. When
// ifMatchETag is set and the file exists, the write only proceeds if the
// current etag matches; a missing file is created regardless.
func (m *Manager) Write(ctx context.Context, cid, p string, content []byte, ifMatchETag string) (*FileInfo, error) {
	validated, err := ValidatePath(p)
	if err != nil {
		return nil, err
	}
	if validated == types.WorkspacePath {
		return nil, &types.PathSecurityError{Path: p, Reason: "cannot write the workspace root"}
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, err
	}

	if ifMatchETag != "" {
		existing, stat, err := m.readFile(ctx, c.DockerID, validated)
		switch {
		case types.IsFileNotFound(err):
			// Absent target: the conditional write creates it.
		case err != nil:
			return nil, err
		default:
			actual := FileETag(existing, stat.MTime)
			if actual != ifMatchETag {
				return nil, &types.FileConflictError{Path: validated, ExpectedETag: ifMatchETag, ActualETag: actual}
			}
		}
	}

	if err := m.uploadFile(ctx, c.DockerID, validated, content); err != nil {
		return nil, err
	}

	stat, err := m.runtime.StatPath(ctx, c.DockerID, validated)
	if err != nil {
		return nil, &types.RuntimeError{Op: "stat written file", Err: err}
	}

	metrics.FSOperationsTotal.WithLabelValues("write").Inc()
	m.audit.Event(audit.EventFSWrite,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"path": validated, "size": len(content)}))

	return fileInfoFor(validated, content, stat), nil
}

func (m *Manager) uploadFile(ctx context.Context, dockerID, validated string, content []byte) error {
	parent := path.Dir(validated)
	if err := m.ensureDir(ctx, dockerID, parent); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(validated),
		Mode:    0o644,
		Uid:     1000,
		Gid:     1000,
		Size:    int64(len(content)),
		ModTime: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to build upload archive: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to build upload archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to build upload archive: %w", err)
	}

	if err := m.runtime.CopyTo(ctx, dockerID, parent, &buf); err != nil {
		if runtime.IsNotFound(err) {
			return &types.FileNotFoundError{Path: parent}
		}
		return &types.RuntimeError{Op: "write file", Err: err}
	}
	return nil
}

func (m *Manager) ensureDir(ctx context.Context, dockerID, dir string) error {
	exit, _, stderr, err := m.runtime.RunExec(ctx, dockerID, runtime.ExecSpec{
		Cmd:  []string{"mkdir", "-p", dir},
		User: "0",
	})
	if err != nil {
		return &types.RuntimeError{Op: "create parent directories", Err: err}
	}
	if exit != 0 {
		return &types.RuntimeError{Op: "create parent directories",
			Err: fmt.Errorf("mkdir exited %d: %s", exit, strings.TrimSpace(string(stderr)))}
	}
	return nil
}

// Delete removes a file or directory tree. The workspace root itself is
// protected.
func (m *Manager) Delete(ctx context.Context, cid, p string) error {
	validated, err := ValidatePath(p)
	if err != nil {
		return err
	}
	if validated == types.WorkspacePath {
		return &types.PathSecurityError{Path: p, Reason: "cannot delete the workspace root"}
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return err
	}

	// rm -rf succeeds on missing paths, so absence is checked first.
	if _, err := m.runtime.StatPath(ctx, c.DockerID, validated); err != nil {
		if runtime.IsNotFound(err) {
			return &types.FileNotFoundError{Path: validated}
		}
		return &types.RuntimeError{Op: "stat path", Err: err}
	}

	exit, _, stderr, err := m.runtime.RunExec(ctx, c.DockerID, runtime.ExecSpec{
		Cmd:  []string{"rm", "-rf", "--", validated},
		User: "0",
	})
	if err != nil {
		return &types.RuntimeError{Op: "delete path", Err: err}
	}
	if exit != 0 {
		return &types.RuntimeError{Op: "delete path",
			Err: fmt.Errorf("rm exited %d: %s", exit, strings.TrimSpace(string(stderr)))}
	}

	metrics.FSOperationsTotal.WithLabelValues("delete").Inc()
	m.audit.Event(audit.EventFSDelete,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"path": validated}))
	return nil
}

// Stat returns metadata for a path.
func (m *Manager) Stat(ctx context.Context, cid, p string) (*FileInfo, error) {
	validated, err := ValidatePath(p)
	if err != nil {
		return nil, err
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, err
	}

	stat, err := m.runtime.StatPath(ctx, c.DockerID, validated)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, &types.FileNotFoundError{Path: validated}
		}
		return nil, &types.RuntimeError{Op: "stat path", Err: err}
	}

	info := &FileInfo{
		Path:        validated,
		Size:        stat.Size,
		IsDir:       stat.IsDir(),
		Permissions: fmt.Sprintf("%04o", stat.Mode.Perm()),
		MTime:       stat.MTime.UTC(),
	}
	if stat.IsDir() {
		info.ETag = DirETag(validated, stat.MTime)
	} else {
		content, _, err := m.readFile(ctx, c.DockerID, validated)
		if err != nil {
			return nil, err
		}
		info.ETag = FileETag(content, stat.MTime)
		info.MIME = mimeFor(validated)
	}

	metrics.FSOperationsTotal.WithLabelValues("stat").Inc()
	m.audit.Event(audit.EventFSStat,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"path": validated}))
	return info, nil
}

// List returns the immediate children of a directory, sorted by the helper
// command's path order. A missing directory is FileNotFound; an empty one
// returns an empty slice.
func (m *Manager) List(ctx context.Context, cid, p string) ([]FileInfo, error) {
	validated, err := ValidatePath(p)
	if err != nil {
		return nil, err
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, err
	}

	exit, stdout, _, err := m.runtime.RunExec(ctx, c.DockerID, runtime.ExecSpec{
		Cmd:  []string{"find", validated, "-maxdepth", "1", "-mindepth", "1", "-printf", `%p|%s|%m|%T@|%y\n`},
		User: "0",
	})
	if err != nil {
		return nil, &types.RuntimeError{Op: "list directory", Err: err}
	}
	if exit != 0 {
		if _, statErr := m.runtime.StatPath(ctx, c.DockerID, validated); runtime.IsNotFound(statErr) {
			return nil, &types.FileNotFoundError{Path: validated}
		}
		return nil, &types.RuntimeError{Op: "list directory", Err: fmt.Errorf("find exited %d", exit)}
	}

	entries := parseFindOutput(stdout)

	metrics.FSOperationsTotal.WithLabelValues("list").Inc()
	m.audit.Event(audit.EventFSList,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{"path": validated, "entries": len(entries)}))
	return entries, nil
}

// parseFindOutput decodes "path|size|mode|epoch|type" lines. Unparseable
// lines are skipped; filenames containing the separator are a known gap of
// the helper format.
func parseFindOutput(out []byte) []FileInfo {
	entries := []FileInfo{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 5 {
			continue
		}

		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			continue
		}
		mtime := time.Unix(int64(epoch), 0).UTC()

		perm := parts[2]
		if len(perm) == 3 {
			perm = "0" + perm
		}
		info := FileInfo{
			Path:        parts[0],
			Size:        size,
			IsDir:       parts[4] == "d",
			Permissions: perm,
			MTime:       mtime,
			ETag:        EntryETag(parts[0], size, mtime),
		}
		if !info.IsDir {
			info.MIME = mimeFor(info.Path)
		}
		entries = append(entries, info)
	}
	return entries
}

func fileInfoFor(validated string, content []byte, stat *runtime.PathStat) *FileInfo {
	return &FileInfo{
		Path:        validated,
		Size:        int64(len(content)),
		IsDir:       false,
		Permissions: fmt.Sprintf("%04o", stat.Mode.Perm()),
		MTime:       stat.MTime.UTC(),
		ETag:        FileETag(content, stat.MTime),
		MIME:        mimeFor(validated),
	}
}

func mimeFor(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return fallbackMIME
}

// currentETag returns the etag of an existing file, or "" when absent.
func (m *Manager) currentETag(ctx context.Context, dockerID, validated string) (string, bool, error) {
	content, stat, err := m.readFile(ctx, dockerID, validated)
	if types.IsFileNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return FileETag(content, stat.MTime), true, nil
}

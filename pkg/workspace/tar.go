package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/docker/go-units"
	"github.com/moby/go-archive/compression"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/types"
)

// DefaultImportMaxMB caps import archives when the caller does not.
const DefaultImportMaxMB = 100

// ExportTar streams a workspace subtree as a tar archive. Member names are
// matched slash-relative to the exported root against the include and
// exclude globs; an empty include list admits everything. When compress is
// set the stream is gzipped.
//
// The archive is produced lazily as the returned reader is consumed; the
// caller must close it. Errors surfaced after the first byte arrive
// through the reader.
func (m *Manager) ExportTar(ctx context.Context, cid, p string, includeGlobs, excludeGlobs []string, compress bool) (io.ReadCloser, error) {
	validated, err := ValidatePath(p)
	if err != nil {
		return nil, err
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, err
	}

	reader, _, err := m.runtime.CopyFrom(ctx, c.DockerID, validated)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, &types.FileNotFoundError{Path: validated}
		}
		return nil, &types.RuntimeError{Op: "export workspace", Err: err}
	}

	pr, pw := io.Pipe()
	go func() {
		defer reader.Close()

		cw := &countingWriter{w: pw}
		var out io.Writer = cw
		var gz *gzip.Writer
		if compress {
			gz = gzip.NewWriter(cw)
			out = gz
		}
		tw := tar.NewWriter(out)

		base := path.Base(validated)
		tr := tar.NewReader(reader)
		written := 0
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read export stream: %w", err))
				return
			}

			rel := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, base), "/")
			if !globAdmit(rel, hdr.FileInfo().IsDir(), includeGlobs, excludeGlobs) {
				continue
			}

			if err := tw.WriteHeader(hdr); err != nil {
				pw.CloseWithError(fmt.Errorf("failed to write export member: %w", err))
				return
			}
			if hdr.Typeflag == tar.TypeReg {
				if _, err := io.Copy(tw, tr); err != nil {
					pw.CloseWithError(fmt.Errorf("failed to write export member: %w", err))
					return
				}
			}
			written++
		}

		if err := tw.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("failed to finalize export archive: %w", err))
			return
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				pw.CloseWithError(fmt.Errorf("failed to finalize export archive: %w", err))
				return
			}
		}

		m.audit.Event(audit.EventTransferExport,
			audit.WithContainerID(c.ID),
			audit.WithDetails(map[string]any{
				"path":    validated,
				"members": written,
				"size":    units.HumanSize(float64(cw.n)),
			}))
		pw.Close()
	}()

	return pr, nil
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// globAdmit decides whether a member survives the include/exclude filters.
// The archive root itself (empty relative name) and directories leading to
// admitted files are kept unless explicitly excluded.
func globAdmit(rel string, isDir bool, includeGlobs, excludeGlobs []string) bool {
	for _, g := range excludeGlobs {
		if matchGlob(g, rel) {
			return false
		}
	}
	if len(includeGlobs) == 0 || rel == "" || isDir {
		return true
	}
	for _, g := range includeGlobs {
		if matchGlob(g, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, rel string) bool {
	if ok, err := path.Match(pattern, rel); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, path.Base(rel))
	return err == nil && ok
}

// ImportTar extracts an archive into a workspace directory. The source may
// be plain or compressed tar. Every member is validated before anything is
// extracted: names escaping the destination reject the whole archive.
func (m *Manager) ImportTar(ctx context.Context, cid, dest string, src io.Reader, maxSizeMB int) error {
	validatedDest, err := ValidatePath(dest)
	if err != nil {
		return err
	}
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return err
	}

	if maxSizeMB <= 0 {
		maxSizeMB = DefaultImportMaxMB
	}
	maxBytes := int64(maxSizeMB) * units.MiB

	var raw bytes.Buffer
	n, err := io.Copy(&raw, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return fmt.Errorf("failed to buffer import archive: %w", err)
	}
	if n > maxBytes {
		return &types.SizeLimitError{What: "import archive", Limit: maxBytes, Actual: n}
	}

	decompressed, err := compression.DecompressStream(&raw)
	if err != nil {
		return &types.ValidationError{Field: "archive", Reason: fmt.Sprintf("unreadable archive: %v", err)}
	}
	defer decompressed.Close()

	// Re-pack while validating: either every member is safe and lands in
	// one CopyTo, or nothing is extracted.
	var repacked bytes.Buffer
	tw := tar.NewWriter(&repacked)
	logger := log.WithComponent("workspace")

	tr := tar.NewReader(decompressed)
	members := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &types.ValidationError{Field: "archive", Reason: fmt.Sprintf("corrupt archive: %v", err)}
		}

		if err := validateMemberName(hdr.Name, validatedDest); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			logger.Warn().
				Str("container_id", c.ID).
				Str("member", hdr.Name).
				Str("target", hdr.Linkname).
				Msg("Importing link member")
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to repack archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return fmt.Errorf("failed to repack archive: %w", err)
			}
		}
		members++
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to repack archive: %w", err)
	}

	if err := m.ensureDir(ctx, c.DockerID, validatedDest); err != nil {
		return err
	}
	if err := m.runtime.CopyTo(ctx, c.DockerID, validatedDest, &repacked); err != nil {
		return &types.RuntimeError{Op: "import archive", Err: err}
	}

	m.audit.Event(audit.EventTransferImport,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{
			"dest":    validatedDest,
			"members": members,
			"size":    units.HumanSize(float64(n)),
		}))
	return nil
}

// validateMemberName rejects archive members that would land outside the
// destination directory.
func validateMemberName(name, dest string) error {
	if path.IsAbs(name) {
		return &types.PathSecurityError{Path: name, Reason: "archive member has an absolute name"}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return &types.PathSecurityError{Path: name, Reason: "archive member contains a parent-directory segment"}
		}
	}
	joined := path.Clean(path.Join(dest, name))
	if joined != dest && !strings.HasPrefix(joined, dest+"/") {
		return &types.PathSecurityError{Path: name, Reason: "archive member escapes the destination"}
	}
	return nil
}

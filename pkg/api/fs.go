package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/benchd/benchd/pkg/workspace"
)

type fsReadRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Path        string `json:"path" validate:"required"`
}

func (s *Server) handleFSRead(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsReadRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	content, info, err := s.deps.Files.Read(ctx, req.ContainerID, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":   content,
		"etag":      info.ETag,
		"size":      info.Size,
		"mime_type": info.MIME,
	}, nil
}

type fsWriteRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Path        string `json:"path" validate:"required"`
	Content     []byte `json:"content"`
	IfMatchETag string `json:"if_match_etag"`
}

func (s *Server) handleFSWrite(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsWriteRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	info, err := s.deps.Files.Write(ctx, req.ContainerID, req.Path, req.Content, req.IfMatchETag)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path": info.Path,
		"etag": info.ETag,
		"size": info.Size,
	}, nil
}

type fsDeleteRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Path        string `json:"path" validate:"required"`
}

func (s *Server) handleFSDelete(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsDeleteRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	if err := s.deps.Files.Delete(ctx, req.ContainerID, req.Path); err != nil {
		return nil, err
	}
	return map[string]string{"status": "deleted", "path": req.Path}, nil
}

type fsStatRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Path        string `json:"path" validate:"required"`
}

func (s *Server) handleFSStat(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsStatRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return s.deps.Files.Stat(ctx, req.ContainerID, req.Path)
}

type fsListRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Path        string `json:"path"`
}

func (s *Server) handleFSList(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsListRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		req.Path = "/workspace"
	}

	entries, err := s.deps.Files.List(ctx, req.ContainerID, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": req.Path, "entries": entries}, nil
}

type fsBatchRequest struct {
	ContainerID string         `json:"container_id" validate:"required"`
	Ops         []workspace.Op `json:"ops" validate:"required,min=1"`
}

func (s *Server) handleFSBatch(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsBatchRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return s.deps.Files.Batch(ctx, req.ContainerID, req.Ops)
}

type fsExportRequest struct {
	ContainerID  string   `json:"container_id" validate:"required"`
	Path         string   `json:"path" validate:"required"`
	IncludeGlobs []string `json:"include_globs"`
	ExcludeGlobs []string `json:"exclude_globs"`
	Compress     bool     `json:"compress"`
}

func (s *Server) handleFSExport(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsExportRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	rc, err := s.deps.Files.ExportTar(ctx, req.ContainerID, req.Path,
		req.IncludeGlobs, req.ExcludeGlobs, req.Compress)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	archive, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"archive": archive, "size": len(archive)}, nil
}

type fsImportRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Dest        string `json:"dest" validate:"required"`
	Archive     []byte `json:"archive" validate:"required"`
	MaxSizeMB   int    `json:"max_size_mb"`
}

func (s *Server) handleFSImport(ctx context.Context, body json.RawMessage) (any, error) {
	var req fsImportRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.MaxSizeMB <= 0 {
		req.MaxSizeMB = workspace.DefaultImportMaxMB
	}

	if err := s.deps.Files.ImportTar(ctx, req.ContainerID, req.Dest,
		bytes.NewReader(req.Archive), req.MaxSizeMB); err != nil {
		return nil, err
	}
	return map[string]string{"status": "imported", "dest": req.Dest}, nil
}

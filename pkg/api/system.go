package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/types"
)

type reconcileRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleReconcile(ctx context.Context, body json.RawMessage) (any, error) {
	var req reconcileRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return s.deps.Reconciler.Reconcile(ctx)
}

func (s *Server) handleGarbageCollect(ctx context.Context, body json.RawMessage) (any, error) {
	stats, err := s.deps.Reconciler.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	s.deps.Audit.Event(audit.EventSystemGC, audit.WithDetails(map[string]any{
		"containers_removed": stats.CleanedUp,
		"execs_cleaned":      stats.ExecsRetired,
	}))

	return map[string]int{
		"containers_removed":  stats.CleanedUp,
		"execs_cleaned":       stats.ExecsRetired,
		"attachments_cleaned": 0,
	}, nil
}

type healthResponse struct {
	Status              string `json:"status"`
	DockerConnected     bool   `json:"docker_connected"`
	DatabaseInitialized bool   `json:"database_initialized"`
	Version             string `json:"version"`
}

// healthSnapshot probes the engine and the store. It never fails; a broken
// dependency degrades the status instead.
func (s *Server) healthSnapshot(ctx context.Context) (healthResponse, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dockerOK := s.deps.Runtime.Ping(probeCtx) == nil
	_, dbErr := s.deps.Store.CountContainersByStatus(probeCtx, types.ContainerStatusRunning)
	dbOK := dbErr == nil

	status := "healthy"
	if !dockerOK || !dbOK {
		status = "degraded"
	}
	return healthResponse{
		Status:              status,
		DockerConnected:     dockerOK,
		DatabaseInitialized: dbOK,
		Version:             s.deps.Version,
	}, dockerOK && dbOK
}

func (s *Server) handleHealthTool(ctx context.Context, body json.RawMessage) (any, error) {
	resp, _ := s.healthSnapshot(ctx)
	return resp, nil
}

// storeSizer is implemented by stores that can report their on-disk size.
type storeSizer interface {
	Size() int64
}

func (s *Server) handleSystemStatus(ctx context.Context, body json.RawMessage) (any, error) {
	health, _ := s.healthSnapshot(ctx)

	activeContainers, _ := s.deps.Store.CountContainersByStatus(ctx, types.ContainerStatusRunning)
	activeAttachments, _ := s.deps.Store.CountActiveAttachments(ctx)

	var storeSize int64
	if sizer, ok := s.deps.Store.(storeSizer); ok {
		storeSize = sizer.Size()
	}

	return map[string]any{
		"status":               health.Status,
		"docker_connected":     health.DockerConnected,
		"database_initialized": health.DatabaseInitialized,
		"active_containers":    activeContainers,
		"active_attachments":   activeAttachments,
		"warm_pool_ready":      s.deps.Pool.Ready(),
		"store_size":           storeSize,
		"uptime_s":             int64(time.Since(s.startedAt).Seconds()),
		"version":              s.deps.Version,
	}, nil
}

// handleMetricsTool renders the Prometheus registry as text, for clients
// that can only reach the tool catalog.
func (s *Server) handleMetricsTool(ctx context.Context, body json.RawMessage) (any, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return map[string]string{"metrics": buf.String()}, nil
}

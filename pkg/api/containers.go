package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/lo"

	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/types"
)

type containerJSON struct {
	ContainerID string    `json:"container_id"`
	Alias       *string   `json:"alias,omitempty"`
	Image       string    `json:"image"`
	Digest      *string   `json:"digest,omitempty"`
	Persistent  bool      `json:"persistent"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
	TTLSeconds  *int64    `json:"ttl_s,omitempty"`
	VolumeName  *string   `json:"volume_name,omitempty"`
}

func containerToJSON(c *types.Container) containerJSON {
	return containerJSON{
		ContainerID: c.ID,
		Alias:       c.Alias,
		Image:       c.Image,
		Digest:      c.Digest,
		Persistent:  c.Persistent,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		LastSeen:    c.LastSeen,
		TTLSeconds:  c.TTLSeconds,
		VolumeName:  c.VolumeName,
	}
}

type spawnRequest struct {
	Image          string `json:"image" validate:"required"`
	Persistent     bool   `json:"persistent"`
	Alias          string `json:"alias"`
	TTLSeconds     *int64 `json:"ttl_s"`
	IdempotencyKey string `json:"idempotency_key"`
}

type spawnResponse struct {
	ContainerID string  `json:"container_id"`
	Alias       *string `json:"alias,omitempty"`
	Status      string  `json:"status"`
}

// handleSpawn provisions a running container. The fast path claims the
// warm slot when the request matches what the pool pre-provisions;
// everything else goes through a full create + start.
func (s *Server) handleSpawn(ctx context.Context, body json.RawMessage) (any, error) {
	var req spawnRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	if s.warmEligible(req) {
		if claimed := s.deps.Pool.Claim(ctx, req.Alias); claimed != nil {
			logger := log.WithComponent("api")
			logger.Debug().
				Str("container_id", claimed.ID).
				Msg("Spawn served from warm pool")
			return s.spawnResult(ctx, claimed.ID)
		}
	}

	c, err := s.deps.Containers.Create(ctx, container.CreateRequest{
		Image:          req.Image,
		Alias:          req.Alias,
		Persistent:     req.Persistent,
		TTLSeconds:     req.TTLSeconds,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if err := s.deps.Containers.Start(ctx, c.ID); err != nil {
		return nil, err
	}
	return s.spawnResult(ctx, c.ID)
}

// warmEligible reports whether a spawn can be served by the warm pool:
// the default image, transient, and no idempotency key (key bookkeeping
// lives on the create path only).
func (s *Server) warmEligible(req spawnRequest) bool {
	return req.Image == s.deps.Config.DefaultImageAlias &&
		!req.Persistent &&
		req.IdempotencyKey == ""
}

func (s *Server) spawnResult(ctx context.Context, id string) (any, error) {
	c, err := s.deps.Containers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return spawnResponse{ContainerID: c.ID, Alias: c.Alias, Status: string(c.Status)}, nil
}

type attachRequest struct {
	Target     string `json:"target" validate:"required"`
	ClientName string `json:"client_name" validate:"required"`
	SessionID  string `json:"session_id"`
}

func (s *Server) handleAttach(ctx context.Context, body json.RawMessage) (any, error) {
	var req attachRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	c, roots, err := s.deps.Containers.Attach(ctx, req.Target, req.ClientName, req.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"container_id": c.ID,
		"alias":        c.Alias,
		"roots":        roots,
	}, nil
}

type killRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Force       bool   `json:"force"`
}

func (s *Server) handleKill(ctx context.Context, body json.RawMessage) (any, error) {
	var req killRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	c, err := s.deps.Containers.Get(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Containers.Remove(ctx, c.ID, req.Force); err != nil {
		return nil, err
	}
	return map[string]string{"status": "removed"}, nil
}

type listContainersRequest struct {
	IncludeStopped bool `json:"include_stopped"`
}

func (s *Server) handleListContainers(ctx context.Context, body json.RawMessage) (any, error) {
	var req listContainersRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	containers, err := s.deps.Containers.List(ctx, req.IncludeStopped)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"containers": lo.Map(containers, func(c *types.Container, _ int) containerJSON {
			return containerToJSON(c)
		}),
	}, nil
}

package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/benchd/benchd/pkg/executor"
	"github.com/benchd/benchd/pkg/stream"
	"github.com/benchd/benchd/pkg/types"
)

type execRequest struct {
	ContainerID    string            `json:"container_id"`
	Target         string            `json:"target"`
	Cmd            []string          `json:"cmd" validate:"required,min=1"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	AsRoot         bool              `json:"as_root"`
	TimeoutSeconds int               `json:"timeout_s"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func (s *Server) handleExec(ctx context.Context, body json.RawMessage) (any, error) {
	var req execRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	target := req.ContainerID
	if target == "" {
		target = req.Target
	}
	if target == "" {
		return nil, &types.ValidationError{Field: "container_id", Reason: "container_id or target is required"}
	}

	execID, err := s.deps.Execs.Submit(ctx, executor.SubmitRequest{
		ContainerID:    target,
		Cmd:            req.Cmd,
		Cwd:            req.Cwd,
		Env:            req.Env,
		AsRoot:         req.AsRoot,
		TimeoutSeconds: req.TimeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"exec_id": execID, "status": "running"}, nil
}

type execCancelRequest struct {
	ExecID string `json:"exec_id" validate:"required"`
}

func (s *Server) handleExecCancel(ctx context.Context, body json.RawMessage) (any, error) {
	var req execCancelRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	if err := s.deps.Execs.Cancel(ctx, req.ExecID); err != nil {
		return nil, err
	}
	return map[string]string{"exec_id": req.ExecID, "status": "cancelled"}, nil
}

type execPollRequest struct {
	ExecID   string `json:"exec_id" validate:"required"`
	AfterSeq *int64 `json:"after_seq"`
}

// pollMessage is the wire shape of one buffered chunk. Data is rendered as
// UTF-8 text with invalid bytes replaced, so output stays greppable.
type pollMessage struct {
	Seq      int64            `json:"seq"`
	Stream   string           `json:"stream,omitempty"`
	Data     string           `json:"data,omitempty"`
	TS       time.Time        `json:"ts"`
	ExitCode *int             `json:"exit_code,omitempty"`
	Usage    *types.ExecUsage `json:"usage,omitempty"`
	Complete bool             `json:"complete"`
}

func (s *Server) handleExecPoll(ctx context.Context, body json.RawMessage) (any, error) {
	var req execPollRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	chunks, complete, err := s.deps.Execs.Poll(ctx, req.ExecID, req.AfterSeq)
	if err != nil {
		return nil, err
	}

	messages := lo.Map(chunks, func(c stream.Chunk, _ int) pollMessage {
		return pollMessage{
			Seq:      c.Seq,
			Stream:   c.Stream,
			Data:     strings.ToValidUTF8(string(c.Data), "�"),
			TS:       c.TS.UTC(),
			ExitCode: c.ExitCode,
			Usage:    c.Usage,
			Complete: c.Complete,
		}
	})
	return map[string]any{"messages": messages, "complete": complete}, nil
}

type listExecsRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
}

type execJSON struct {
	ExecID      string           `json:"exec_id"`
	ContainerID string           `json:"container_id"`
	Cmd         []string         `json:"cmd"`
	Cwd         string           `json:"cwd"`
	AsRoot      bool             `json:"as_root,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Usage       *types.ExecUsage `json:"usage,omitempty"`
}

func (s *Server) handleListExecs(ctx context.Context, body json.RawMessage) (any, error) {
	var req listExecsRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	c, err := s.deps.Containers.Get(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	execs, err := s.deps.Store.ListExecsByContainer(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"execs": lo.Map(execs, func(e *types.Exec, _ int) execJSON {
			return execJSON{
				ExecID:      e.ExecID,
				ContainerID: e.ContainerID,
				Cmd:         e.Command.Cmd,
				Cwd:         e.Command.Cwd,
				AsRoot:      e.AsRoot,
				StartedAt:   e.StartedAt,
				EndedAt:     e.EndedAt,
				ExitCode:    e.ExitCode,
				Usage:       e.Usage,
			}
		}),
	}, nil
}

package workspace

import (
	"context"
	"fmt"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/types"
)

// Op is a single batch operation.
type Op struct {
	Type        string `json:"type"` // read, write, delete, move, copy
	Path        string `json:"path"`
	DestPath    string `json:"dest_path,omitempty"`
	Content     []byte `json:"content,omitempty"`
	IfMatchETag string `json:"if_match_etag,omitempty"`
}

// OpResult is the outcome of one batch operation.
type OpResult struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	ETag    string `json:"etag,omitempty"`
}

// BatchResult summarizes a batch: either every operation succeeded, or the
// batch failed at FailedIndex and all prior mutations were rolled back.
type BatchResult struct {
	Success           bool       `json:"success"`
	Results           []OpResult `json:"results,omitempty"`
	RollbackPerformed bool       `json:"rollback_performed,omitempty"`
	Error             string     `json:"error,omitempty"`
	FailedIndex       *int       `json:"failed_index,omitempty"`
}

// journalEntry records a path's pre-mutation state: its original content,
// or nil when the path did not exist.
type journalEntry struct {
	path    string
	content []byte
	existed bool
}

// Batch executes operations in order with all-or-nothing semantics. Every
// path is validated and every supplied etag is checked before the first
// mutation; a mid-batch failure replays the journal in reverse to restore
// the pre-batch state.
func (m *Manager) Batch(ctx context.Context, cid string, ops []Op) (*BatchResult, error) {
	c, err := m.resolve(ctx, cid)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &BatchResult{Success: true}, nil
	}

	validated := make([]Op, len(ops))
	for i, op := range ops {
		v := op
		v.Path, err = ValidatePath(op.Path)
		if err != nil {
			return batchFailure(i, fmt.Sprintf("invalid path: %v", err), false), nil
		}
		switch op.Type {
		case "read", "write", "delete":
		case "move", "copy":
			v.DestPath, err = ValidatePath(op.DestPath)
			if err != nil {
				return batchFailure(i, fmt.Sprintf("invalid dest_path: %v", err), false), nil
			}
		default:
			return batchFailure(i, fmt.Sprintf("unknown op type %q", op.Type), false), nil
		}
		validated[i] = v
	}

	if result := m.precheck(ctx, c.DockerID, validated); result != nil {
		return result, nil
	}

	results := make([]OpResult, 0, len(validated))
	var journal []journalEntry

	for i, op := range validated {
		res, entries, err := m.applyOp(ctx, c.DockerID, cid, op)
		if err != nil {
			// The failed op may have mutated before failing (a move that
			// wrote its destination, say); its journal rolls back too.
			rolledBack := m.rollback(ctx, cid, append(journal, entries...))
			result := batchFailure(i, err.Error(), rolledBack)
			m.auditBatch(c.ID, len(ops), false)
			return result, nil
		}
		journal = append(journal, entries...)
		results = append(results, *res)
	}

	metrics.FSOperationsTotal.WithLabelValues("batch").Inc()
	m.auditBatch(c.ID, len(ops), true)
	return &BatchResult{Success: true, Results: results}, nil
}

func batchFailure(index int, message string, rolledBack bool) *BatchResult {
	i := index
	return &BatchResult{
		Success:           false,
		RollbackPerformed: rolledBack,
		Error:             message,
		FailedIndex:       &i,
	}
}

// precheck verifies etags and source existence before any mutation.
func (m *Manager) precheck(ctx context.Context, dockerID string, ops []Op) *BatchResult {
	for i, op := range ops {
		switch op.Type {
		case "write":
			if op.IfMatchETag == "" {
				continue
			}
			actual, exists, err := m.currentETag(ctx, dockerID, op.Path)
			if err != nil {
				return batchFailure(i, err.Error(), false)
			}
			if exists && actual != op.IfMatchETag {
				return batchFailure(i, fmt.Sprintf("etag mismatch for '%s'", op.Path), false)
			}
		case "read", "delete", "move", "copy":
			actual, exists, err := m.currentETag(ctx, dockerID, op.Path)
			if err != nil {
				return batchFailure(i, err.Error(), false)
			}
			if !exists {
				return batchFailure(i, fmt.Sprintf("file not found: %s", op.Path), false)
			}
			if op.Type == "delete" && op.IfMatchETag != "" && actual != op.IfMatchETag {
				return batchFailure(i, fmt.Sprintf("etag mismatch for '%s'", op.Path), false)
			}
		}
	}
	return nil
}

// applyOp executes one operation and returns the journal entries needed to
// undo it.
func (m *Manager) applyOp(ctx context.Context, dockerID, cid string, op Op) (*OpResult, []journalEntry, error) {
	switch op.Type {
	case "read":
		content, stat, err := m.readFile(ctx, dockerID, op.Path)
		if err != nil {
			return nil, nil, err
		}
		return &OpResult{Type: op.Type, Path: op.Path, Content: content,
			ETag: FileETag(content, stat.MTime)}, nil, nil

	case "write":
		entry, err := m.journalPath(ctx, dockerID, op.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := m.uploadFile(ctx, dockerID, op.Path, op.Content); err != nil {
			return nil, []journalEntry{entry}, err
		}
		stat, err := m.runtime.StatPath(ctx, dockerID, op.Path)
		if err != nil {
			return nil, []journalEntry{entry}, &types.RuntimeError{Op: "stat written file", Err: err}
		}
		return &OpResult{Type: op.Type, Path: op.Path,
			ETag: FileETag(op.Content, stat.MTime)}, []journalEntry{entry}, nil

	case "delete":
		entry, err := m.journalPath(ctx, dockerID, op.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := m.removePath(ctx, dockerID, op.Path); err != nil {
			return nil, []journalEntry{entry}, err
		}
		return &OpResult{Type: op.Type, Path: op.Path}, []journalEntry{entry}, nil

	case "move":
		src, err := m.journalPath(ctx, dockerID, op.Path)
		if err != nil {
			return nil, nil, err
		}
		dest, err := m.journalPath(ctx, dockerID, op.DestPath)
		if err != nil {
			return nil, nil, err
		}
		entries := []journalEntry{src, dest}
		if err := m.uploadFile(ctx, dockerID, op.DestPath, src.content); err != nil {
			return nil, entries, err
		}
		if err := m.removePath(ctx, dockerID, op.Path); err != nil {
			return nil, entries, err
		}
		return &OpResult{Type: op.Type, Path: op.DestPath}, entries, nil

	case "copy":
		src, _, err := m.readFile(ctx, dockerID, op.Path)
		if err != nil {
			return nil, nil, err
		}
		dest, err := m.journalPath(ctx, dockerID, op.DestPath)
		if err != nil {
			return nil, nil, err
		}
		if err := m.uploadFile(ctx, dockerID, op.DestPath, src); err != nil {
			return nil, []journalEntry{dest}, err
		}
		return &OpResult{Type: op.Type, Path: op.DestPath}, []journalEntry{dest}, nil
	}

	return nil, nil, fmt.Errorf("unknown op type %q", op.Type)
}

func (m *Manager) journalPath(ctx context.Context, dockerID, p string) (journalEntry, error) {
	content, _, err := m.readFile(ctx, dockerID, p)
	if types.IsFileNotFound(err) {
		return journalEntry{path: p}, nil
	}
	if err != nil {
		return journalEntry{}, err
	}
	return journalEntry{path: p, content: content, existed: true}, nil
}

func (m *Manager) removePath(ctx context.Context, dockerID, p string) error {
	exit, _, stderr, err := m.runtime.RunExec(ctx, dockerID, runtime.ExecSpec{
		Cmd:  []string{"rm", "-rf", "--", p},
		User: "0",
	})
	if err != nil {
		return &types.RuntimeError{Op: "delete path", Err: err}
	}
	if exit != 0 {
		return &types.RuntimeError{Op: "delete path", Err: fmt.Errorf("rm exited %d: %s", exit, stderr)}
	}
	return nil
}

// rollback replays the journal in reverse, restoring original content and
// deleting paths that did not exist. Failures are logged and skipped; the
// batch reports rollback as performed either way.
func (m *Manager) rollback(ctx context.Context, cid string, journal []journalEntry) bool {
	if len(journal) == 0 {
		return false
	}

	logger := log.WithComponent("workspace")
	c, err := m.resolve(ctx, cid)
	if err != nil {
		logger.Error().Err(err).Msg("Rollback could not resolve container")
		return true
	}

	for i := len(journal) - 1; i >= 0; i-- {
		entry := journal[i]
		var undoErr error
		if entry.existed {
			undoErr = m.uploadFile(ctx, c.DockerID, entry.path, entry.content)
		} else {
			undoErr = m.removePath(ctx, c.DockerID, entry.path)
		}
		if undoErr != nil {
			logger.Error().
				Err(undoErr).
				Str("container_id", c.ID).
				Str("path", entry.path).
				Msg("Rollback step failed")
		}
	}
	return true
}

func (m *Manager) auditBatch(containerID string, ops int, success bool) {
	m.audit.Event(audit.EventFSBatch,
		audit.WithContainerID(containerID),
		audit.WithDetails(map[string]any{"ops": ops, "success": success}))
}

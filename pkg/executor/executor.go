// Package executor implements the exec manager. Commands are submitted,
// admitted per container through a FIFO semaphore, run against the engine
// in a worker goroutine, and streamed into the output buffers for
// cursor-based polling.
//
//	Submit ──> exec row ──> buffer init ──> worker goroutine
//	                                           |
//	              admission (cap 4/container) ─┤
//	              engine exec + stream ────────┤
//	              completion: buffer + row ────┘
//
// Exec output lives only in process memory; a restart keeps the rows but
// not the buffers, and polls for pre-restart execs report completion with
// no chunks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/stream"
	"github.com/benchd/benchd/pkg/types"
)

const (
	// MaxConcurrentPerContainer caps simultaneously running execs in one
	// container; further submissions queue FIFO.
	MaxConcurrentPerContainer = 4

	// DefaultTimeoutSeconds bounds an exec when the caller does not.
	DefaultTimeoutSeconds = 600

	// IdempotencyWindow bounds how long an exec idempotency key replays
	// the original exec id.
	IdempotencyWindow = 24 * time.Hour

	// CancelledMarker is appended to stderr when an exec is cancelled.
	CancelledMarker = "[CANCELLED]"
)

// errCancelled is the cancellation cause distinguishing client cancels
// from timeouts.
var errCancelled = errors.New("exec cancelled")

// SecurityProfile supplies the uid execs run as.
type SecurityProfile interface {
	ExecUser(asRoot bool) string
}

// SubmitRequest describes a command to run.
type SubmitRequest struct {
	ContainerID    string // container id or alias
	Cmd            []string
	Cwd            string
	Env            map[string]string
	AsRoot         bool
	TimeoutSeconds int
	IdempotencyKey string
}

type idemEntry struct {
	execID    string
	createdAt time.Time
}

// Manager owns exec submission, admission, and completion.
type Manager struct {
	store    storage.Store
	runtime  runtime.Runtime
	streamer *stream.Streamer
	profile  SecurityProfile
	audit    *audit.Logger

	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
	cancels    map[string]context.CancelCauseFunc
	idem       map[string]idemEntry

	wg sync.WaitGroup
}

// NewManager creates an exec Manager.
func NewManager(store storage.Store, rt runtime.Runtime, streamer *stream.Streamer, profile SecurityProfile, auditLog *audit.Logger) *Manager {
	return &Manager{
		store:      store,
		runtime:    rt,
		streamer:   streamer,
		profile:    profile,
		audit:      auditLog,
		semaphores: make(map[string]*semaphore.Weighted),
		cancels:    make(map[string]context.CancelCauseFunc),
		idem:       make(map[string]idemEntry),
	}
}

// Submit registers an exec and starts its worker. It returns as soon as the
// exec row is durable; output is collected asynchronously.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Cmd) == 0 {
		return "", &types.ValidationError{Field: "cmd", Reason: "must not be empty"}
	}
	if req.Cwd == "" {
		req.Cwd = types.WorkspacePath
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if req.IdempotencyKey != "" {
		m.mu.Lock()
		entry, ok := m.idem[req.IdempotencyKey]
		m.mu.Unlock()
		if ok && time.Since(entry.createdAt) < IdempotencyWindow {
			return entry.execID, nil
		}
	}

	c, err := m.store.GetContainerByIdentifier(ctx, req.ContainerID)
	if err != nil {
		return "", err
	}

	execID := "e_" + uuid.NewString()
	now := time.Now().UTC()

	e := &types.Exec{
		ExecID:      execID,
		ContainerID: c.ID,
		Command: types.ExecCommand{
			Cmd: req.Cmd,
			Cwd: req.Cwd,
			Env: req.Env,
		},
		AsRoot:    req.AsRoot,
		StartedAt: now,
	}

	// The idempotency entry and the durable row are committed under one
	// critical section so a concurrent retry either sees both or neither.
	m.mu.Lock()
	if err := m.store.CreateExec(ctx, e); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("failed to persist exec: %w", err)
	}
	m.streamer.Init(execID)
	if req.IdempotencyKey != "" {
		m.idem[req.IdempotencyKey] = idemEntry{execID: execID, createdAt: now}
	}

	workerCtx, cancel := context.WithCancelCause(context.Background())
	m.cancels[execID] = cancel
	m.mu.Unlock()

	if req.AsRoot {
		m.audit.Event(audit.EventSecurityAsRoot,
			audit.WithContainerID(c.ID),
			audit.WithDetails(map[string]any{"exec_id": execID, "cmd": req.Cmd}))
	}
	m.audit.Event(audit.EventExecStart,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{
			"exec_id": execID,
			"cmd":     req.Cmd,
			"cwd":     req.Cwd,
			"env":     audit.RedactEnv(req.Env),
			"as_root": req.AsRoot,
		}))

	metrics.ExecsActive.Inc()
	m.wg.Add(1)
	go m.run(workerCtx, c, e, req)

	return execID, nil
}

// countingWriter appends everything written to one stream of the buffer.
type countingWriter struct {
	streamer *stream.Streamer
	execID   string
	name     string
	n        int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	data := make([]byte, len(p))
	copy(data, p)
	w.streamer.Append(w.execID, w.name, data)
	return len(p), nil
}

func (m *Manager) run(ctx context.Context, c *types.Container, e *types.Exec, req SubmitRequest) {
	defer m.wg.Done()

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	started := time.Now()
	stdout := &countingWriter{streamer: m.streamer, execID: e.ExecID, name: stream.StreamStdout}
	stderr := &countingWriter{streamer: m.streamer, execID: e.ExecID, name: stream.StreamStderr}

	sem := m.semaphoreFor(c.ID)
	exitCode := types.ExitCodeInternalError
	usage := types.ExecUsage{}

	if err := sem.Acquire(runCtx, 1); err != nil {
		m.finish(c, e, started, stdout, stderr, exitCode, runCtx, err, usage)
		return
	}
	defer sem.Release(1)

	runErr := m.execute(runCtx, c, e, req, stdout, stderr, &exitCode)
	m.finish(c, e, started, stdout, stderr, exitCode, runCtx, runErr, usage)
}

func (m *Manager) execute(ctx context.Context, c *types.Container, e *types.Exec, req SubmitRequest, stdout, stderr *countingWriter, exitCode *int) error {
	engineExecID, err := m.runtime.ExecCreate(ctx, c.DockerID, runtime.ExecSpec{
		Cmd:        req.Cmd,
		WorkingDir: req.Cwd,
		Env:        req.Env,
		User:       m.profile.ExecUser(req.AsRoot),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine exec: %w", err)
	}

	if err := m.runtime.StreamExec(ctx, engineExecID, stdout, stderr); err != nil {
		return fmt.Errorf("failed to stream exec output: %w", err)
	}

	status, err := m.runtime.ExecInspect(ctx, engineExecID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	*exitCode = status.ExitCode
	return nil
}

func (m *Manager) finish(c *types.Container, e *types.Exec, started time.Time, stdout, stderr *countingWriter, exitCode int, runCtx context.Context, runErr error, usage types.ExecUsage) {
	logger := log.WithComponent("executor").With().
		Str("container_id", c.ID).
		Str("exec_id", e.ExecID).
		Logger()

	outcome := "success"
	if runErr != nil {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, errCancelled):
			m.streamer.Append(e.ExecID, stream.StreamStderr, []byte(CancelledMarker+"\n"))
			exitCode = types.ExitCodeCancelled
			usage.Cancelled = true
			outcome = "cancelled"
		case errors.Is(cause, context.DeadlineExceeded):
			exitCode = types.ExitCodeInternalError
			usage.Timeout = true
			outcome = "timeout"
			logger.Warn().Int("timeout_s", int(time.Since(started).Seconds())).Msg("Exec timed out")
		default:
			exitCode = types.ExitCodeInternalError
			usage.Error = true
			outcome = "error"
			logger.Error().Err(runErr).Msg("Exec failed")
		}
	} else if exitCode != 0 {
		outcome = "nonzero_exit"
	}

	usage.WallMS = time.Since(started).Milliseconds()
	usage.StdoutBytes = stdout.n
	usage.StderrBytes = stderr.n

	m.streamer.Complete(e.ExecID, exitCode, usage)

	// The worker's context may already be dead; completion must still be
	// recorded.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.CompleteExec(persistCtx, e.ExecID, time.Now().UTC(), exitCode, &usage); err != nil {
		logger.Error().Err(err).Msg("Failed to persist exec completion")
	}

	m.mu.Lock()
	delete(m.cancels, e.ExecID)
	m.mu.Unlock()

	metrics.ExecsActive.Dec()
	metrics.ExecsTotal.WithLabelValues(outcome).Inc()
	metrics.ExecDuration.Observe(time.Since(started).Seconds())
	metrics.OutputBytes.Observe(float64(stdout.n + stderr.n))

	m.audit.Event(audit.EventExecComplete,
		audit.WithContainerID(c.ID),
		audit.WithDetails(map[string]any{
			"exec_id":   e.ExecID,
			"exit_code": exitCode,
			"outcome":   outcome,
			"wall_ms":   usage.WallMS,
		}))
}

func (m *Manager) semaphoreFor(containerID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.semaphores[containerID]
	if !ok {
		sem = semaphore.NewWeighted(MaxConcurrentPerContainer)
		m.semaphores[containerID] = sem
	}
	return sem
}

// Poll returns buffered chunks after the cursor and the completion flag.
// Execs whose buffers were already swept report completion with no chunks.
func (m *Manager) Poll(ctx context.Context, execID string, afterSeq *int64) ([]stream.Chunk, bool, error) {
	e, err := m.store.GetExec(ctx, execID)
	if err != nil {
		return nil, false, err
	}

	if m.streamer.Stats(execID) == nil {
		return nil, e.Ended(), nil
	}

	chunks, complete := m.streamer.Poll(execID, afterSeq)
	return chunks, complete, nil
}

// Cancel stops output delivery for a running exec and records it as
// cancelled. The engine-side process itself cannot be killed through the
// exec API; it is abandoned. Already-ended execs are a no-op.
func (m *Manager) Cancel(ctx context.Context, execID string) error {
	e, err := m.store.GetExec(ctx, execID)
	if err != nil {
		return err
	}
	if e.Ended() {
		return nil
	}

	m.mu.Lock()
	cancel, ok := m.cancels[execID]
	m.mu.Unlock()
	if ok {
		cancel(errCancelled)
	}

	m.audit.Event(audit.EventExecCancel,
		audit.WithContainerID(e.ContainerID),
		audit.WithDetails(map[string]any{"exec_id": execID}))
	return nil
}

// ListActiveIn returns the running execs of a container.
func (m *Manager) ListActiveIn(ctx context.Context, containerID string) ([]*types.Exec, error) {
	return m.store.ListActiveExecsByContainer(ctx, containerID)
}

// CleanupOlderThan retires completed exec rows older than the cutoff,
// discards their buffers, and expires stale idempotency entries. Returns
// the number of rows removed.
func (m *Manager) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	stale, err := m.store.ListCompletedExecsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale execs: %w", err)
	}

	logger := log.WithComponent("executor")
	removed := 0
	for _, e := range stale {
		if err := m.store.DeleteExec(ctx, e.ExecID); err != nil {
			logger.Error().
				Err(err).
				Str("exec_id", e.ExecID).
				Msg("Failed to delete stale exec")
			continue
		}
		m.streamer.Cleanup(e.ExecID)
		removed++
	}

	m.streamer.CleanupCompletedOlderThan(age)
	m.sweepIdempotencyEntries()

	return removed, nil
}

func (m *Manager) sweepIdempotencyEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.idem {
		if time.Since(entry.createdAt) >= IdempotencyWindow {
			delete(m.idem, key)
		}
	}
}

// Wait blocks until all worker goroutines have finished. Used by shutdown
// and tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

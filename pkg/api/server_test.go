package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/config"
	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/executor"
	"github.com/benchd/benchd/pkg/imagepolicy"
	"github.com/benchd/benchd/pkg/reconciler"
	"github.com/benchd/benchd/pkg/runtime/runtimetest"
	"github.com/benchd/benchd/pkg/security"
	"github.com/benchd/benchd/pkg/shutdown"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/stream"
	"github.com/benchd/benchd/pkg/warmpool"
	"github.com/benchd/benchd/pkg/workspace"
)

const testImage = "python:3.11-slim"

type stubDrain struct {
	v atomic.Bool
}

func (d *stubDrain) Draining() bool { return d.v.Load() }

type apiFixture struct {
	store  storage.Store
	fake   *runtimetest.Fake
	drain  *stubDrain
	pool   *warmpool.Pool
	server *Server
	ts     *httptest.Server
}

func newAPIFixture(t *testing.T, mutate func(cfg *config.Config)) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		AllowedRegistries: []string{"docker.io"},
		StateDB:           filepath.Join(t.TempDir(), "state.db"),
		BasePath:          "/api/v1",
		AuthMode:          "none",
		NetworkMode:       "bridge",
		DefaultImageAlias: testImage,
		TransientGCDays:   7,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.NewSQLiteStore(cfg.StateDB)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := runtimetest.New()
	auditLog := audit.NewLogger(zerolog.Nop(), nil)
	policy, err := imagepolicy.New(fake, cfg.AllowedRegistries, "")
	require.NoError(t, err)
	profile := security.NewProfile(cfg.NetworkMode)

	cm := container.NewManager(store, fake, policy, profile, auditLog)
	streamer := stream.New()
	em := executor.NewManager(store, fake, streamer, profile, auditLog)
	t.Cleanup(em.Wait)
	fm := workspace.NewManager(store, fake, auditLog)
	pool := warmpool.New(cm, store, fake, cfg.DefaultImageAlias, cfg.WarmPoolEnabled, time.Hour)
	engine := reconciler.New(store, fake, em, auditLog, cfg.TransientGCDays)
	drain := &stubDrain{}

	server := NewServer(Deps{
		Config:     cfg,
		Store:      store,
		Runtime:    fake,
		Containers: cm,
		Execs:      em,
		Files:      fm,
		Pool:       pool,
		Reconciler: engine,
		Drain:      drain,
		Audit:      auditLog,
		Version:    "test",
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{
		store:  store,
		fake:   fake,
		drain:  drain,
		pool:   pool,
		server: server,
		ts:     ts,
	}
}

// callTool POSTs a tool request and decodes the JSON response.
func (f *apiFixture) callTool(t *testing.T, name string, req any) (int, map[string]any) {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+"/api/v1/tools/"+name, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (f *apiFixture) spawn(t *testing.T, req map[string]any) string {
	t.Helper()
	status, out := f.callTool(t, "spawn", req)
	require.Equal(t, http.StatusOK, status, "spawn response: %v", out)
	require.Equal(t, "running", out["status"])
	return out["container_id"].(string)
}

func TestUnknownTool(t *testing.T) {
	f := newAPIFixture(t, nil)
	status, out := f.callTool(t, "no_such_tool", map[string]any{})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeValidation, errorCode(out))
}

func TestSpawnValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	status, out := f.callTool(t, "spawn", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeValidation, errorCode(out))
}

func TestSpawnAndKill(t *testing.T) {
	f := newAPIFixture(t, nil)

	cid := f.spawn(t, map[string]any{"image": testImage, "alias": "bench"})

	status, out := f.callTool(t, "kill", map[string]any{"container_id": cid})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "removed", out["status"])

	status, out = f.callTool(t, "kill", map[string]any{"container_id": cid})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeContainerNotFound, errorCode(out))
}

func TestSpawnAliasConflict(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.spawn(t, map[string]any{"image": testImage, "alias": "dev"})
	status, out := f.callTool(t, "spawn", map[string]any{"image": testImage, "alias": "dev"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeAliasInUse, errorCode(out))
}

func TestSpawnIdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := map[string]any{"image": testImage, "idempotency_key": "replay-1"}
	first := f.spawn(t, req)
	second := f.spawn(t, req)
	assert.Equal(t, first, second)
}

func TestSpawnFromWarmPool(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.WarmPoolEnabled = true })
	f.pool.Start(t.Context())
	defer f.pool.Stop()
	require.True(t, f.pool.Ready())

	parked, err := f.store.ListContainers(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	cid := f.spawn(t, map[string]any{"image": testImage, "alias": "fast"})
	assert.Equal(t, parked[0].ID, cid, "spawn claimed the parked container")
}

func TestSpawnImagePolicyRejected(t *testing.T) {
	f := newAPIFixture(t, nil)
	status, out := f.callTool(t, "spawn", map[string]any{"image": "evil.example.com/malware:latest"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, CodeImagePolicy, errorCode(out))
}

func TestAttach(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage, "alias": "attachme"})

	status, out := f.callTool(t, "attach", map[string]any{
		"target":      "attachme",
		"client_name": "ide",
		"session_id":  "sess-1",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, cid, out["container_id"])
	roots := out["roots"].([]any)
	require.Len(t, roots, 1)
	assert.Equal(t, "workspace:"+cid, roots[0])
}

func TestExecAndPoll(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	status, out := f.callTool(t, "exec", map[string]any{
		"container_id": cid,
		"cmd":          []string{"echo", "hello world"},
	})
	require.Equal(t, http.StatusOK, status)
	execID := out["exec_id"].(string)
	assert.Equal(t, "running", out["status"])

	messages := f.pollUntilComplete(t, execID)
	var combined string
	var sawCompletion bool
	lastSeq := int64(-1)
	for _, m := range messages {
		msg := m.(map[string]any)
		seq := int64(msg["seq"].(float64))
		assert.Greater(t, seq, lastSeq, "sequence numbers are monotonic")
		lastSeq = seq
		if msg["complete"].(bool) {
			sawCompletion = true
			assert.Equal(t, float64(0), msg["exit_code"].(float64))
		} else if data, ok := msg["data"].(string); ok {
			combined += data
		}
	}
	assert.True(t, sawCompletion)
	assert.Contains(t, combined, "hello world")
}

func (f *apiFixture) pollUntilComplete(t *testing.T, execID string) []any {
	t.Helper()

	var messages []any
	require.Eventually(t, func() bool {
		status, out := f.callTool(t, "exec_poll", map[string]any{"exec_id": execID})
		if status != http.StatusOK {
			return false
		}
		messages = out["messages"].([]any)
		return out["complete"].(bool)
	}, 5*time.Second, 10*time.Millisecond)
	return messages
}

func TestExecPollCursor(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	_, out := f.callTool(t, "exec", map[string]any{
		"container_id": cid,
		"cmd":          []string{"echo", "cursor"},
	})
	execID := out["exec_id"].(string)
	messages := f.pollUntilComplete(t, execID)
	require.NotEmpty(t, messages)

	last := messages[len(messages)-1].(map[string]any)
	lastSeq := int64(last["seq"].(float64))

	status, out := f.callTool(t, "exec_poll", map[string]any{
		"exec_id":   execID,
		"after_seq": lastSeq,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, out["messages"])
	assert.True(t, out["complete"].(bool))
}

func TestExecCancelUnknown(t *testing.T) {
	f := newAPIFixture(t, nil)
	status, out := f.callTool(t, "exec_cancel", map[string]any{"exec_id": "e_missing"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeExecNotFound, errorCode(out))
}

func TestListContainersAndExecs(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	_, out := f.callTool(t, "exec", map[string]any{
		"container_id": cid,
		"cmd":          []string{"echo", "x"},
	})
	f.pollUntilComplete(t, out["exec_id"].(string))

	status, out := f.callTool(t, "list_containers", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["containers"], 1)

	status, out = f.callTool(t, "list_execs", map[string]any{"container_id": cid})
	require.Equal(t, http.StatusOK, status)
	execs := out["execs"].([]any)
	require.Len(t, execs, 1)
	assert.Equal(t, cid, execs[0].(map[string]any)["container_id"])
}

func TestDrainGate(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	f.drain.v.Store(true)

	status, _ := f.callTool(t, "spawn", map[string]any{"image": testImage})
	assert.Equal(t, http.StatusServiceUnavailable, status)

	// Read-only tools keep working while draining.
	status, _ = f.callTool(t, "list_containers", map[string]any{})
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.callTool(t, "list_execs", map[string]any{"container_id": cid})
	assert.Equal(t, http.StatusOK, status)
}

func TestBearerAuth(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.AuthMode = "bearer"
		cfg.BearerToken = "s3cret"
	})

	body := bytes.NewReader([]byte(`{}`))
	resp, err := http.Post(f.ts.URL+"/api/v1/tools/list_containers", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/tools/list_containers",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Liveness stays open without credentials.
	resp, err = http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, out := f.callTool(t, "health", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["docker_connected"])
	assert.Equal(t, true, out["database_initialized"])

	resp, err := http.Get(f.ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready before boot reconcile")

	f.server.MarkReady()
	resp, err = http.Get(f.ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthDegradedWhenEngineDown(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.fake.FailPing = errors.New("engine unreachable")

	status, out := f.callTool(t, "health", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, false, out["docker_connected"])
}

func TestSystemStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.spawn(t, map[string]any{"image": testImage})

	status, out := f.callTool(t, "system_status", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, float64(1), out["active_containers"])
	assert.Equal(t, "test", out["version"])
	assert.Greater(t, out["store_size"].(float64), float64(0))
}

func TestReconcileTool(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.spawn(t, map[string]any{"image": testImage})

	status, out := f.callTool(t, "reconcile", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["discovered"])
	assert.Equal(t, float64(0), out["adopted"])
}

func TestGarbageCollectTool(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, out := f.callTool(t, "garbage_collect", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, out, "containers_removed")
	assert.Contains(t, out, "execs_cleaned")
	assert.Contains(t, out, "attachments_cleaned")
}

func TestMetricsEndpointAndTool(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, out := f.callTool(t, "metrics", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, out["metrics"].(string), "benchd_")
}

// Shutdown's coordinator satisfies the server's drain surface.
var _ DrainSignal = (*shutdown.Coordinator)(nil)

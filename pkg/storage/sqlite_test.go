package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchd/benchd/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testContainer(id string) *types.Container {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Container{
		ID:        id,
		DockerID:  "docker-" + id,
		Image:     "docker.io/library/alpine:latest",
		CreatedAt: now,
		LastSeen:  now,
		Status:    types.ContainerStatusStopped,
	}
}

func strPtr(s string) *string { return &s }

func TestContainerCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := testContainer("c_1")
	c.Alias = strPtr("dev")
	vol := types.PersistVolumeName("c_1")
	c.VolumeName = &vol
	c.Persistent = true

	require.NoError(t, store.CreateContainer(ctx, c))

	got, err := store.GetContainer(ctx, "c_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.DockerID, got.DockerID)
	assert.Equal(t, "dev", *got.Alias)
	assert.True(t, got.Persistent)
	require.NotNil(t, got.VolumeName)
	assert.Equal(t, vol, *got.VolumeName)
	assert.Equal(t, types.ContainerStatusStopped, got.Status)

	byAlias, err := store.GetContainerByAlias(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, byAlias)
	assert.Equal(t, "c_1", byAlias.ID)

	byIdent, err := store.GetContainerByIdentifier(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, byIdent)
	assert.Equal(t, "c_1", byIdent.ID)

	byDocker, err := store.GetContainerByDockerID(ctx, "docker-c_1")
	require.NoError(t, err)
	require.NotNil(t, byDocker)

	missing, err := store.GetContainer(ctx, "c_missing")
	assert.True(t, types.IsContainerNotFound(err))
	assert.Nil(t, missing)

	require.NoError(t, store.UpdateContainerStatus(ctx, "c_1", types.ContainerStatusRunning))
	got, err = store.GetContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, got.Status)

	later := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.UpdateContainerLastSeen(ctx, "c_1", later))
	got, err = store.GetContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastSeen, time.Second)

	require.NoError(t, store.DeleteContainer(ctx, "c_1"))
	_, err = store.GetContainer(ctx, "c_1")
	assert.True(t, types.IsContainerNotFound(err))
}

func TestUpdateMissingContainer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateContainerStatus(ctx, "c_none", types.ContainerStatusRunning)
	assert.True(t, types.IsContainerNotFound(err))
}

func TestLookupsReportTypedNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetContainer(ctx, "c_nope")
	assert.True(t, types.IsContainerNotFound(err))

	_, err = store.GetContainerByAlias(ctx, "nope")
	assert.True(t, types.IsContainerNotFound(err))

	_, err = store.GetContainerByIdentifier(ctx, "nope")
	assert.True(t, types.IsContainerNotFound(err))

	_, err = store.GetContainerByDockerID(ctx, "nope")
	assert.True(t, types.IsContainerNotFound(err))

	_, err = store.GetContainerByIdempotencyKey(ctx, "nope")
	assert.True(t, types.IsContainerNotFound(err))

	_, err = store.GetExec(ctx, "e_nope")
	assert.True(t, types.IsExecNotFound(err))
}

func TestIdentifierFallsBackToAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := testContainer("c_1")
	c.Alias = strPtr("dev-box")
	require.NoError(t, store.CreateContainer(ctx, c))

	byAlias, err := store.GetContainerByIdentifier(ctx, "dev-box")
	require.NoError(t, err)
	assert.Equal(t, "c_1", byAlias.ID)

	byID, err := store.GetContainerByIdentifier(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, "c_1", byID.ID)
}

func TestAliasUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testContainer("c_1")
	first.Alias = strPtr("shared")
	require.NoError(t, store.CreateContainer(ctx, first))

	second := testContainer("c_2")
	second.Alias = strPtr("shared")
	err := store.CreateContainer(ctx, second)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Taking the alias via update conflicts the same way.
	third := testContainer("c_3")
	require.NoError(t, store.CreateContainer(ctx, third))
	err = store.UpdateContainerAlias(ctx, "c_3", "shared")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestIdempotencyKeyUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := testContainer("c_1")
	first.IdempotencyKey = strPtr("K")
	first.IdempotencyKeyCreatedAt = &now
	require.NoError(t, store.CreateContainer(ctx, first))

	second := testContainer("c_2")
	second.IdempotencyKey = strPtr("K")
	second.IdempotencyKeyCreatedAt = &now
	err := store.CreateContainer(ctx, second)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	winner, err := store.GetContainerByIdempotencyKey(ctx, "K")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, "c_1", winner.ID)

	// NULL keys never conflict.
	require.NoError(t, store.CreateContainer(ctx, testContainer("c_3")))
	require.NoError(t, store.CreateContainer(ctx, testContainer("c_4")))

	// The key dies with the container; reuse then succeeds.
	require.NoError(t, store.DeleteContainer(ctx, "c_1"))
	require.NoError(t, store.CreateContainer(ctx, second))
}

func TestListContainers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := testContainer("c_run")
	running.Status = types.ContainerStatusRunning
	require.NoError(t, store.CreateContainer(ctx, running))
	require.NoError(t, store.CreateContainer(ctx, testContainer("c_stop")))

	active, err := store.ListContainers(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c_run", active[0].ID)

	all, err := store.ListContainers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	persistent := false
	stopped, err := store.ListContainersByStatus(ctx, types.ContainerStatusStopped, &persistent)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, "c_stop", stopped[0].ID)
}

func TestExecLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, testContainer("c_1")))

	exec := &types.Exec{
		ExecID:      "e_1",
		ContainerID: "c_1",
		Command: types.ExecCommand{
			Cmd: []string{"echo", "hello"},
			Cwd: types.WorkspacePath,
			Env: map[string]string{"FOO": "bar"},
		},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateExec(ctx, exec))

	got, err := store.GetExec(ctx, "e_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"echo", "hello"}, got.Command.Cmd)
	assert.Equal(t, types.WorkspacePath, got.Command.Cwd)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)

	active, err := store.ListActiveExecsByContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	ended := time.Now().UTC()
	usage := &types.ExecUsage{WallMS: 42, StdoutBytes: 6}
	require.NoError(t, store.CompleteExec(ctx, "e_1", ended, 0, usage))

	got, err = store.GetExec(ctx, "e_1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, int64(42), got.Usage.WallMS)

	// ended_at and exit_code are immutable once set.
	require.NoError(t, store.CompleteExec(ctx, "e_1", ended.Add(time.Hour), 99, nil))
	again, err := store.GetExec(ctx, "e_1")
	require.NoError(t, err)
	assert.Equal(t, 0, *again.ExitCode)
	assert.WithinDuration(t, ended, *again.EndedAt, time.Second)

	active, err = store.ListActiveExecsByContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecRetentionQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, testContainer("c_1")))

	old := &types.Exec{
		ExecID:      "e_old",
		ContainerID: "c_1",
		Command:     types.ExecCommand{Cmd: []string{"true"}, Cwd: types.WorkspacePath},
		StartedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}
	recent := &types.Exec{
		ExecID:      "e_recent",
		ContainerID: "c_1",
		Command:     types.ExecCommand{Cmd: []string{"true"}, Cwd: types.WorkspacePath},
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateExec(ctx, old))
	require.NoError(t, store.CreateExec(ctx, recent))
	require.NoError(t, store.CompleteExec(ctx, "e_old", time.Now().UTC().Add(-25*time.Hour), 0, nil))
	require.NoError(t, store.CompleteExec(ctx, "e_recent", time.Now().UTC(), 0, nil))

	expired, err := store.ListCompletedExecsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "e_old", expired[0].ExecID)

	require.NoError(t, store.DeleteExec(ctx, "e_old"))
	gone, err := store.GetExec(ctx, "e_old")
	assert.True(t, types.IsExecNotFound(err))
	assert.Nil(t, gone)
}

func TestAttachments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, testContainer("c_1")))

	a := &types.Attachment{
		ContainerID: "c_1",
		ClientName:  "cli",
		SessionID:   "sess-1",
		AttachedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateAttachment(ctx, a))
	assert.NotZero(t, a.ID)

	b := &types.Attachment{
		ContainerID: "c_1",
		ClientName:  "cli",
		SessionID:   "sess-2",
		AttachedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateAttachment(ctx, b))

	active, err := store.ListActiveAttachments(ctx, "c_1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, store.DetachAttachment(ctx, a.ID, time.Now().UTC()))
	active, err = store.ListActiveAttachments(ctx, "c_1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	n, err := store.DetachAllForContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteContainerDetachesAndCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, testContainer("c_1")))
	require.NoError(t, store.CreateAttachment(ctx, &types.Attachment{
		ContainerID: "c_1", ClientName: "cli", SessionID: "s", AttachedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.CreateExec(ctx, &types.Exec{
		ExecID: "e_1", ContainerID: "c_1",
		Command:   types.ExecCommand{Cmd: []string{"true"}, Cwd: types.WorkspacePath},
		StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, store.DeleteContainer(ctx, "c_1"))

	n, err := store.CountActiveAttachments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := store.GetExec(ctx, "e_1")
	assert.True(t, types.IsExecNotFound(err))
	assert.Nil(t, e)
}

func TestCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := testContainer("c_run")
	running.Status = types.ContainerStatusRunning
	require.NoError(t, store.CreateContainer(ctx, running))
	require.NoError(t, store.CreateContainer(ctx, testContainer("c_stop")))

	n, err := store.CountContainersByStatus(ctx, types.ContainerStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.CreateExec(ctx, &types.Exec{
		ExecID: "e_1", ContainerID: "c_run",
		Command:   types.ExecCommand{Cmd: []string{"sleep", "1"}, Cwd: types.WorkspacePath},
		StartedAt: time.Now().UTC(),
	}))

	n, err = store.CountActiveExecs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVacuum(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Vacuum(context.Background()))
	assert.Greater(t, store.Size(), int64(0))
}

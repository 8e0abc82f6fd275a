package shutdown

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/imagepolicy"
	"github.com/benchd/benchd/pkg/runtime/runtimetest"
	"github.com/benchd/benchd/pkg/security"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

type fixture struct {
	store storage.Store
	fake  *runtimetest.Fake
	cm    *container.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	fake := runtimetest.New()
	policy, err := imagepolicy.New(fake, []string{"docker.io"}, "")
	require.NoError(t, err)
	cm := container.NewManager(store, fake, policy, security.NewProfile("bridge"),
		audit.NewLogger(zerolog.Nop(), nil))

	return &fixture{store: store, fake: fake, cm: cm}
}

func (f *fixture) coordinator(grace time.Duration) *Coordinator {
	return New(f.store, f.cm, audit.NewLogger(zerolog.Nop(), nil), grace)
}

func (f *fixture) spawn(t *testing.T, req container.CreateRequest) *types.Container {
	t.Helper()
	ctx := context.Background()
	c, err := f.cm.Create(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.cm.Start(ctx, c.ID))
	return c
}

func TestDrainingFlag(t *testing.T) {
	f := newFixture(t)
	coord := f.coordinator(time.Second)

	assert.False(t, coord.Draining())
	coord.Shutdown(context.Background())
	assert.True(t, coord.Draining())
}

func TestShutdownStopsTransientsKeepsPersistent(t *testing.T) {
	f := newFixture(t)
	transient := f.spawn(t, container.CreateRequest{Image: "python:3.11-slim"})
	persistent := f.spawn(t, container.CreateRequest{Image: "python:3.11-slim", Persistent: true})

	f.coordinator(time.Second).Shutdown(context.Background())

	assert.Equal(t, "exited", f.fake.Container(transient.DockerID).Status)
	assert.Equal(t, "running", f.fake.Container(persistent.DockerID).Status)
}

func TestShutdownWaitsForActiveExecs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.spawn(t, container.CreateRequest{Image: "python:3.11-slim"})

	execID := "e_draining"
	require.NoError(t, f.store.CreateExec(ctx, &types.Exec{
		ExecID:      execID,
		ContainerID: c.ID,
		Command:     types.ExecCommand{Cmd: []string{"sleep", "30"}},
		StartedAt:   time.Now().UTC(),
	}))

	// Complete the exec shortly after drain starts; shutdown should wait
	// for it rather than racing past.
	go func() {
		time.Sleep(100 * time.Millisecond)
		f.store.CompleteExec(context.Background(), execID, time.Now().UTC(), 0, nil)
	}()

	start := time.Now()
	f.coordinator(5 * time.Second).Shutdown(ctx)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "drain waited for the exec")
	assert.Less(t, elapsed, 5*time.Second, "drain exited well before the grace deadline")
	assert.Equal(t, "exited", f.fake.Container(c.DockerID).Status)
}

func TestShutdownGraceExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.spawn(t, container.CreateRequest{Image: "python:3.11-slim"})

	require.NoError(t, f.store.CreateExec(ctx, &types.Exec{
		ExecID:      "e_stuck",
		ContainerID: c.ID,
		Command:     types.ExecCommand{Cmd: []string{"sleep", "3600"}},
		StartedAt:   time.Now().UTC(),
	}))

	// The exec never finishes; the grace period bounds the wait and the
	// transient is stopped anyway.
	f.coordinator(50 * time.Millisecond).Shutdown(ctx)
	assert.Equal(t, "exited", f.fake.Container(c.DockerID).Status)
}

func TestShutdownClosesStoreLast(t *testing.T) {
	f := newFixture(t)
	f.coordinator(time.Second).Shutdown(context.Background())

	_, err := f.store.ListContainers(context.Background(), true)
	assert.Error(t, err, "store is closed after shutdown")
}

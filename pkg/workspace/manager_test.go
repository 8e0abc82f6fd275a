package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/runtime/runtimetest"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

type fixture struct {
	fake    *runtimetest.Fake
	manager *Manager
	cid     string
	docker  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := runtimetest.New()
	dockerID := fake.AddContainer(&runtimetest.Container{Status: "running"})

	now := time.Now().UTC()
	c := &types.Container{
		ID:        "c_ws_test",
		DockerID:  dockerID,
		Image:     "docker.io/library/python:3.11-slim",
		CreatedAt: now,
		LastSeen:  now,
		Status:    types.ContainerStatusRunning,
	}
	require.NoError(t, store.CreateContainer(context.Background(), c))

	m := NewManager(store, fake, audit.NewLogger(zerolog.Nop(), nil))
	return &fixture{fake: fake, manager: m, cid: c.ID, docker: dockerID}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty rejected", "", "", true},
		{"relative", "src/main.py", "/workspace/src/main.py", false},
		{"absolute inside", "/workspace/a.txt", "/workspace/a.txt", false},
		{"root itself", "/workspace", "/workspace", false},
		{"dot segments collapse", "/workspace/a/./b/../c", "/workspace/a/c", false},
		{"relative traversal inside", "a/../b", "/workspace/b", false},
		{"traversal escape", "../etc/passwd", "", true},
		{"absolute escape", "/etc/passwd", "", true},
		{"sneaky escape", "/workspace/../etc", "", true},
		{"prefix sibling", "/workspace2/file", "", true},
		{"deep traversal", "a/../../../root", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePath(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsPathSecurity(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Idempotent: validating the result changes nothing.
			again, err := ValidatePath(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestETagDeterminism(t *testing.T) {
	mtime := time.Unix(1700000000, 0)

	a := FileETag([]byte("content"), mtime)
	assert.Equal(t, a, FileETag([]byte("content"), mtime))
	assert.NotEqual(t, a, FileETag([]byte("changed"), mtime))
	assert.NotEqual(t, a, FileETag([]byte("content"), mtime.Add(time.Second)))

	d := DirETag("/workspace/dir", mtime)
	assert.Equal(t, d, DirETag("/workspace/dir", mtime))
	assert.NotEqual(t, d, DirETag("/workspace/other", mtime))

	e := EntryETag("/workspace/f", 10, mtime)
	assert.NotEqual(t, e, EntryETag("/workspace/f", 11, mtime))
}

func TestWriteReadRoundtrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.manager.Write(ctx, f.cid, "notes.json", []byte("{\"a\":1}\n"), "")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/notes.json", info.Path)
	assert.NotEmpty(t, info.ETag)
	assert.Equal(t, int64(8), info.Size)

	content, read, err := f.manager.Read(ctx, f.cid, "notes.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("{\"a\":1}\n"), content)
	assert.Equal(t, info.ETag, read.ETag)
	assert.Contains(t, read.MIME, "application/json")
}

func TestWriteCreatesParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Write(ctx, f.cid, "a/b/c/deep.txt", []byte("x"), "")
	require.NoError(t, err)

	info, err := f.manager.Stat(ctx, f.cid, "a/b")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
}

func TestWriteETagConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.manager.Write(ctx, f.cid, "f.txt", []byte("v1"), "")
	require.NoError(t, err)

	// Matching etag succeeds.
	_, err = f.manager.Write(ctx, f.cid, "f.txt", []byte("v2"), info.ETag)
	require.NoError(t, err)

	// The stale etag now mismatches.
	_, err = f.manager.Write(ctx, f.cid, "f.txt", []byte("v3"), info.ETag)
	require.Error(t, err)
	assert.True(t, types.IsFileConflict(err))

	content, _, err := f.manager.Read(ctx, f.cid, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), content)
}

func TestWriteIfMatchOnAbsentFileCreates(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Write(context.Background(), f.cid, "new.txt", []byte("x"), "some-etag")
	require.NoError(t, err)
}

func TestWriteWithoutETagOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Write(ctx, f.cid, "f.txt", []byte("v1"), "")
	require.NoError(t, err)
	_, err = f.manager.Write(ctx, f.cid, "f.txt", []byte("v2"), "")
	require.NoError(t, err)

	content, _, err := f.manager.Read(ctx, f.cid, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), content)
}

func TestReadMissing(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Read(context.Background(), f.cid, "ghost.txt")
	assert.True(t, types.IsFileNotFound(err))
}

func TestReadTraversalRejected(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Read(context.Background(), f.cid, "../../etc/passwd")
	assert.True(t, types.IsPathSecurity(err))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Write(ctx, f.cid, "gone.txt", []byte("x"), "")
	require.NoError(t, err)
	require.NoError(t, f.manager.Delete(ctx, f.cid, "gone.txt"))

	_, _, err = f.manager.Read(ctx, f.cid, "gone.txt")
	assert.True(t, types.IsFileNotFound(err))
}

func TestDeleteMissing(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Delete(context.Background(), f.cid, "ghost.txt")
	assert.True(t, types.IsFileNotFound(err))
}

func TestDeleteWorkspaceRootRejected(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Delete(context.Background(), f.cid, "/workspace")
	assert.True(t, types.IsPathSecurity(err))
	err = f.manager.Delete(context.Background(), f.cid, "")
	assert.True(t, types.IsPathSecurity(err))
}

func TestStatFileAndDir(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Write(ctx, f.cid, "dir/file.json", []byte("{}"), "")
	require.NoError(t, err)

	fileInfo, err := f.manager.Stat(ctx, f.cid, "dir/file.json")
	require.NoError(t, err)
	assert.False(t, fileInfo.IsDir)
	assert.Equal(t, int64(2), fileInfo.Size)
	assert.Contains(t, fileInfo.MIME, "application/json")

	dirInfo, err := f.manager.Stat(ctx, f.cid, "dir")
	require.NoError(t, err)
	assert.True(t, dirInfo.IsDir)
	assert.NotEmpty(t, dirInfo.ETag)
	assert.Empty(t, dirInfo.MIME)
}

func TestStatMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Stat(context.Background(), f.cid, "nope")
	assert.True(t, types.IsFileNotFound(err))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Write(ctx, f.cid, "proj/a.txt", []byte("a"), "")
	require.NoError(t, err)
	_, err = f.manager.Write(ctx, f.cid, "proj/b.txt", []byte("bb"), "")
	require.NoError(t, err)
	_, err = f.manager.Write(ctx, f.cid, "proj/sub/c.txt", []byte("c"), "")
	require.NoError(t, err)

	entries, err := f.manager.List(ctx, f.cid, "proj")
	require.NoError(t, err)
	require.Len(t, entries, 3, "one level only")

	byPath := map[string]FileInfo{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	assert.Equal(t, int64(2), byPath["/workspace/proj/b.txt"].Size)
	assert.True(t, byPath["/workspace/proj/sub"].IsDir)
}

func TestListEmptyDir(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The workspace root exists and is empty.
	entries, err := f.manager.List(ctx, f.cid, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestListMissingDir(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.List(context.Background(), f.cid, "no-such-dir")
	assert.True(t, types.IsFileNotFound(err))
}

func TestUnknownContainer(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Read(context.Background(), "c_missing", "x.txt")
	assert.True(t, types.IsContainerNotFound(err))
}

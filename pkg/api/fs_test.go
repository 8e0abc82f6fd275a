package api

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSWriteReadRoundtrip(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	status, out := f.callTool(t, "fs_write", map[string]any{
		"container_id": cid,
		"path":         "notes/hello.json",
		"content":      []byte(`{"msg":"hi"}`),
	})
	require.Equal(t, http.StatusOK, status)
	etag := out["etag"].(string)
	require.NotEmpty(t, etag)

	status, out = f.callTool(t, "fs_read", map[string]any{
		"container_id": cid,
		"path":         "notes/hello.json",
	})
	require.Equal(t, http.StatusOK, status)
	decoded, err := base64.StdEncoding.DecodeString(out["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"hi"}`, string(decoded))
	assert.Equal(t, etag, out["etag"])
}

func TestFSWriteETagConflict(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	_, out := f.callTool(t, "fs_write", map[string]any{
		"container_id": cid,
		"path":         "a.txt",
		"content":      []byte("v1"),
	})
	require.NotEmpty(t, out["etag"])

	status, out := f.callTool(t, "fs_write", map[string]any{
		"container_id":  cid,
		"path":          "a.txt",
		"content":       []byte("v2"),
		"if_match_etag": "stale-etag",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeFileConflict, errorCode(out))
}

func TestFSPathTraversalRejected(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	status, out := f.callTool(t, "fs_read", map[string]any{
		"container_id": cid,
		"path":         "../etc/passwd",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodePathSecurity, errorCode(out))
}

func TestFSDeleteAndStat(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	f.callTool(t, "fs_write", map[string]any{
		"container_id": cid, "path": "tmp.txt", "content": []byte("x"),
	})

	status, out := f.callTool(t, "fs_stat", map[string]any{
		"container_id": cid, "path": "tmp.txt",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["is_dir"])

	status, out = f.callTool(t, "fs_delete", map[string]any{
		"container_id": cid, "path": "tmp.txt",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deleted", out["status"])

	status, out = f.callTool(t, "fs_stat", map[string]any{
		"container_id": cid, "path": "tmp.txt",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeFileNotFound, errorCode(out))
}

func TestFSList(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	f.callTool(t, "fs_write", map[string]any{
		"container_id": cid, "path": "dir/a.txt", "content": []byte("a"),
	})
	f.callTool(t, "fs_write", map[string]any{
		"container_id": cid, "path": "dir/b.txt", "content": []byte("b"),
	})

	status, out := f.callTool(t, "fs_list", map[string]any{
		"container_id": cid, "path": "dir",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["entries"], 2)
}

func TestFSBatchAllOrNothing(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	f.callTool(t, "fs_write", map[string]any{
		"container_id": cid, "path": "keep.txt", "content": []byte("original"),
	})

	// The second op reads a missing file, which fails the batch before any
	// mutation lands.
	status, out := f.callTool(t, "fs_batch", map[string]any{
		"container_id": cid,
		"ops": []map[string]any{
			{"type": "write", "path": "keep.txt", "content": []byte("mutated")},
			{"type": "read", "path": "missing.txt"},
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["success"])

	_, read := f.callTool(t, "fs_read", map[string]any{
		"container_id": cid, "path": "keep.txt",
	})
	decoded, err := base64.StdEncoding.DecodeString(read["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "original", string(decoded))
}

func TestFSExportImportRoundtrip(t *testing.T) {
	f := newAPIFixture(t, nil)
	cid := f.spawn(t, map[string]any{"image": testImage})

	f.callTool(t, "fs_write", map[string]any{
		"container_id": cid, "path": "proj/main.py", "content": []byte("print('ok')"),
	})

	status, out := f.callTool(t, "fs_export", map[string]any{
		"container_id": cid, "path": "proj",
	})
	require.Equal(t, http.StatusOK, status)
	archive := out["archive"].(string)
	require.NotEmpty(t, archive)

	raw, err := base64.StdEncoding.DecodeString(archive)
	require.NoError(t, err)

	status, out = f.callTool(t, "fs_import", map[string]any{
		"container_id": cid, "dest": "restored", "archive": raw,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "imported", out["status"])

	_, read := f.callTool(t, "fs_read", map[string]any{
		"container_id": cid, "path": "restored/proj/main.py",
	})
	decoded, err := base64.StdEncoding.DecodeString(read["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "print('ok')", string(decoded))
}

package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// ETags are deterministic fingerprints used for optimistic concurrency on
// writes. A file's etag covers its content and modification time, so any
// write observably changes it. Directories and list entries are
// fingerprinted from metadata alone; reading every file to list a
// directory would be wasteful.

// FileETag fingerprints a regular file.
func FileETag(content []byte, mtime time.Time) string {
	h := md5.New()
	h.Write(content)
	h.Write([]byte(fmt.Sprintf("%d", mtime.Unix())))
	return hex.EncodeToString(h.Sum(nil))
}

// DirETag fingerprints a directory.
func DirETag(path string, mtime time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", path, mtime.Unix())))
	return hex.EncodeToString(sum[:])
}

// EntryETag fingerprints a directory-listing entry.
func EntryETag(path string, size int64, mtime time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", path, size, mtime.Unix())))
	return hex.EncodeToString(sum[:])
}

package workspace

import (
	"path"
	"strings"

	"github.com/benchd/benchd/pkg/types"
)

// ValidatePath confines a client-supplied path to the workspace. The empty
// path is rejected; relative paths are joined under /workspace; the cleaned
// result must be the workspace root or live below it. The function is
// idempotent: validating an already-validated path returns it unchanged.
func ValidatePath(p string) (string, error) {
	if p == "" {
		return "", &types.PathSecurityError{Path: p, Reason: "path is empty"}
	}

	joined := p
	if !path.IsAbs(joined) {
		joined = path.Join(types.WorkspacePath, joined)
	}
	cleaned := path.Clean(joined)

	if cleaned != types.WorkspacePath && !strings.HasPrefix(cleaned, types.WorkspacePath+"/") {
		return "", &types.PathSecurityError{Path: p, Reason: "escapes the workspace"}
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", &types.PathSecurityError{Path: p, Reason: "contains a parent-directory segment"}
		}
	}

	return cleaned, nil
}

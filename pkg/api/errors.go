package api

import (
	"encoding/json"
	"net/http"

	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/types"
)

// Error codes exposed in the response envelope. Each maps a taxonomy
// category to a stable wire identifier.
const (
	CodeContainerNotFound = "CONTAINER_NOT_FOUND"
	CodeAliasInUse        = "ALIAS_IN_USE"
	CodeExecNotFound      = "EXEC_NOT_FOUND"
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodePathSecurity      = "PATH_SECURITY"
	CodeFileConflict      = "FILE_CONFLICT"
	CodeSizeLimit         = "SIZE_LIMIT"
	CodeImagePolicy       = "IMAGE_POLICY"
	CodeRuntime           = "RUNTIME"
	CodeValidation        = "VALIDATION"
	CodeInternal          = "INTERNAL"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// classify maps a taxonomy error to its wire code and HTTP status.
func classify(err error) (code string, status int) {
	switch {
	case types.IsContainerNotFound(err):
		return CodeContainerNotFound, http.StatusNotFound
	case types.IsAliasInUse(err):
		return CodeAliasInUse, http.StatusConflict
	case types.IsExecNotFound(err):
		return CodeExecNotFound, http.StatusNotFound
	case types.IsFileNotFound(err):
		return CodeFileNotFound, http.StatusNotFound
	case types.IsPathSecurity(err):
		return CodePathSecurity, http.StatusBadRequest
	case types.IsFileConflict(err):
		return CodeFileConflict, http.StatusConflict
	case types.IsSizeLimit(err):
		return CodeSizeLimit, http.StatusRequestEntityTooLarge
	case types.IsImagePolicy(err):
		return CodeImagePolicy, http.StatusForbidden
	case types.IsValidation(err):
		return CodeValidation, http.StatusBadRequest
	case types.IsRuntime(err):
		return CodeRuntime, http.StatusBadGateway
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) string {
	code, status := classify(err)

	msg := err.Error()
	if code == CodeInternal {
		// Internal details stay in the log, not on the wire.
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Internal error")
		msg = "internal error"
	}

	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
	return code
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

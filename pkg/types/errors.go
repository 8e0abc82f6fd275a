package types

import (
	"errors"
	"fmt"
)

// ContainerNotFoundError indicates no container matched the identifier.
type ContainerNotFoundError struct {
	Identifier string
}

func (e *ContainerNotFoundError) Error() string {
	return fmt.Sprintf("container not found: %s", e.Identifier)
}

// IsContainerNotFound reports whether err is a ContainerNotFoundError.
func IsContainerNotFound(err error) bool {
	var t *ContainerNotFoundError
	return errors.As(err, &t)
}

// AliasInUseError indicates the requested alias is already taken.
type AliasInUseError struct {
	Alias string
}

func (e *AliasInUseError) Error() string {
	return fmt.Sprintf("container with alias '%s' already exists", e.Alias)
}

// IsAliasInUse reports whether err is an AliasInUseError.
func IsAliasInUse(err error) bool {
	var t *AliasInUseError
	return errors.As(err, &t)
}

// ExecNotFoundError indicates no exec matched the id.
type ExecNotFoundError struct {
	ExecID string
}

func (e *ExecNotFoundError) Error() string {
	return fmt.Sprintf("exec not found: %s", e.ExecID)
}

// IsExecNotFound reports whether err is an ExecNotFoundError.
func IsExecNotFound(err error) bool {
	var t *ExecNotFoundError
	return errors.As(err, &t)
}

// FileNotFoundError indicates a workspace path does not exist.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// IsFileNotFound reports whether err is a FileNotFoundError.
func IsFileNotFound(err error) bool {
	var t *FileNotFoundError
	return errors.As(err, &t)
}

// PathSecurityError indicates a path failed workspace confinement.
type PathSecurityError struct {
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	return fmt.Sprintf("path security violation for '%s': %s", e.Path, e.Reason)
}

// IsPathSecurity reports whether err is a PathSecurityError.
func IsPathSecurity(err error) bool {
	var t *PathSecurityError
	return errors.As(err, &t)
}

// FileConflictError indicates an etag precondition failed.
type FileConflictError struct {
	Path         string
	ExpectedETag string
	ActualETag   string
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("etag mismatch for '%s': expected %s, got %s", e.Path, e.ExpectedETag, e.ActualETag)
}

// IsFileConflict reports whether err is a FileConflictError.
func IsFileConflict(err error) bool {
	var t *FileConflictError
	return errors.As(err, &t)
}

// SizeLimitError indicates an input exceeded a configured cap.
type SizeLimitError struct {
	What   string
	Limit  int64
	Actual int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("%s exceeds size limit: %d > %d bytes", e.What, e.Actual, e.Limit)
}

// IsSizeLimit reports whether err is a SizeLimitError.
func IsSizeLimit(err error) bool {
	var t *SizeLimitError
	return errors.As(err, &t)
}

// ImagePolicyError indicates an image reference was rejected, could not be
// normalized, or could not be pulled.
type ImagePolicyError struct {
	Message string
}

func (e *ImagePolicyError) Error() string {
	return fmt.Sprintf("image policy violation: %s", e.Message)
}

// IsImagePolicy reports whether err is an ImagePolicyError.
func IsImagePolicy(err error) bool {
	var t *ImagePolicyError
	return errors.As(err, &t)
}

// RuntimeError wraps a container engine failure while preserving the
// original error for logging.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error during %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsRuntime reports whether err is a RuntimeError.
func IsRuntime(err error) bool {
	var t *RuntimeError
	return errors.As(err, &t)
}

// ValidationError indicates a malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

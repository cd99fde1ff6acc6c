// Package errs provides the engine's structured error kinds. Engine
// errors preserve a stable Code alongside the message and an optional
// Cause chain, so ToolResult.error_code and JSONRPCError.data.errorCode
// values round-trip without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable error-kind tag, one of the Code* constants below.
type Code string

// Stable error codes surfaced in tool results and RPC error payloads.
const (
	CodePeerTimeout           Code = "PEER_TIMEOUT"
	CodePeerPublishFailed     Code = "PEER_PUBLISH_FAILED"
	CodeSandboxTimeout        Code = "SANDBOX_TIMEOUT"
	CodeSandboxKilled         Code = "SANDBOX_KILLED"
	CodeSandboxResourceExceed Code = "SANDBOX_RESOURCE_EXCEEDED"
	CodeArtifactNotFound      Code = "ARTIFACT_NOT_FOUND"
	CodeArtifactPermission    Code = "ARTIFACT_PERMISSION"
	CodeCheckpointConflict    Code = "CHECKPOINT_CONFLICT"
	CodeCheckpointRetriable   Code = "CHECKPOINT_RETRIABLE"
	CodeCheckpointFatal       Code = "CHECKPOINT_FATAL"
	CodeProtocolMalformed     Code = "PROTOCOL_MALFORMED"
	CodeCancelled             Code = "CANCELLED"
	CodeSystemError           Code = "SYSTEM_ERROR"
)

// Error is a structured engine failure carrying a stable Code plus a
// human-readable message and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error with the given code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// Errorf formats message and returns an *Error with the given code.
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// reports whether one was found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsRetriableCheckpoint reports whether err represents a retriable
// checkpoint failure (DeadlockDetected, ConnectionLost — surfaced under
// CodeCheckpointRetriable) as opposed to a fatal integrity violation.
func IsRetriableCheckpoint(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeCheckpointRetriable
}

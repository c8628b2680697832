// Package errdefs defines the error taxonomy shared by the server, the
// services, and the HTTP layer. Every error carries a stable numeric code
// and maps to an HTTP status.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of error.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindInvalidParameter
	KindInternal
	KindSandboxNotFound
	KindSandboxAlreadyExists
	KindTemplateNotFound
	KindInvalidSandboxState
	KindSandboxLimitExceeded
	KindWorkspaceNotFound
	KindWorkspaceHasActiveSandboxes
	KindPathNotAllowed
	KindFileNotFound
	KindInvalidPath
	KindProcessNotFound
	KindProcessTimeout
	KindProcessExecutionFailed
	KindPtyNotFound
	KindPtyLimitExceeded
	KindAgentNotConnected
	KindAgentConnectionTimeout
	KindAgentCommunicationError
	KindDatabaseError
	KindDockerError
	KindNfsError
)

// codes are stable and wire-visible; do not renumber.
var codes = map[Kind]int{
	KindInvalidRequest:              1001,
	KindInvalidParameter:            1002,
	KindInternal:                    1003,
	KindSandboxNotFound:             2001,
	KindSandboxAlreadyExists:        2002,
	KindTemplateNotFound:            2003,
	KindInvalidSandboxState:         2004,
	KindSandboxLimitExceeded:        2005,
	KindFileNotFound:                3001,
	KindInvalidPath:                 3004,
	KindProcessNotFound:             4001,
	KindProcessTimeout:              4002,
	KindProcessExecutionFailed:      4003,
	KindPtyNotFound:                 4101,
	KindPtyLimitExceeded:            4102,
	KindAgentNotConnected:           5001,
	KindAgentConnectionTimeout:      5002,
	KindAgentCommunicationError:     5003,
	KindDatabaseError:               6001,
	KindDockerError:                 6002,
	KindNfsError:                    6003,
	KindWorkspaceNotFound:           7001,
	KindWorkspaceHasActiveSandboxes: 7002,
	KindPathNotAllowed:              7003,
}

// Error is the concrete error type used across the server.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the stable numeric code for the error.
func (e *Error) Code() int {
	return codes[e.Kind]
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindSandboxNotFound, KindWorkspaceNotFound, KindFileNotFound,
		KindProcessNotFound, KindPtyNotFound, KindTemplateNotFound:
		return http.StatusNotFound
	case KindSandboxAlreadyExists, KindWorkspaceHasActiveSandboxes:
		return http.StatusConflict
	case KindPathNotAllowed:
		return http.StatusForbidden
	case KindInvalidRequest, KindInvalidParameter, KindInvalidPath, KindInvalidSandboxState:
		return http.StatusBadRequest
	case KindSandboxLimitExceeded, KindPtyLimitExceeded:
		return http.StatusTooManyRequests
	case KindProcessTimeout, KindAgentConnectionTimeout:
		return http.StatusGatewayTimeout
	case KindAgentNotConnected, KindAgentCommunicationError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that unwraps to cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As extracts an *Error from err, or wraps it as Internal so the HTTP
// layer always has a code and status to report.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// SandboxNotFound reports a missing sandbox row.
func SandboxNotFound(id string) *Error {
	return Newf(KindSandboxNotFound, "sandbox not found: %s", id)
}

// WorkspaceNotFound reports a missing workspace row.
func WorkspaceNotFound(id string) *Error {
	return Newf(KindWorkspaceNotFound, "workspace not found: %s", id)
}

// InvalidSandboxState reports an operation attempted in the wrong state.
func InvalidSandboxState(expected, actual string) *Error {
	return Newf(KindInvalidSandboxState, "sandbox in invalid state: expected %s, got %s", expected, actual)
}

// AgentNotConnected reports that no agent stream exists for the sandbox.
func AgentNotConnected(sandboxID string) *Error {
	return Newf(KindAgentNotConnected, "agent not connected for sandbox: %s", sandboxID)
}

// AgentConnectionTimeout reports that the wait for an agent attach expired.
func AgentConnectionTimeout() *Error {
	return New(KindAgentConnectionTimeout, "agent connection timeout")
}

// AgentCommunicationError reports a failed send or a pending request
// canceled by disconnect.
func AgentCommunicationError(msg string) *Error {
	return Newf(KindAgentCommunicationError, "agent communication error: %s", msg)
}

// ProcessTimeout reports an elapsed RPC deadline.
func ProcessTimeout() *Error {
	return New(KindProcessTimeout, "process timeout")
}

// ProcessExecutionFailed reports a spawn error or failure surfaced by the agent.
func ProcessExecutionFailed(msg string) *Error {
	return Newf(KindProcessExecutionFailed, "process execution failed: %s", msg)
}

// PtyNotFound reports a missing PTY instance.
func PtyNotFound(id string) *Error {
	return Newf(KindPtyNotFound, "pty not found: %s", id)
}

// PtyLimitExceeded reports the per-sandbox PTY cap.
func PtyLimitExceeded() *Error {
	return New(KindPtyLimitExceeded, "pty limit exceeded")
}

// SandboxLimitExceeded reports the configured sandbox cap.
func SandboxLimitExceeded() *Error {
	return New(KindSandboxLimitExceeded, "sandbox limit exceeded")
}

// DockerError wraps a container engine fault.
func DockerError(cause error, msg string) *Error {
	return Wrap(KindDockerError, cause, fmt.Sprintf("docker error: %s: %v", msg, cause))
}

// DatabaseError wraps a persistence fault.
func DatabaseError(cause error) *Error {
	return Wrap(KindDatabaseError, cause, fmt.Sprintf("database error: %v", cause))
}

// NfsError wraps an export registry fault.
func NfsError(cause error, msg string) *Error {
	return Wrap(KindNfsError, cause, fmt.Sprintf("nfs error: %s: %v", msg, cause))
}

// FileNotFound reports a missing workspace file.
func FileNotFound(path string) *Error {
	return Newf(KindFileNotFound, "file not found: %s", path)
}

// PathNotAllowed reports a path escaping the workspace root.
func PathNotAllowed(path string) *Error {
	return Newf(KindPathNotAllowed, "path not allowed: %s", path)
}

// WorkspaceHasActiveSandboxes blocks workspace deletion while referenced.
func WorkspaceHasActiveSandboxes() *Error {
	return New(KindWorkspaceHasActiveSandboxes, "workspace has active sandboxes")
}

// InvalidRequest reports a malformed request body or missing field.
func InvalidRequest(msg string) *Error {
	return Newf(KindInvalidRequest, "invalid request: %s", msg)
}

// InvalidParameter reports a well-formed but unacceptable value.
func InvalidParameter(msg string) *Error {
	return Newf(KindInvalidParameter, "invalid parameter: %s", msg)
}

// Internal reports an unclassified fault.
func Internal(msg string) *Error {
	return Newf(KindInternal, "internal error: %s", msg)
}

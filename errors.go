package agentexec

import (
	"errors"
	"fmt"

	"github.com/zhangyunhao116/agentexec/background"
)

// Sentinel errors returned by the agentexec package.
var (
	// ErrPolicyViolation indicates the command or its working directory was
	// rejected by the security policy.
	ErrPolicyViolation = errors.New("agentexec: blocked by security policy")

	// ErrSpawnFailed indicates the executable could not be started. It is
	// carried in Result.Err and never returned from Run.
	ErrSpawnFailed = errors.New("agentexec: command could not be started")

	// ErrManagerClosed indicates the manager has already been closed.
	ErrManagerClosed = errors.New("agentexec: manager already closed")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("agentexec: invalid configuration")

	// ErrEmptyCommand indicates the command text was empty or whitespace.
	ErrEmptyCommand = errors.New("agentexec: empty command")

	// ErrShellNotFound indicates no background shell has the given ID.
	ErrShellNotFound = background.ErrShellNotFound

	// ErrCapacityExceeded indicates the background registry is full.
	ErrCapacityExceeded = background.ErrCapacityExceeded
)

// CapacityError is returned by SpawnBackground when the registry is full.
// It wraps ErrCapacityExceeded.
type CapacityError = background.CapacityError

// ViolationKind says which check rejected a request.
type ViolationKind string

const (
	// ViolationCommand is a match in the command screener's deny table.
	ViolationCommand ViolationKind = "command"
	// ViolationFilesystem is a working directory denied by the filesystem
	// policy.
	ViolationFilesystem ViolationKind = "filesystem"
)

// PolicyViolationError is returned when a request is rejected before
// anything is spawned. It wraps ErrPolicyViolation so that
// errors.Is(err, ErrPolicyViolation) still works.
type PolicyViolationError struct {
	// Command is the command text that was rejected.
	Command string
	// Kind is the check that rejected it.
	Kind ViolationKind
	// Reason explains the rejection.
	Reason string
	// Rule is the screener rule name or policy pattern that matched.
	Rule string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyViolation.Error(), e.Reason)
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// SpawnError describes a command whose process could not be started.
// errors.Is matches both ErrSpawnFailed and the underlying cause.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %v", ErrSpawnFailed.Error(), e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}

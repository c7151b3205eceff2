// Package agenterrors defines the agent's error taxonomy: eight sentinel
// kinds that every component wraps its failures in, so callers can branch on
// errors.Is regardless of which package raised them.
package agenterrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting purposes.
type Kind string

const (
	// InvalidInput is a malformed payload, out-of-range value, or failed parse. Not retried.
	InvalidInput Kind = "invalid_input"
	// AuthFailed is missing credentials, a rejected signature, or a reused nonce.
	AuthFailed Kind = "auth_failed"
	// Transient is a network read/write failure, HTTP 5xx, or DNS miss. Retried.
	Transient Kind = "transient"
	// Timeout is an exceeded configured deadline.
	Timeout Kind = "timeout"
	// Permission is a disallowed command, blocked path, or oversized file. Never retried.
	Permission Kind = "permission"
	// Resource is a session cap reached or ring-buffer data lost.
	Resource Kind = "resource"
	// Integrity is a checksum or signature mismatch on an upgrade or pinned cert.
	Integrity Kind = "integrity"
	// ProtocolViolation is an unknown task type, revision regression, or malformed response.
	ProtocolViolation Kind = "protocol_violation"
)

// sentinels let callers do errors.Is(err, agenterrors.ErrAuthFailed) without
// caring about the wrapped detail.
var (
	ErrInvalidInput     = errors.New(string(InvalidInput))
	ErrAuthFailed       = errors.New(string(AuthFailed))
	ErrTransient        = errors.New(string(Transient))
	ErrTimeout          = errors.New(string(Timeout))
	ErrPermission       = errors.New(string(Permission))
	ErrResource         = errors.New(string(Resource))
	ErrIntegrity        = errors.New(string(Integrity))
	ErrProtocolViolation = errors.New(string(ProtocolViolation))
)

func sentinelFor(k Kind) error {
	switch k {
	case InvalidInput:
		return ErrInvalidInput
	case AuthFailed:
		return ErrAuthFailed
	case Transient:
		return ErrTransient
	case Timeout:
		return ErrTimeout
	case Permission:
		return ErrPermission
	case Resource:
		return ErrResource
	case Integrity:
		return ErrIntegrity
	case ProtocolViolation:
		return ErrProtocolViolation
	default:
		return errors.New(string(k))
	}
}

// AgentError wraps an underlying cause with a Kind, enabling errors.Is against
// the Kind's sentinel while preserving errors.Unwrap to the original cause.
type AgentError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error's Kind sentinel, so
// errors.Is(err, agenterrors.ErrTransient) works without callers ever
// importing the concrete AgentError type.
func (e *AgentError) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// New builds an AgentError, wrapping cause (may be nil).
func New(kind Kind, op string, cause error) error {
	return &AgentError{Kind: kind, Op: op, Err: cause}
}

// Wrap is a convenience for fmt.Errorf("op: %w", cause) style wrapping that
// also tags the result with a Kind.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return New(kind, op, cause)
}

// Is reports whether err (or anything in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinelFor(kind))
}

// DataLost signals the ring buffer has overwritten bytes a reader's cursor
// still pointed at. Resource-kind callers type-assert to recover the offsets
// needed to resynchronise.
type DataLost struct {
	Requested      uint64
	OldestAvailable uint64
}

func (e *DataLost) Error() string {
	return fmt.Sprintf("data lost: requested cursor %d, oldest available %d", e.Requested, e.OldestAvailable)
}

// ErrCursorTooLarge is returned when a read_from cursor exceeds total bytes written.
var ErrCursorTooLarge = errors.New("cursor too large")

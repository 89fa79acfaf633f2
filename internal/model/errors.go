package model

import (
	"errors"
	"fmt"
)

// Domain error kinds. Callers compare with errors.Is.
var (
	ErrSignalDuplicate            = errors.New("signal duplicate")
	ErrDeadlineExceeded           = errors.New("deadline exceeded")
	ErrPolicyConflict             = errors.New("policy conflict")
	ErrConcurrentSwitchInProgress = errors.New("concurrent switch in progress")
	ErrCandidateNotReady          = errors.New("candidate not ready")
	ErrReplicaProvisionFailed     = errors.New("replica provision failed")
	ErrAlreadyPromoted            = errors.New("already promoted")
	ErrEventClosed                = errors.New("termination event closed")
	ErrNotFound                   = errors.New("not found")
	ErrInvalidInput               = errors.New("invalid input")
)

// RejectedError carries a rejection kind plus a human readable reason.
type RejectedError struct {
	Kind   error
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Kind
}

// Reject builds a RejectedError of the given kind.
func Reject(kind error, format string, args ...interface{}) error {
	return &RejectedError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed field on a public request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSignalDuplicate, "signal_duplicate"},
	{ErrDeadlineExceeded, "deadline_exceeded"},
	{ErrPolicyConflict, "policy_conflict"},
	{ErrConcurrentSwitchInProgress, "concurrent_switch_in_progress"},
	{ErrCandidateNotReady, "candidate_not_ready"},
	{ErrReplicaProvisionFailed, "replica_provision_failed"},
	{ErrAlreadyPromoted, "already_promoted"},
	{ErrEventClosed, "event_closed"},
	{ErrNotFound, "not_found"},
	{ErrInvalidInput, "invalid_input"},
}

// ErrorCode returns the wire code of a domain error, or "" for anything else.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

type remoteError struct {
	kind    error
	message string
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.kind }

// ErrorFromCode is the inverse of ErrorCode, used by HTTP clients.
func ErrorFromCode(code, message string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return &remoteError{kind: ec.err, message: message}
		}
	}
	return errors.New(message)
}

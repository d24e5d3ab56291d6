// Package kernelerr defines the typed error kinds the kernel surfaces
// across component boundaries (spec §7). Handlers and collaborators never
// throw across the kernel boundary — every failure comes back as one of
// these, wrapped with fmt.Errorf("...: %w", ...) the way the teacher's
// services do throughout persistence.go and dag_engine.go.
package kernelerr

import "errors"

// Sentinel kinds. Use errors.Is against these, not string comparison.
var (
	// ErrValidation marks a definition-time error (C1). No state is
	// written when this is returned.
	ErrValidation = errors.New("validation error")

	// ErrGovernanceDenied marks a task denied by the governance gate
	// (C4). Terminal for the task; never retried.
	ErrGovernanceDenied = errors.New("governance denied")

	// ErrTransient marks a retryable handler failure (C6).
	ErrTransient = errors.New("transient handler failure")

	// ErrPermanent marks a non-retryable handler failure (C6).
	ErrPermanent = errors.New("permanent handler failure")

	// ErrTimeout marks a per-task wall-clock timeout; treated as
	// transient per spec §7.
	ErrTimeout = errors.New("task timeout")

	// ErrIntegrityViolation marks an audit chain or a stored row whose
	// signature failed verification. When the audit chain fails at
	// startup, RecoverAll returns it and resumes no workflow; no workflow
	// status is changed.
	ErrIntegrityViolation = errors.New("audit chain integrity violation")

	// ErrStoreUnavailable marks a failed read or write of the state store
	// or audit log. It is returned on the first failure; the kernel does
	// not retry the operation.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// GovernanceDeniedError carries the gate's human-readable reason, per
// spec §4.4's GovernanceDenied(reason).
type GovernanceDeniedError struct {
	Reason string
}

func (e *GovernanceDeniedError) Error() string {
	return "governance denied: " + e.Reason
}

func (e *GovernanceDeniedError) Unwrap() error { return ErrGovernanceDenied }

// CycleError reports the back-edge path found during DFS cycle detection
// (spec §4.1 CycleDetected(cycle_path)).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	s := "cycle detected:"
	for i, id := range e.Path {
		if i > 0 {
			s += " -> "
		} else {
			s += " "
		}
		s += id
	}
	return s
}

func (e *CycleError) Unwrap() error { return ErrValidation }

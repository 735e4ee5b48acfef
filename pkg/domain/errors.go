package domain

import (
	"errors"
)

// Error kinds surfaced to API callers and control loops.
// Wrap them with fmt.Errorf("...: %w", Err...) to add context;
// callers match with errors.Is.
var (
	// input errors
	ErrNameTaken     = errors.New("namespace name already taken")
	ErrOriginUnknown = errors.New("origin package not known to the source mirror")
	ErrBranchMissing = errors.New("branch not found in source repository")

	// transient errors, retried on the next control-loop tick
	ErrGitFetchFailed         = errors.New("git fetch failed")
	ErrForgeUnavailable       = errors.New("forge unavailable")
	ErrExecutorDispatchFailed = errors.New("executor dispatch failed")

	// data errors, surfaced against the offending node
	ErrMetadataInvalid  = errors.New("package metadata invalid")
	ErrCycleUnbreakable = errors.New("dependency cycle could not be broken")

	// state errors
	ErrIllegalTransition   = errors.New("illegal build status transition")
	ErrIterationSuperseded = errors.New("iteration superseded")

	ErrMissing = errors.New("not found")
)

func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing)
}

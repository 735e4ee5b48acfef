package domain

import (
	"fmt"
)

// BuildStatus is the state of a single build node.
//
//	Pending → Ready → Assigned → Building → Built
//	   ↓        ↓         ↓          ↓
//	Blocked  Cancelled  Failed     Failed
//
// Cancelled replaces any non-terminal status when a namespace is
// cancelled or an iteration is superseded.
type BuildStatus string

const (
	// waiting for dependencies to be built.
	StatusPending BuildStatus = "pending"

	// all dependencies built; waiting for an executor to claim it.
	StatusReady BuildStatus = "ready"

	// claimed by an executor, not yet observed building.
	StatusAssigned BuildStatus = "assigned"

	// the executor reported the build as running.
	StatusBuilding BuildStatus = "building"

	// the build finished and its artifacts were uploaded.
	StatusBuilt BuildStatus = "built"

	// the executor reported the build as failed.
	StatusFailed BuildStatus = "failed"

	// a dependency failed or its metadata was invalid; this node
	// can never become ready within this iteration.
	StatusBlocked BuildStatus = "blocked"

	// namespace cancelled or iteration superseded.
	StatusCancelled BuildStatus = "cancelled"
)

func (s BuildStatus) String() string { return string(s) }

func AsBuildStatus(status string) (BuildStatus, error) {
	switch BuildStatus(status) {
	case StatusPending, StatusReady, StatusAssigned, StatusBuilding,
		StatusBuilt, StatusFailed, StatusBlocked, StatusCancelled:
		return BuildStatus(status), nil
	default:
		return "", fmt.Errorf("'%s' is not a build status", status)
	}
}

// Terminal statuses never change again within their iteration.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusBuilt, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight statuses hold an executor slot for backpressure accounting.
func (s BuildStatus) InFlight() bool {
	switch s {
	case StatusAssigned, StatusBuilding:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// A repeated terminal report (s == next, terminal) is not a transition;
// callers treat it as a no-op before asking here.
func (s BuildStatus) CanTransitionTo(next BuildStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusReady || next == StatusBlocked
	case StatusReady:
		return next == StatusAssigned || next == StatusBlocked
	case StatusAssigned:
		return next == StatusBuilding || next == StatusBuilt || next == StatusFailed
	case StatusBuilding:
		return next == StatusBuilt || next == StatusFailed
	default:
		return false
	}
}

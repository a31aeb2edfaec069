// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import "github.com/juju/errors"

const (
	// NoState is raised when no upgrade state document exists on disk.
	NoState = errors.ConstError("no upgrade state")

	// StateCorrupted is raised when a state document exists but cannot be
	// parsed or validated. It is never silently coerced; recovery is a
	// manual operation against the history store.
	StateCorrupted = errors.ConstError("upgrade state corrupted")

	// InvalidTransition is raised when a requested run state change is not
	// an edge of the transition graph.
	InvalidTransition = errors.ConstError("invalid state transition")

	// NoActivePhase is raised by component operations when the run has no
	// phase currently in progress.
	NoActivePhase = errors.ConstError("no active phase")

	// LockHeld is raised when the upgrade lock is held by another live
	// process. The annotation carries the holder's pid.
	LockHeld = errors.ConstError("upgrade lock held")

	// WriteFailure is raised when the state document cannot be written.
	WriteFailure = errors.ConstError("cannot write upgrade state")

	// ComponentCompleted is raised when a mutation targets a component
	// that already completed; completed components are immutable for the
	// remainder of the run.
	ComponentCompleted = errors.ConstError("component already completed")
)

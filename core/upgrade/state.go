// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrade holds the pure types describing the lifecycle of a host
// upgrade run: the run-level state machine, and the status enumerations for
// phases and components. Nothing in this package performs I/O.
package upgrade

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// State is the run-level state of an upgrade. A run only ever moves between
// states along the edges returned by ValidTransition.
type State string

const (
	// Idle indicates no upgrade is in flight. It is both the starting
	// state of a fresh run and the state the current document returns to
	// once a terminated run has been archived.
	Idle State = "IDLE"

	// Planning indicates the caller is working out what to upgrade.
	Planning State = "PLANNING"

	// BackingUp indicates pre-upgrade backups are being taken.
	BackingUp State = "BACKING_UP"

	// Upgrading indicates components are actively being upgraded.
	Upgrading State = "UPGRADING"

	// Validating indicates post-upgrade validation is running.
	Validating State = "VALIDATING"

	// Completed indicates the run finished successfully.
	Completed State = "COMPLETED"

	// RollingBack indicates recorded rollback points are being applied.
	RollingBack State = "ROLLING_BACK"

	// RolledBack indicates the run was reverted.
	RolledBack State = "ROLLED_BACK"

	// Failed indicates the run terminated unsuccessfully.
	Failed State = "FAILED"
)

var knownStates = set.NewStrings(
	string(Idle),
	string(Planning),
	string(BackingUp),
	string(Upgrading),
	string(Validating),
	string(Completed),
	string(RollingBack),
	string(RolledBack),
	string(Failed),
)

// validTransitions is the full transition graph. The three terminal states
// route back to Idle so the host can begin a subsequent run.
var validTransitions = map[State][]State{
	Idle:        {Planning},
	Planning:    {BackingUp},
	BackingUp:   {Upgrading},
	Upgrading:   {Validating, RollingBack, Failed},
	Validating:  {Completed},
	RollingBack: {RolledBack},
	Completed:   {Idle},
	RolledBack:  {Idle},
	Failed:      {Idle},
}

// ParseState returns the State for the supplied string, or an error
// satisfying errors.IsNotValid if the string names no known state.
func ParseState(s string) (State, error) {
	if !knownStates.Contains(s) {
		return "", errors.NotValidf("upgrade state %q", s)
	}
	return State(s), nil
}

// Validate returns an error satisfying errors.IsNotValid if the state is not
// a member of the state enumeration.
func (s State) Validate() error {
	if !knownStates.Contains(string(s)) {
		return errors.NotValidf("upgrade state %q", string(s))
	}
	return nil
}

// IsTerminal reports whether the state terminates a run. Terminal runs are
// archived to history; the current document is then reset to Idle.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, RolledBack, Failed:
		return true
	}
	return false
}

// IsResumable reports whether a run interrupted in this state may be picked
// up by a later process.
func (s State) IsResumable() bool {
	switch s {
	case Planning, BackingUp, Upgrading, Validating, RollingBack:
		return true
	}
	return false
}

// ValidTransition reports whether moving from one state to the other is a
// listed edge of the transition graph. A self transition is not an edge; it
// is handled as an idempotent no-op one level up.
func ValidTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the states reachable from the given state, in a
// stable order suitable for error messages.
func TransitionsFrom(from State) []State {
	next := validTransitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"github.com/juju/errors"
)

// PhaseStatus is the status of a named phase within a run.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseCompleted  PhaseStatus = "COMPLETED"
	PhaseFailed     PhaseStatus = "FAILED"
)

// ParsePhaseStatus returns the PhaseStatus for the supplied string, or an
// error satisfying errors.IsNotValid.
func ParsePhaseStatus(s string) (PhaseStatus, error) {
	status := PhaseStatus(s)
	switch status {
	case PhasePending, PhaseInProgress, PhaseCompleted, PhaseFailed:
		return status, nil
	}
	return "", errors.NotValidf("phase status %q", s)
}

// ComponentStatus is the status of a single upgradable component.
type ComponentStatus string

const (
	ComponentPending   ComponentStatus = "PENDING"
	ComponentUpgrading ComponentStatus = "UPGRADING"
	ComponentCompleted ComponentStatus = "COMPLETED"
	ComponentFailed    ComponentStatus = "FAILED"
	ComponentSkipped   ComponentStatus = "SKIPPED"
)

// ParseComponentStatus returns the ComponentStatus for the supplied string,
// or an error satisfying errors.IsNotValid.
func ParseComponentStatus(s string) (ComponentStatus, error) {
	status := ComponentStatus(s)
	switch status {
	case ComponentPending, ComponentUpgrading, ComponentCompleted,
		ComponentFailed, ComponentSkipped:
		return status, nil
	}
	return "", errors.NotValidf("component status %q", s)
}

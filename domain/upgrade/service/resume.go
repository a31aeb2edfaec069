// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"sort"

	"github.com/juju/errors"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
	"github.com/juju/hostupgrade/domain/upgrade"
)

// CanResume reports whether the run was interrupted in a resumable state
// and is flagged resumable.
func (s *Service) CanResume() (bool, error) {
	run, err := s.ensure()
	if err != nil {
		return false, errors.Trace(err)
	}
	return run.State.IsResumable() && run.CanResume, nil
}

// ResumePoint returns where the run stands: its state and the current phase
// and component pointers.
func (s *Service) ResumePoint() (upgrade.ResumePoint, error) {
	run, err := s.ensure()
	if err != nil {
		return upgrade.ResumePoint{}, errors.Trace(err)
	}
	return upgrade.ResumePoint{
		State:     run.State,
		Phase:     run.CurrentPhase,
		Component: run.CurrentComponent,
		CanResume: run.State.IsResumable() && run.CanResume,
	}, nil
}

// Resume picks up an interrupted run. Components of the active phase found
// still in UPGRADING are returned in NeedsValidation, with their recorded
// state left untouched: only the caller can probe the real system to learn
// whether an interrupted component actually finished, and must follow up
// with CompleteComponent or FailComponent for each.
func (s *Service) Resume() (upgrade.ResumeReport, error) {
	run, err := s.ensure()
	if err != nil {
		return upgrade.ResumeReport{}, errors.Trace(err)
	}
	point, err := s.ResumePoint()
	if err != nil {
		return upgrade.ResumeReport{}, errors.Trace(err)
	}
	if !point.CanResume {
		return upgrade.ResumeReport{}, errors.NotValidf(
			"resuming run %q in state %s", run.ID, run.State)
	}

	report := upgrade.ResumeReport{Point: point}
	if phase := run.ActivePhase(); phase != nil {
		for name, comp := range phase.Components {
			if comp.Status == coreupgrade.ComponentUpgrading {
				report.NeedsValidation = append(report.NeedsValidation, name)
			}
		}
		sort.Strings(report.NeedsValidation)
	}

	logger.Infof("resuming run %q at state %s, phase %q, component %q",
		run.ID, run.State, run.CurrentPhase, run.CurrentComponent)
	for _, name := range report.NeedsValidation {
		logger.Warningf("component %q was mid-upgrade when the run was interrupted; verify it before continuing", name)
	}
	return report, nil
}

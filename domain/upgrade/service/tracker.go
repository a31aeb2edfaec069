// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
	"github.com/juju/hostupgrade/domain/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

// StartPhase begins the named phase and makes it current. Starting a phase
// that is already in progress and current is an idempotent no-op; a phase in
// any other state is (re)entered as IN_PROGRESS.
func (s *Service) StartPhase(name string) error {
	if name == "" {
		return errors.NotValidf("empty phase name")
	}
	run, err := s.ensure()
	if err != nil {
		return errors.Trace(err)
	}
	now := s.clock.Now().UTC()
	phase := run.Phase(name)
	switch {
	case phase == nil:
		phase = &upgrade.Phase{
			Name:       name,
			Status:     coreupgrade.PhaseInProgress,
			StartedAt:  now,
			Components: make(map[string]*upgrade.Component),
		}
		run.Phases = append(run.Phases, phase)
	case phase.Status == coreupgrade.PhaseInProgress:
		if run.CurrentPhase == name {
			logger.Debugf("phase %q already in progress", name)
			return nil
		}
	default:
		phase.Status = coreupgrade.PhaseInProgress
		phase.StartedAt = now
		phase.CompletedAt = time.Time{}
		phase.Error = ""
	}
	run.CurrentPhase = name
	run.CurrentComponent = ""
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: started phase %q", run.ID, name)
	return nil
}

// CompletePhase marks an existing phase COMPLETED.
func (s *Service) CompletePhase(name string) error {
	return s.endPhase(name, coreupgrade.PhaseCompleted, "")
}

// FailPhase marks an existing phase FAILED, recording the reason.
func (s *Service) FailPhase(name, reason string) error {
	return s.endPhase(name, coreupgrade.PhaseFailed, reason)
}

func (s *Service) endPhase(name string, status coreupgrade.PhaseStatus, reason string) error {
	run, err := s.ensure()
	if err != nil {
		return errors.Trace(err)
	}
	phase := run.Phase(name)
	if phase == nil {
		return errors.NotFoundf("phase %q", name)
	}
	phase.Status = status
	phase.CompletedAt = s.clock.Now().UTC()
	phase.Error = reason
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: phase %q %s", run.ID, name, status)
	return nil
}

// StartComponent begins upgrading the named component within the active
// phase, recording the version transition, and makes it current. A failed or
// pending component may be re-entered; its attempt counter is left alone
// (only FailComponent increments it). A COMPLETED component is immutable for
// the remainder of the run and may not be restarted.
func (s *Service) StartComponent(name string, from, to version.Number) error {
	run, phase, err := s.activePhase()
	if err != nil {
		return errors.Trace(err)
	}
	now := s.clock.Now().UTC()
	comp := phase.Component(name)
	if comp == nil {
		comp = &upgrade.Component{Name: name}
		phase.Components[name] = comp
	} else if comp.Status == coreupgrade.ComponentCompleted {
		return errors.Annotatef(upgradeerrors.ComponentCompleted, "%q", name)
	}
	comp.Status = coreupgrade.ComponentUpgrading
	comp.FromVersion = from
	comp.ToVersion = to
	comp.StartedAt = now
	comp.CompletedAt = time.Time{}
	run.CurrentComponent = name
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: upgrading %q %s -> %s (attempts so far: %d)",
		run.ID, name, from, to, comp.Attempts)
	return nil
}

// CompleteComponent marks the component COMPLETED. From this point on,
// IsUpgraded reports true for it for the rest of the run, surviving process
// restarts; completing an already-completed component is a no-op.
func (s *Service) CompleteComponent(name string) error {
	run, phase, err := s.activePhase()
	if err != nil {
		return errors.Trace(err)
	}
	comp := phase.Component(name)
	if comp == nil {
		return errors.NotFoundf("component %q in phase %q", name, phase.Name)
	}
	if comp.Status == coreupgrade.ComponentCompleted {
		return nil
	}
	comp.Status = coreupgrade.ComponentCompleted
	comp.CompletedAt = s.clock.Now().UTC()
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: component %q upgraded to %s", run.ID, name, comp.ToVersion)
	return nil
}

// FailComponent marks the component FAILED, records the error and increments
// its attempt counter by exactly one. No retry happens here; the caller
// decides whether to StartComponent again.
func (s *Service) FailComponent(name, reason string) error {
	run, phase, err := s.activePhase()
	if err != nil {
		return errors.Trace(err)
	}
	comp := phase.Component(name)
	if comp == nil {
		return errors.NotFoundf("component %q in phase %q", name, phase.Name)
	}
	if comp.Status == coreupgrade.ComponentCompleted {
		return errors.Annotatef(upgradeerrors.ComponentCompleted, "%q", name)
	}
	comp.Status = coreupgrade.ComponentFailed
	comp.Attempts++
	comp.LastError = reason
	comp.CompletedAt = s.clock.Now().UTC()
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Warningf("run %q: component %q failed (attempt %d): %s",
		run.ID, name, comp.Attempts, reason)
	return nil
}

// SkipComponent records the component as SKIPPED at its current version,
// typically because it is already at the target.
func (s *Service) SkipComponent(name string, current version.Number) error {
	run, phase, err := s.activePhase()
	if err != nil {
		return errors.Trace(err)
	}
	comp := phase.Component(name)
	if comp == nil {
		comp = &upgrade.Component{Name: name}
		phase.Components[name] = comp
	} else if comp.Status == coreupgrade.ComponentCompleted {
		return errors.Annotatef(upgradeerrors.ComponentCompleted, "%q", name)
	}
	comp.Status = coreupgrade.ComponentSkipped
	comp.FromVersion = current
	comp.ToVersion = current
	comp.CompletedAt = s.clock.Now().UTC()
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: component %q skipped at %s", run.ID, name, current)
	return nil
}

// IsUpgraded reports whether the named component completed its upgrade at
// any point in this run. This is the primitive callers use to skip finished
// work on re-invocation.
func (s *Service) IsUpgraded(name string) (bool, error) {
	run, err := s.ensure()
	if err != nil {
		return false, errors.Trace(err)
	}
	comp := run.Component(name)
	return comp != nil && comp.Status == coreupgrade.ComponentCompleted, nil
}

// Status returns a copy of the named component's record, or a zero record
// if the component was never started.
func (s *Service) Status(name string) (upgrade.Component, error) {
	run, err := s.ensure()
	if err != nil {
		return upgrade.Component{}, errors.Trace(err)
	}
	comp := run.Component(name)
	if comp == nil {
		return upgrade.Component{}, nil
	}
	return *comp, nil
}

// activePhase returns the run and its in-progress current phase, failing
// with NoActivePhase when the pointer is unset, dangling, or the phase is
// no longer in progress.
func (s *Service) activePhase() (*upgrade.Run, *upgrade.Phase, error) {
	run, err := s.ensure()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	phase := run.ActivePhase()
	if phase == nil || phase.Status != coreupgrade.PhaseInProgress {
		return nil, nil, errors.Annotatef(upgradeerrors.NoActivePhase, "run %q", run.ID)
	}
	return run, phase, nil
}

// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"sort"

	"github.com/juju/errors"

	"github.com/juju/hostupgrade/domain/upgrade"
)

// MarkRollbackPoint records the backup artifact for a component and flags
// the run as rollback-capable. This is pure bookkeeping: producing and
// verifying the backup is the backup collaborator's job.
func (s *Service) MarkRollbackPoint(component, backupPath string) error {
	if backupPath == "" {
		return errors.NotValidf("empty backup path")
	}
	run, err := s.ensure()
	if err != nil {
		return errors.Trace(err)
	}
	comp := run.Component(component)
	if comp == nil {
		return errors.NotFoundf("component %q", component)
	}
	comp.BackupPath = backupPath
	run.RollbackAvailable = true
	if err := s.st.Save(run); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("run %q: rollback point for %q recorded at %s", run.ID, component, backupPath)
	return nil
}

// RollbackInfo reports whether rollback is available and lists every
// component with a recorded backup, phase order first then name order.
func (s *Service) RollbackInfo() (bool, []upgrade.RollbackTarget, error) {
	run, err := s.ensure()
	if err != nil {
		return false, nil, errors.Trace(err)
	}
	var targets []upgrade.RollbackTarget
	for _, phase := range run.Phases {
		names := make([]string, 0, len(phase.Components))
		for name := range phase.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			comp := phase.Components[name]
			if comp.BackupPath == "" {
				continue
			}
			targets = append(targets, upgrade.RollbackTarget{
				Component:   name,
				BackupPath:  comp.BackupPath,
				FromVersion: comp.FromVersion,
				ToVersion:   comp.ToVersion,
			})
		}
	}
	return run.RollbackAvailable, targets, nil
}

// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service drives an upgrade run through its lifecycle: validated
// run-state transitions, phase and component tracking, resume inspection,
// rollback bookkeeping and archival.
//
// A Service instance assumes the single-writer model: exactly one process,
// holding the upgrade lock, mutates state at a time. Methods are not safe
// for concurrent use within that process. Should a save fail partway, the
// in-memory run may be ahead of the disk; Reload discards the cache.
package service

import (
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
	"github.com/juju/hostupgrade/domain/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

var logger = loggo.GetLogger("hostupgrade.service")

// Store provides persistence for the current run.
type Store interface {
	// Load returns the persisted run, or an error satisfying NoState
	// when no document exists.
	Load() (*upgrade.Run, error)

	// Save atomically replaces the persisted run.
	Save(*upgrade.Run) error
}

// Service mutates an upgrade run through validated operations, persisting
// after every successful mutation.
type Service struct {
	st    Store
	clock clock.Clock

	run *upgrade.Run
}

// NewService returns a Service over the given store and clock.
func NewService(st Store, clk clock.Clock) *Service {
	return &Service{st: st, clock: clk}
}

// Init creates a fresh IDLE run and persists it. It refuses while a
// non-terminal run other than IDLE is on disk; such a run must be driven to
// a terminal state (or resumed) first.
func (s *Service) Init(meta upgrade.Metadata) (*upgrade.Run, error) {
	existing, err := s.st.Load()
	if err != nil && !errors.Is(err, upgradeerrors.NoState) {
		return nil, errors.Trace(err)
	}
	if err == nil && existing.State != coreupgrade.Idle && !existing.State.IsTerminal() {
		return nil, errors.AlreadyExistsf("upgrade run %q in state %s", existing.ID, existing.State)
	}

	run := &upgrade.Run{
		ID:        uuid.New().String(),
		State:     coreupgrade.Idle,
		StartedAt: s.clock.Now().UTC(),
		Metadata:  meta,
	}
	if err := s.st.Save(run); err != nil {
		return nil, errors.Trace(err)
	}
	s.run = run
	logger.Infof("initialized upgrade run %q for %s@%s (pid %d)",
		run.ID, meta.User, meta.Hostname, meta.PID)
	return run, nil
}

// Run returns the current run, loading it if necessary. The returned value
// is the service's working copy; treat it as read-only.
func (s *Service) Run() (*upgrade.Run, error) {
	return s.ensure()
}

// Reload discards the cached run and re-reads it from disk.
func (s *Service) Reload() (*upgrade.Run, error) {
	s.run = nil
	return s.ensure()
}

// SetState moves the run to the given state. Setting the current state again
// succeeds as a no-op. Any other pair that is not an edge of the transition
// graph fails with InvalidTransition and leaves the run untouched. Entering
// a resumable state marks the run resumable; entering a terminal state
// clears the flag.
func (s *Service) SetState(to coreupgrade.State) error {
	if err := to.Validate(); err != nil {
		return errors.Trace(err)
	}
	run, err := s.ensure()
	if err != nil {
		return errors.Trace(err)
	}
	if to == run.State {
		logger.Debugf("run %q already in state %s", run.ID, to)
		return nil
	}
	if !coreupgrade.ValidTransition(run.State, to) {
		return errors.Annotatef(upgradeerrors.InvalidTransition,
			"%s -> %s (valid next states: %v)",
			run.State, to, coreupgrade.TransitionsFrom(run.State))
	}

	prior := run.State
	priorResume := run.CanResume
	priorPhase, priorComponent := run.CurrentPhase, run.CurrentComponent

	run.State = to
	run.CanResume = to.IsResumable()
	if to == coreupgrade.Idle {
		run.CurrentPhase = ""
		run.CurrentComponent = ""
	}
	if err := s.st.Save(run); err != nil {
		run.State = prior
		run.CanResume = priorResume
		run.CurrentPhase, run.CurrentComponent = priorPhase, priorComponent
		return errors.Trace(err)
	}
	logger.Infof("run %q: %s -> %s", run.ID, prior, to)
	return nil
}

// Progress returns the percentage of components completed across all phases.
func (s *Service) Progress() (int, error) {
	run, err := s.ensure()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return run.ProgressPercent(), nil
}

// Summary returns a roll-up of the run for status reporting.
func (s *Service) Summary() (upgrade.Summary, error) {
	run, err := s.ensure()
	if err != nil {
		return upgrade.Summary{}, errors.Trace(err)
	}
	return run.Summarize(), nil
}

// HistoryArchiver is the archival sink consumed by Archive; satisfied by
// the state package's HistoryStore.
type HistoryArchiver interface {
	Save(*upgrade.Run) error
}

// Archive writes the terminated run to history and resets the current
// document to a fresh IDLE run carrying the same metadata, ready for the
// host's next upgrade. Archiving the same run again overwrites its history
// entry, so repeat calls are safe.
func (s *Service) Archive(history HistoryArchiver) error {
	run, err := s.ensure()
	if err != nil {
		return errors.Trace(err)
	}
	if !run.State.IsTerminal() {
		return errors.NotValidf("archiving run %q in non-terminal state %s", run.ID, run.State)
	}
	if err := history.Save(run); err != nil {
		return errors.Trace(err)
	}

	fresh := &upgrade.Run{
		ID:        uuid.New().String(),
		State:     coreupgrade.Idle,
		StartedAt: s.clock.Now().UTC(),
		Metadata:  run.Metadata,
	}
	if err := s.st.Save(fresh); err != nil {
		return errors.Trace(err)
	}
	s.run = fresh
	logger.Infof("archived run %q (%s); current state reset to %s",
		run.ID, run.State, coreupgrade.Idle)
	return nil
}

func (s *Service) ensure() (*upgrade.Run, error) {
	if s.run != nil {
		return s.run, nil
	}
	run, err := s.st.Load()
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.run = run
	return run, nil
}

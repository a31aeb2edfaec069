// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

type trackerSuite struct {
	baseSuite
}

var _ = gc.Suite(&trackerSuite{})

// toUpgrading walks a fresh run into UPGRADING, the state in which phases
// and components are normally driven.
func (s *trackerSuite) toUpgrading(c *gc.C) {
	s.initRun(c)
	for _, st := range []coreupgrade.State{
		coreupgrade.Planning, coreupgrade.BackingUp, coreupgrade.Upgrading,
	} {
		c.Assert(s.svc.SetState(st), jc.ErrorIsNil)
	}
}

func (s *trackerSuite) TestStartPhaseCreatesAndSetsCurrent(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)

	run := mustRun(c, s.svc)
	phase := run.Phase("exporters")
	c.Assert(phase, gc.NotNil)
	c.Assert(phase.Status, gc.Equals, coreupgrade.PhaseInProgress)
	c.Assert(run.CurrentPhase, gc.Equals, "exporters")
}

func (s *trackerSuite) TestStartPhaseIdempotentWhenInProgress(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	started := mustRun(c, s.svc).Phase("exporters").StartedAt

	s.clock.Advance(time.Minute)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(mustRun(c, s.svc).Phase("exporters").StartedAt, gc.Equals, started)
}

func (s *trackerSuite) TestStartPhaseEmptyName(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase(""), jc.Satisfies, errors.IsNotValid)
}

func (s *trackerSuite) TestCompletePhaseRequiresExistence(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.CompletePhase("exporters"), jc.Satisfies, errors.IsNotFound)
	c.Assert(s.svc.FailPhase("exporters", "boom"), jc.Satisfies, errors.IsNotFound)
}

func (s *trackerSuite) TestCompleteAndFailPhase(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.CompletePhase("exporters"), jc.ErrorIsNil)
	c.Assert(mustRun(c, s.svc).Phase("exporters").Status, gc.Equals, coreupgrade.PhaseCompleted)

	c.Assert(s.svc.StartPhase("servers"), jc.ErrorIsNil)
	c.Assert(s.svc.FailPhase("servers", "disk full"), jc.ErrorIsNil)
	phase := mustRun(c, s.svc).Phase("servers")
	c.Assert(phase.Status, gc.Equals, coreupgrade.PhaseFailed)
	c.Assert(phase.Error, gc.Equals, "disk full")
}

func (s *trackerSuite) TestStartComponentRequiresActivePhase(c *gc.C) {
	s.toUpgrading(c)
	err := s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1"))
	c.Assert(err, jc.ErrorIs, upgradeerrors.NoActivePhase)
}

func (s *trackerSuite) TestComponentLifecycle(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)

	run := mustRun(c, s.svc)
	c.Assert(run.CurrentComponent, gc.Equals, "node_exporter")
	comp, err := s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Status, gc.Equals, coreupgrade.ComponentUpgrading)
	c.Assert(comp.Attempts, gc.Equals, 0)

	c.Assert(s.svc.CompleteComponent("node_exporter"), jc.ErrorIsNil)
	upgraded, err := s.svc.IsUpgraded("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(upgraded, jc.IsTrue)
}

func (s *trackerSuite) TestIsUpgradedSurvivesReload(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	c.Assert(s.svc.CompleteComponent("node_exporter"), jc.ErrorIsNil)

	fresh := s.freshService()
	upgraded, err := fresh.IsUpgraded("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(upgraded, jc.IsTrue)
}

func (s *trackerSuite) TestCompletedComponentIsImmutable(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	c.Assert(s.svc.CompleteComponent("node_exporter"), jc.ErrorIsNil)

	err := s.svc.StartComponent("node_exporter",
		version.MustParse("1.9.1"), version.MustParse("2.0.0"))
	c.Assert(err, jc.ErrorIs, upgradeerrors.ComponentCompleted)
	err = s.svc.FailComponent("node_exporter", "should not apply")
	c.Assert(err, jc.ErrorIs, upgradeerrors.ComponentCompleted)

	// Completing again is a harmless no-op.
	c.Assert(s.svc.CompleteComponent("node_exporter"), jc.ErrorIsNil)

	comp, err := s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Status, gc.Equals, coreupgrade.ComponentCompleted)
	c.Assert(comp.Attempts, gc.Equals, 0)
}

func (s *trackerSuite) TestFailComponentIncrementsAttemptsExactlyOnce(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)

	c.Assert(s.svc.FailComponent("node_exporter", "e"), jc.ErrorIsNil)
	comp, err := s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Attempts, gc.Equals, 1)
	c.Assert(comp.LastError, gc.Equals, "e")
	c.Assert(comp.Status, gc.Equals, coreupgrade.ComponentFailed)

	// A bare restart never touches the counter.
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	comp, err = s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Attempts, gc.Equals, 1)

	c.Assert(s.svc.FailComponent("node_exporter", "e2"), jc.ErrorIsNil)
	comp, err = s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Attempts, gc.Equals, 2)
	c.Assert(comp.LastError, gc.Equals, "e2")
}

func (s *trackerSuite) TestTwoFailuresAfterOneStart(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	c.Assert(s.svc.FailComponent("node_exporter", "first"), jc.ErrorIsNil)
	c.Assert(s.svc.FailComponent("node_exporter", "second"), jc.ErrorIsNil)

	comp, err := s.svc.Status("node_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Attempts, gc.Equals, 2)
}

func (s *trackerSuite) TestSkipComponent(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.SkipComponent("blackbox_exporter", version.MustParse("0.25.0")), jc.ErrorIsNil)

	comp, err := s.svc.Status("blackbox_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Status, gc.Equals, coreupgrade.ComponentSkipped)
	c.Assert(comp.FromVersion, gc.Equals, version.MustParse("0.25.0"))
	c.Assert(comp.ToVersion, gc.Equals, version.MustParse("0.25.0"))

	upgraded, err := s.svc.IsUpgraded("blackbox_exporter")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(upgraded, jc.IsFalse)
}

func (s *trackerSuite) TestStatusOfUnknownComponentIsZero(c *gc.C) {
	s.toUpgrading(c)
	comp, err := s.svc.Status("never_started")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(comp.Name, gc.Equals, "")
	c.Assert(comp.Status, gc.Equals, coreupgrade.ComponentStatus(""))
	c.Assert(comp.Attempts, gc.Equals, 0)
}

func (s *trackerSuite) TestComponentMappingOnlyGrows(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	c.Assert(s.svc.FailComponent("node_exporter", "e"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("process_exporter",
		version.MustParse("0.8.2"), version.MustParse("0.8.7")), jc.ErrorIsNil)

	// Re-entering the phase keeps previously recorded components.
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	run := mustRun(c, s.svc)
	c.Assert(run.Phase("exporters").Components, gc.HasLen, 2)
}

func (s *trackerSuite) TestProgressAcrossPhases(c *gc.C) {
	s.toUpgrading(c)
	c.Assert(s.svc.StartPhase("exporters"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("node_exporter",
		version.MustParse("1.7.0"), version.MustParse("1.9.1")), jc.ErrorIsNil)
	c.Assert(s.svc.CompleteComponent("node_exporter"), jc.ErrorIsNil)
	c.Assert(s.svc.CompletePhase("exporters"), jc.ErrorIsNil)

	c.Assert(s.svc.StartPhase("servers"), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("prometheus",
		version.MustParse("2.45.0"), version.MustParse("2.53.1")), jc.ErrorIsNil)
	c.Assert(s.svc.StartComponent("grafana",
		version.MustParse("10.2.0"), version.MustParse("11.1.0")), jc.ErrorIsNil)

	progress, err := s.svc.Progress()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(progress, gc.Equals, 33)

	c.Assert(s.svc.CompleteComponent("prometheus"), jc.ErrorIsNil)
	c.Assert(s.svc.CompleteComponent("grafana"), jc.ErrorIsNil)
	progress, err = s.svc.Progress()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(progress, gc.Equals, 100)
}

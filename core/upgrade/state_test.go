// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type stateSuite struct{}

var _ = gc.Suite(&stateSuite{})

var allStates = []State{
	Idle, Planning, BackingUp, Upgrading, Validating,
	Completed, RollingBack, RolledBack, Failed,
}

var edges = []struct {
	from, to State
}{
	{Idle, Planning},
	{Planning, BackingUp},
	{BackingUp, Upgrading},
	{Upgrading, Validating},
	{Upgrading, RollingBack},
	{Upgrading, Failed},
	{Validating, Completed},
	{RollingBack, RolledBack},
	{Completed, Idle},
	{RolledBack, Idle},
	{Failed, Idle},
}

func (s *stateSuite) TestValidTransitionListedEdges(c *gc.C) {
	for _, edge := range edges {
		c.Check(ValidTransition(edge.from, edge.to), jc.IsTrue,
			gc.Commentf("%s -> %s", edge.from, edge.to))
	}
}

func (s *stateSuite) TestValidTransitionRejectsNonEdges(c *gc.C) {
	isEdge := func(from, to State) bool {
		for _, edge := range edges {
			if edge.from == from && edge.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range allStates {
		for _, to := range allStates {
			if from == to || isEdge(from, to) {
				continue
			}
			c.Check(ValidTransition(from, to), jc.IsFalse,
				gc.Commentf("%s -> %s", from, to))
		}
	}
}

func (s *stateSuite) TestSelfTransitionIsNotAnEdge(c *gc.C) {
	// Idempotent self transitions are handled above the graph.
	for _, st := range allStates {
		c.Check(ValidTransition(st, st), jc.IsFalse)
	}
}

func (s *stateSuite) TestTransitionsFrom(c *gc.C) {
	c.Assert(TransitionsFrom(Upgrading), gc.DeepEquals,
		[]State{Validating, RollingBack, Failed})
	c.Assert(TransitionsFrom(Idle), gc.DeepEquals, []State{Planning})
}

func (s *stateSuite) TestTransitionsFromReturnsCopy(c *gc.C) {
	next := TransitionsFrom(Idle)
	next[0] = Failed
	c.Assert(TransitionsFrom(Idle), gc.DeepEquals, []State{Planning})
}

func (s *stateSuite) TestParseState(c *gc.C) {
	for _, st := range allStates {
		parsed, err := ParseState(string(st))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(parsed, gc.Equals, st)
	}
	_, err := ParseState("SIDEWAYS")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *stateSuite) TestValidate(c *gc.C) {
	c.Assert(Upgrading.Validate(), jc.ErrorIsNil)
	c.Assert(State("bogus").Validate(), jc.Satisfies, errors.IsNotValid)
}

func (s *stateSuite) TestTerminalStates(c *gc.C) {
	terminal := map[State]bool{Completed: true, RolledBack: true, Failed: true}
	for _, st := range allStates {
		c.Check(st.IsTerminal(), gc.Equals, terminal[st], gc.Commentf("%s", st))
	}
}

func (s *stateSuite) TestResumableStates(c *gc.C) {
	resumable := map[State]bool{
		Planning: true, BackingUp: true, Upgrading: true,
		Validating: true, RollingBack: true,
	}
	for _, st := range allStates {
		c.Check(st.IsResumable(), gc.Equals, resumable[st], gc.Commentf("%s", st))
	}
}

func (s *stateSuite) TestParsePhaseStatus(c *gc.C) {
	for _, status := range []PhaseStatus{
		PhasePending, PhaseInProgress, PhaseCompleted, PhaseFailed,
	} {
		parsed, err := ParsePhaseStatus(string(status))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(parsed, gc.Equals, status)
	}
	_, err := ParsePhaseStatus("RESTING")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *stateSuite) TestParseComponentStatus(c *gc.C) {
	for _, status := range []ComponentStatus{
		ComponentPending, ComponentUpgrading, ComponentCompleted,
		ComponentFailed, ComponentSkipped,
	} {
		parsed, err := ParseComponentStatus(string(status))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(parsed, gc.Equals, status)
	}
	_, err := ParseComponentStatus("MAYBE")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

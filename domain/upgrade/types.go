// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrade holds the entity records for a host upgrade run. The
// records are shared by the state layer, which persists them, and the
// service layer, which mutates them through validated operations.
package upgrade

import (
	"time"

	"github.com/juju/version/v2"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
)

// Metadata identifies the process operating a run.
type Metadata struct {
	Hostname string
	User     string
	PID      int
}

// Component tracks a single upgradable unit through a version transition.
type Component struct {
	Name        string
	Status      coreupgrade.ComponentStatus
	FromVersion version.Number
	ToVersion   version.Number
	StartedAt   time.Time
	CompletedAt time.Time

	// Attempts counts failures, not starts. It is incremented exactly
	// once per FailComponent and never anywhere else, so callers can
	// detect repeated-failure patterns.
	Attempts int

	LastError  string
	BackupPath string
}

// Phase is a named grouping of components upgraded together.
type Phase struct {
	Name        string
	Status      coreupgrade.PhaseStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string

	// Components only ever grows within a run; entries are never removed.
	Components map[string]*Component
}

// Component returns the named component, or nil if it was never started.
func (p *Phase) Component(name string) *Component {
	if p.Components == nil {
		return nil
	}
	return p.Components[name]
}

// Run is one end-to-end upgrade attempt on a host.
type Run struct {
	ID        string
	State     coreupgrade.State
	StartedAt time.Time
	UpdatedAt time.Time

	// CurrentPhase and CurrentComponent are the progress pointers; empty
	// when no phase or component is active.
	CurrentPhase     string
	CurrentComponent string

	RollbackAvailable bool
	CanResume         bool
	Metadata          Metadata

	// Phases holds the run's phases in the order they were started.
	Phases []*Phase
}

// Phase returns the named phase, or nil if it does not exist.
func (r *Run) Phase(name string) *Phase {
	for _, p := range r.Phases {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ActivePhase returns the phase the CurrentPhase pointer names, or nil if
// the pointer is unset or dangling.
func (r *Run) ActivePhase() *Phase {
	if r.CurrentPhase == "" {
		return nil
	}
	return r.Phase(r.CurrentPhase)
}

// Component returns the named component from any phase of the run, or nil.
// Component names are expected to be unique across phases; if a name were
// ever repeated the earliest phase wins.
func (r *Run) Component(name string) *Component {
	for _, p := range r.Phases {
		if c := p.Component(name); c != nil {
			return c
		}
	}
	return nil
}

// ComponentCounts returns the total number of components across all phases
// and how many of them have completed.
func (r *Run) ComponentCounts() (total, completed int) {
	for _, p := range r.Phases {
		for _, c := range p.Components {
			total++
			if c.Status == coreupgrade.ComponentCompleted {
				completed++
			}
		}
	}
	return total, completed
}

// ProgressPercent returns floor(100 * completed / total) across all phases,
// or 0 when the run has no components yet.
func (r *Run) ProgressPercent() int {
	total, completed := r.ComponentCounts()
	if total == 0 {
		return 0
	}
	return 100 * completed / total
}

// ResumePoint describes where an interrupted run stands.
type ResumePoint struct {
	State     coreupgrade.State
	Phase     string
	Component string
	CanResume bool
}

// ResumeReport is the outcome of resuming an interrupted run.
type ResumeReport struct {
	Point ResumePoint

	// NeedsValidation lists components of the active phase found in
	// UPGRADING. The machine never guesses whether an interrupted
	// component actually finished; the caller must probe the real system
	// and complete or fail each one.
	NeedsValidation []string
}

// RollbackTarget associates a component with its recorded backup artifact.
type RollbackTarget struct {
	Component   string
	BackupPath  string
	FromVersion version.Number
	ToVersion   version.Number
}

// Summary is a human-oriented roll-up of a run.
type Summary struct {
	ID              string
	State           coreupgrade.State
	CurrentPhase    string
	TotalComponents int
	Completed       int
	Failed          int
	Skipped         int
	ProgressPercent int
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Summarize builds a Summary from the run.
func (r *Run) Summarize() Summary {
	s := Summary{
		ID:           r.ID,
		State:        r.State,
		CurrentPhase: r.CurrentPhase,
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	for _, p := range r.Phases {
		for _, c := range p.Components {
			s.TotalComponents++
			switch c.Status {
			case coreupgrade.ComponentCompleted:
				s.Completed++
			case coreupgrade.ComponentFailed:
				s.Failed++
			case coreupgrade.ComponentSkipped:
				s.Skipped++
			}
		}
	}
	s.ProgressPercent = r.ProgressPercent()
	return s
}

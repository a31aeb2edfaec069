// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"bytes"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/version/v2"
	goyaml "gopkg.in/yaml.v2"

	coreupgrade "github.com/juju/hostupgrade/core/upgrade"
	"github.com/juju/hostupgrade/domain/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

// The state document begins with a format marker line so later formats can
// be introduced without guessing at the body shape.
const (
	formatPrefix  = "# format "
	formatVersion = "1.0"
)

// runSerialization is the on-disk shape of a run. Every loosely-typed field
// (states, versions, timestamps) is stored as a string and parsed explicitly
// on load; a document that fails any parse surfaces StateCorrupted.
type runSerialization struct {
	ID                string                 `yaml:"id"`
	State             string                 `yaml:"state"`
	StartedAt         string                 `yaml:"started-at,omitempty"`
	UpdatedAt         string                 `yaml:"updated-at,omitempty"`
	CurrentPhase      string                 `yaml:"current-phase,omitempty"`
	CurrentComponent  string                 `yaml:"current-component,omitempty"`
	RollbackAvailable bool                   `yaml:"rollback-available"`
	CanResume         bool                   `yaml:"can-resume"`
	Metadata          metadataSerialization  `yaml:"metadata"`
	Phases            []*phaseSerialization  `yaml:"phases,omitempty"`
}

type metadataSerialization struct {
	Hostname string `yaml:"hostname,omitempty"`
	User     string `yaml:"user,omitempty"`
	PID      int    `yaml:"pid,omitempty"`
}

type phaseSerialization struct {
	Name        string                             `yaml:"name"`
	Status      string                             `yaml:"status"`
	StartedAt   string                             `yaml:"started-at,omitempty"`
	CompletedAt string                             `yaml:"completed-at,omitempty"`
	Error       string                             `yaml:"error,omitempty"`
	Components  map[string]*componentSerialization `yaml:"components,omitempty"`
}

type componentSerialization struct {
	Name        string `yaml:"name"`
	Status      string `yaml:"status"`
	FromVersion string `yaml:"from-version,omitempty"`
	ToVersion   string `yaml:"to-version,omitempty"`
	StartedAt   string `yaml:"started-at,omitempty"`
	CompletedAt string `yaml:"completed-at,omitempty"`
	Attempts    int    `yaml:"attempts"`
	LastError   string `yaml:"last-error,omitempty"`
	BackupPath  string `yaml:"backup-path,omitempty"`
}

func marshalRun(run *upgrade.Run) ([]byte, error) {
	doc := &runSerialization{
		ID:                run.ID,
		State:             string(run.State),
		StartedAt:         marshalTime(run.StartedAt),
		UpdatedAt:         marshalTime(run.UpdatedAt),
		CurrentPhase:      run.CurrentPhase,
		CurrentComponent:  run.CurrentComponent,
		RollbackAvailable: run.RollbackAvailable,
		CanResume:         run.CanResume,
		Metadata: metadataSerialization{
			Hostname: run.Metadata.Hostname,
			User:     run.Metadata.User,
			PID:      run.Metadata.PID,
		},
	}
	for _, phase := range run.Phases {
		p := &phaseSerialization{
			Name:        phase.Name,
			Status:      string(phase.Status),
			StartedAt:   marshalTime(phase.StartedAt),
			CompletedAt: marshalTime(phase.CompletedAt),
			Error:       phase.Error,
		}
		if len(phase.Components) > 0 {
			p.Components = make(map[string]*componentSerialization, len(phase.Components))
			for name, comp := range phase.Components {
				p.Components[name] = &componentSerialization{
					Name:        comp.Name,
					Status:      string(comp.Status),
					FromVersion: marshalVersion(comp.FromVersion),
					ToVersion:   marshalVersion(comp.ToVersion),
					StartedAt:   marshalTime(comp.StartedAt),
					CompletedAt: marshalTime(comp.CompletedAt),
					Attempts:    comp.Attempts,
					LastError:   comp.LastError,
					BackupPath:  comp.BackupPath,
				}
			}
		}
		doc.Phases = append(doc.Phases, p)
	}

	body, err := goyaml.Marshal(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%s\n", formatPrefix, formatVersion)
	buf.Write(body)
	return buf.Bytes(), nil
}

func unmarshalRun(data []byte) (*upgrade.Run, error) {
	body, err := stripFormatLine(data)
	if err != nil {
		return nil, errors.Annotate(upgradeerrors.StateCorrupted, err.Error())
	}
	var doc runSerialization
	if err := goyaml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Annotatef(upgradeerrors.StateCorrupted, "parsing document: %v", err)
	}
	if doc.ID == "" {
		return nil, errors.Annotate(upgradeerrors.StateCorrupted, "document has no run id")
	}
	state, err := coreupgrade.ParseState(doc.State)
	if err != nil {
		return nil, errors.Annotatef(upgradeerrors.StateCorrupted, "run %q: %v", doc.ID, err)
	}

	run := &upgrade.Run{
		ID:                doc.ID,
		State:             state,
		CurrentPhase:      doc.CurrentPhase,
		CurrentComponent:  doc.CurrentComponent,
		RollbackAvailable: doc.RollbackAvailable,
		CanResume:         doc.CanResume,
		Metadata: upgrade.Metadata{
			Hostname: doc.Metadata.Hostname,
			User:     doc.Metadata.User,
			PID:      doc.Metadata.PID,
		},
	}
	if run.StartedAt, err = unmarshalTime(doc.StartedAt); err != nil {
		return nil, errors.Annotatef(upgradeerrors.StateCorrupted, "run %q started-at: %v", doc.ID, err)
	}
	if run.UpdatedAt, err = unmarshalTime(doc.UpdatedAt); err != nil {
		return nil, errors.Annotatef(upgradeerrors.StateCorrupted, "run %q updated-at: %v", doc.ID, err)
	}

	for _, p := range doc.Phases {
		phase, err := unmarshalPhase(p)
		if err != nil {
			return nil, errors.Annotatef(upgradeerrors.StateCorrupted, "run %q: %v", doc.ID, err)
		}
		run.Phases = append(run.Phases, phase)
	}
	return run, nil
}

func unmarshalPhase(doc *phaseSerialization) (*upgrade.Phase, error) {
	if doc.Name == "" {
		return nil, errors.New("phase has no name")
	}
	status, err := coreupgrade.ParsePhaseStatus(doc.Status)
	if err != nil {
		return nil, errors.Annotatef(err, "phase %q", doc.Name)
	}
	phase := &upgrade.Phase{
		Name:       doc.Name,
		Status:     status,
		Error:      doc.Error,
		Components: make(map[string]*upgrade.Component),
	}
	if phase.StartedAt, err = unmarshalTime(doc.StartedAt); err != nil {
		return nil, errors.Annotatef(err, "phase %q started-at", doc.Name)
	}
	if phase.CompletedAt, err = unmarshalTime(doc.CompletedAt); err != nil {
		return nil, errors.Annotatef(err, "phase %q completed-at", doc.Name)
	}
	for name, c := range doc.Components {
		comp, err := unmarshalComponent(c)
		if err != nil {
			return nil, errors.Annotatef(err, "phase %q", doc.Name)
		}
		phase.Components[name] = comp
	}
	return phase, nil
}

func unmarshalComponent(doc *componentSerialization) (*upgrade.Component, error) {
	if doc.Name == "" {
		return nil, errors.New("component has no name")
	}
	status, err := coreupgrade.ParseComponentStatus(doc.Status)
	if err != nil {
		return nil, errors.Annotatef(err, "component %q", doc.Name)
	}
	if doc.Attempts < 0 {
		return nil, errors.Errorf("component %q has negative attempts", doc.Name)
	}
	comp := &upgrade.Component{
		Name:       doc.Name,
		Status:     status,
		Attempts:   doc.Attempts,
		LastError:  doc.LastError,
		BackupPath: doc.BackupPath,
	}
	if comp.FromVersion, err = unmarshalVersion(doc.FromVersion); err != nil {
		return nil, errors.Annotatef(err, "component %q from-version", doc.Name)
	}
	if comp.ToVersion, err = unmarshalVersion(doc.ToVersion); err != nil {
		return nil, errors.Annotatef(err, "component %q to-version", doc.Name)
	}
	if comp.StartedAt, err = unmarshalTime(doc.StartedAt); err != nil {
		return nil, errors.Annotatef(err, "component %q started-at", doc.Name)
	}
	if comp.CompletedAt, err = unmarshalTime(doc.CompletedAt); err != nil {
		return nil, errors.Annotatef(err, "component %q completed-at", doc.Name)
	}
	return comp, nil
}

func stripFormatLine(data []byte) ([]byte, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, errors.New("document has no format line")
	}
	line := string(data[:i])
	if line != formatPrefix+formatVersion {
		return nil, errors.Errorf("unknown document format %q", line)
	}
	return data[i+1:], nil
}

func marshalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func unmarshalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func marshalVersion(v version.Number) string {
	if v == version.Zero {
		return ""
	}
	return v.String()
}

func unmarshalVersion(s string) (version.Number, error) {
	if s == "" {
		return version.Zero, nil
	}
	v, err := version.Parse(s)
	if err != nil {
		return version.Zero, errors.Errorf("invalid version %q", s)
	}
	return v, nil
}

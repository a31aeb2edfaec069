// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists upgrade runs. The current run lives in a single
// YAML document whose only visible mutation is an atomic rename, so readers
// never observe a partial document and a crash mid-write leaves the prior
// document intact. Terminated runs are archived, one immutable document per
// run, under a history directory.
package state

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	utils "github.com/juju/utils/v4"

	"github.com/juju/hostupgrade/domain/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

var logger = loggo.GetLogger("hostupgrade.state")

const (
	stateFilename = "upgrade-state.yaml"

	// The operator's upgrade record is private to the owning user.
	dirPerms  = 0700
	filePerms = 0600
)

// Store is the file-backed store for the current upgrade run.
type Store struct {
	path  string
	clock clock.Clock
}

// NewStore returns a Store persisting to dataDir. The clock stamps UpdatedAt
// on every successful save.
func NewStore(dataDir string, clk clock.Clock) *Store {
	return &Store{
		path:  filepath.Join(dataDir, stateFilename),
		clock: clk,
	}
}

// Path returns the location of the state document, for reporting.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the persisted run. It returns an error satisfying
// NoState when no document exists, and StateCorrupted when a document exists
// but cannot be parsed or validated.
func (s *Store) Load() (*upgrade.Run, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(upgradeerrors.NoState, "%s", s.path)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	run, err := unmarshalRun(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return run, nil
}

// Save atomically replaces the persisted run. The document is serialized,
// verified to round-trip, written to a temporary file in the target's
// directory and renamed over the target. UpdatedAt is stamped before the
// write so the persisted and in-memory copies agree.
func (s *Store) Save(run *upgrade.Run) error {
	if err := run.State.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := ensureDir(filepath.Dir(s.path)); err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "%v", err)
	}

	run.UpdatedAt = s.clock.Now().UTC()
	data, err := marshalRun(run)
	if err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "serializing run %q: %v", run.ID, err)
	}
	// A document that cannot be read back must never reach the disk.
	if _, err := unmarshalRun(data); err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "round-trip check for run %q: %v", run.ID, err)
	}
	if err := utils.AtomicWriteFile(s.path, data, filePerms); err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "%s: %v", s.path, err)
	}
	logger.Debugf("saved run %q in state %s", run.ID, run.State)
	return nil
}

// HistoryStore archives terminated runs, one document per run id.
type HistoryStore struct {
	dir string
}

// NewHistoryStore returns a HistoryStore rooted at historyDir.
func NewHistoryStore(historyDir string) *HistoryStore {
	return &HistoryStore{dir: historyDir}
}

// Dir returns the history directory, for reporting.
func (h *HistoryStore) Dir() string {
	return h.dir
}

func (h *HistoryStore) entryPath(id string) string {
	return filepath.Join(h.dir, id+".yaml")
}

// Save archives the run under its id. Re-saving the same run overwrites the
// prior document, so repeated archival is idempotent rather than appending.
func (h *HistoryStore) Save(run *upgrade.Run) error {
	if run.ID == "" {
		return errors.NotValidf("run with empty id")
	}
	if err := ensureDir(h.dir); err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "%v", err)
	}
	data, err := marshalRun(run)
	if err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "serializing run %q: %v", run.ID, err)
	}
	path := h.entryPath(run.ID)
	if err := utils.AtomicWriteFile(path, data, filePerms); err != nil {
		return errors.Annotatef(upgradeerrors.WriteFailure, "%s: %v", path, err)
	}
	logger.Infof("archived run %q (%s) to %s", run.ID, run.State, path)
	return nil
}

// Load returns the archived run with the given id, or an error satisfying
// errors.IsNotFound.
func (h *HistoryStore) Load(id string) (*upgrade.Run, error) {
	data, err := os.ReadFile(h.entryPath(id))
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("history entry %q", id)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	run, err := unmarshalRun(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return run, nil
}

// List returns all archived runs, newest first by UpdatedAt. Entries that no
// longer parse are skipped with a warning rather than failing the listing;
// Load surfaces their corruption individually.
func (h *HistoryStore) List() ([]*upgrade.Run, error) {
	entries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var runs []*upgrade.Run
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.dir, entry.Name()))
		if err != nil {
			return nil, errors.Trace(err)
		}
		run, err := unmarshalRun(data)
		if err != nil {
			logger.Warningf("skipping unreadable history entry %q: %v", entry.Name(), err)
			continue
		}
		runs = append(runs, run)
	}
	sortRunsNewestFirst(runs)
	return runs, nil
}

// Remove deletes an archived run. Removing an absent entry is not an error.
func (h *HistoryStore) Remove(id string) error {
	err := os.Remove(h.entryPath(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

func sortRunsNewestFirst(runs []*upgrade.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return errors.Trace(err)
	}
	// MkdirAll leaves existing directories' modes alone.
	return errors.Trace(os.Chmod(dir, dirPerms))
}

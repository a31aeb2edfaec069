// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lock provides the single-writer mutual exclusion guarding an
// upgrade session. The default backend is a sentinel directory: directory
// creation is atomic across racing callers on every filesystem worth
// supporting, so the sentinel's existence is the lock. A metadata record
// inside identifies the holder for staleness detection and error reporting.
package lock

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

var logger = loggo.GetLogger("hostupgrade.lock")

const (
	// DefaultTimeout is the lock age beyond which a lock is considered
	// abandoned even if its holder pid is still alive.
	DefaultTimeout = 4 * time.Hour

	holderFilename = "holder"
)

// Holder identifies the process that acquired a lock.
type Holder struct {
	PID        int
	AcquiredAt time.Time
	Hostname   string
	User       string
}

func (h Holder) marshal() string {
	return fmt.Sprintf("%d|%d|%s|%s", h.PID, h.AcquiredAt.Unix(), h.Hostname, h.User)
}

func parseHolder(s string) (Holder, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "|", 4)
	if len(parts) != 4 {
		return Holder{}, errors.Errorf("malformed holder record %q", s)
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return Holder{}, errors.Errorf("malformed holder pid %q", parts[0])
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Holder{}, errors.Errorf("malformed holder timestamp %q", parts[1])
	}
	return Holder{
		PID:        pid,
		AcquiredAt: time.Unix(ts, 0).UTC(),
		Hostname:   parts[2],
		User:       parts[3],
	}, nil
}

// Releaser releases a held lock. Release is idempotent, and releasing a
// lock that has since been removed or taken over is not an error.
type Releaser interface {
	Release() error
}

// Lock is the mutual exclusion seam. The directory-sentinel Manager is the
// default backend; NewMutexLock offers a kernel-mediated alternative.
type Lock interface {
	// Acquire attempts to take the lock. It makes a single bounded
	// attempt, optionally preceded by the removal of a detected-stale
	// lock; it never waits for a busy lock. A busy lock surfaces an
	// error satisfying LockHeld.
	Acquire() (Releaser, error)

	// IsHeld reports whether the lock exists and its holder is alive.
	IsHeld() bool

	// Holder returns the recorded holder metadata, or an error
	// satisfying errors.IsNotFound when the lock is absent.
	Holder() (Holder, error)

	// CheckStale reports whether the lock exists but is stale: its
	// holder process is gone, or its age exceeds the timeout.
	CheckStale() (bool, error)
}

// Config configures a directory-sentinel lock Manager.
type Config struct {
	// Dir is the sentinel directory path.
	Dir string

	// Clock supplies the wall clock; defaults to clock.WallClock.
	Clock clock.Clock

	// Timeout is the staleness age; defaults to DefaultTimeout.
	Timeout time.Duration

	// ProcessAlive probes whether a pid exists; defaults to a signal-0
	// probe. Injectable for tests and for hosts with unusual process
	// visibility.
	ProcessAlive func(pid int) bool
}

// Manager is the directory-sentinel Lock backend.
type Manager struct {
	dir     string
	clock   clock.Clock
	timeout time.Duration
	alive   func(pid int) bool
}

// NewManager returns a directory-sentinel lock manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.NotValidf("empty lock dir")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = processAlive
	}
	return &Manager{
		dir:     cfg.Dir,
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		alive:   cfg.ProcessAlive,
	}, nil
}

// Dir returns the sentinel path, for reporting.
func (m *Manager) Dir() string {
	return m.dir
}

// Acquire implements Lock. On finding the lock held, it checks staleness
// once: a stale lock is removed and acquisition retried exactly once; a
// live one fails with LockHeld carrying the holder's pid.
func (m *Manager) Acquire() (Releaser, error) {
	err := m.tryAcquire()
	if err == nil {
		return &dirReleaser{m: m}, nil
	}
	if !errors.Is(err, upgradeerrors.LockHeld) {
		return nil, errors.Trace(err)
	}
	stale, staleErr := m.CheckStale()
	if staleErr != nil {
		return nil, errors.Trace(staleErr)
	}
	if !stale {
		return nil, errors.Trace(err)
	}
	logger.Warningf("removing stale upgrade lock at %s", m.dir)
	if err := os.RemoveAll(m.dir); err != nil {
		return nil, errors.Trace(err)
	}
	if err := m.tryAcquire(); err != nil {
		return nil, errors.Trace(err)
	}
	return &dirReleaser{m: m}, nil
}

func (m *Manager) tryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(m.dir), 0700); err != nil {
		return errors.Trace(err)
	}
	if err := os.Mkdir(m.dir, 0700); err != nil {
		if !os.IsExist(err) {
			return errors.Trace(err)
		}
		holder, herr := m.Holder()
		if herr != nil {
			return errors.Annotatef(upgradeerrors.LockHeld, "holder metadata unreadable: %v", herr)
		}
		return errors.Annotatef(upgradeerrors.LockHeld,
			"pid %d (%s@%s) since %s",
			holder.PID, holder.User, holder.Hostname,
			holder.AcquiredAt.Format(time.RFC3339))
	}
	holder := Holder{
		PID:        os.Getpid(),
		AcquiredAt: m.clock.Now().UTC(),
		Hostname:   hostname(),
		User:       username(),
	}
	path := filepath.Join(m.dir, holderFilename)
	if err := os.WriteFile(path, []byte(holder.marshal()+"\n"), 0600); err != nil {
		// A sentinel without our metadata must not linger.
		_ = os.RemoveAll(m.dir)
		return errors.Trace(err)
	}
	logger.Debugf("acquired upgrade lock at %s (pid %d)", m.dir, holder.PID)
	return nil
}

// IsHeld implements Lock.
func (m *Manager) IsHeld() bool {
	holder, err := m.Holder()
	if err != nil {
		return false
	}
	return m.alive(holder.PID)
}

// Holder implements Lock.
func (m *Manager) Holder() (Holder, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, holderFilename))
	if os.IsNotExist(err) {
		return Holder{}, errors.NotFoundf("lock holder at %s", m.dir)
	} else if err != nil {
		return Holder{}, errors.Trace(err)
	}
	holder, err := parseHolder(string(data))
	if err != nil {
		return Holder{}, errors.Trace(err)
	}
	return holder, nil
}

// CheckStale implements Lock. A lock without readable holder metadata is
// judged by the sentinel's age alone: it may belong to a holder caught
// between creating the sentinel and recording itself, so liveness cannot
// be probed.
func (m *Manager) CheckStale() (bool, error) {
	holder, err := m.Holder()
	if err != nil {
		info, statErr := os.Stat(m.dir)
		if os.IsNotExist(statErr) {
			return false, nil
		} else if statErr != nil {
			return false, errors.Trace(statErr)
		}
		return m.clock.Now().Sub(info.ModTime()) > m.timeout, nil
	}
	if !m.alive(holder.PID) {
		return true, nil
	}
	return m.clock.Now().UTC().Sub(holder.AcquiredAt) > m.timeout, nil
}

// release removes the sentinel if this process owns it. Absent or foreign
// locks are left alone without error.
func (m *Manager) release() error {
	holder, err := m.Holder()
	if errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		// Unreadable metadata: not provably ours, leave it be.
		logger.Warningf("not releasing lock at %s: %v", m.dir, err)
		return nil
	}
	if holder.PID != os.Getpid() {
		return nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("released upgrade lock at %s", m.dir)
	return nil
}

type dirReleaser struct {
	m *Manager
}

// Release implements Releaser.
func (r *dirReleaser) Release() error {
	return r.m.release()
}

// processAlive is the default liveness probe: signal 0 reaches any process
// we could signal; EPERM still proves existence.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

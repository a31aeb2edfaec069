// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrader ties the pieces together for callers: it owns the data
// directory layout, acquires the upgrade lock, and hands out a Session
// wrapping the run service for the duration of the hold.
package upgrader

import (
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/hostupgrade/domain/upgrade"
	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
	"github.com/juju/hostupgrade/domain/upgrade/service"
	"github.com/juju/hostupgrade/domain/upgrade/state"
	"github.com/juju/hostupgrade/internal/lock"
)

var logger = loggo.GetLogger("hostupgrade.upgrader")

const (
	lockDirName    = "upgrade.lock"
	historyDirName = "history"

	lockPollDelay = time.Second
)

// Config configures an Upgrader.
type Config struct {
	// DataDir roots the state document, history directory and lock
	// sentinel.
	DataDir string

	// Clock supplies the wall clock; defaults to clock.WallClock.
	Clock clock.Clock

	// LockTimeout overrides the lock staleness age; zero means the
	// lock package default.
	LockTimeout time.Duration

	// WaitForLock, when positive, makes Begin poll a busy lock for up
	// to this long instead of failing immediately.
	WaitForLock time.Duration

	// Lock substitutes the mutual exclusion backend; defaults to a
	// directory sentinel under DataDir.
	Lock lock.Lock
}

// Upgrader mediates access to a host's upgrade state.
type Upgrader struct {
	dataDir     string
	clock       clock.Clock
	lock        lock.Lock
	waitForLock time.Duration
}

// New returns an Upgrader for the given data directory.
func New(cfg Config) (*Upgrader, error) {
	if cfg.DataDir == "" {
		return nil, errors.NotValidf("empty data dir")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	lck := cfg.Lock
	if lck == nil {
		var err error
		lck, err = lock.NewManager(lock.Config{
			Dir:     filepath.Join(cfg.DataDir, lockDirName),
			Clock:   cfg.Clock,
			Timeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &Upgrader{
		dataDir:     cfg.DataDir,
		clock:       cfg.Clock,
		lock:        lck,
		waitForLock: cfg.WaitForLock,
	}, nil
}

// Begin acquires the upgrade lock and returns a Session over the host's
// current run, creating a fresh IDLE run when none is persisted. The
// session owns the lock; the caller must Close or Finish it.
func (u *Upgrader) Begin(meta upgrade.Metadata) (*Session, error) {
	releaser, err := u.acquire()
	if err != nil {
		return nil, errors.Trace(err)
	}

	svc := service.NewService(state.NewStore(u.dataDir, u.clock), u.clock)
	run, err := svc.Run()
	if errors.Is(err, upgradeerrors.NoState) {
		run, err = svc.Init(meta)
	}
	if err != nil {
		if rerr := releaser.Release(); rerr != nil {
			logger.Warningf("releasing lock after failed begin: %v", rerr)
		}
		return nil, errors.Trace(err)
	}
	if run.CanResume {
		logger.Infof("run %q is resumable from state %s", run.ID, run.State)
	}
	return &Session{
		svc:      svc,
		history:  state.NewHistoryStore(filepath.Join(u.dataDir, historyDirName)),
		releaser: releaser,
	}, nil
}

// acquire takes the lock, polling when WaitForLock allows it. Only a held
// lock is worth polling for; anything else fails immediately.
func (u *Upgrader) acquire() (lock.Releaser, error) {
	var releaser lock.Releaser
	attempt := func() error {
		r, err := u.lock.Acquire()
		if err != nil {
			return errors.Trace(err)
		}
		releaser = r
		return nil
	}

	if u.waitForLock <= 0 {
		if err := attempt(); err != nil {
			return nil, errors.Trace(err)
		}
		return releaser, nil
	}

	err := retry.Call(retry.CallArgs{
		Func: attempt,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, upgradeerrors.LockHeld)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for upgrade lock (attempt %d): %v", attempt, err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       lockPollDelay,
		MaxDuration: u.waitForLock,
		Clock:       u.clock,
	})
	if err != nil {
		if retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return nil, errors.Trace(err)
	}
	return releaser, nil
}

// Status reads the current run without taking the lock. Readers get a
// complete document or none: writes replace it atomically.
func (u *Upgrader) Status() (*upgrade.Run, error) {
	return ReadStatus(u.dataDir)
}

// History returns the archived runs under the data directory, newest
// first. No lock is required.
func (u *Upgrader) History() ([]*upgrade.Run, error) {
	runs, err := state.NewHistoryStore(filepath.Join(u.dataDir, historyDirName)).List()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return runs, nil
}

// ReadStatus reads the run persisted under dataDir without locking.
func ReadStatus(dataDir string) (*upgrade.Run, error) {
	run, err := state.NewStore(dataDir, clock.WallClock).Load()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return run, nil
}

// LocalMetadata describes the calling process for lock and run records.
func LocalMetadata() upgrade.Metadata {
	meta := upgrade.Metadata{
		Hostname: "unknown",
		User:     "unknown",
		PID:      os.Getpid(),
	}
	if name, err := os.Hostname(); err == nil {
		meta.Hostname = name
	}
	if u, err := user.Current(); err == nil {
		meta.User = u.Username
	}
	return meta
}

// Session is a held upgrade lock plus the service over the run it guards.
type Session struct {
	svc      *service.Service
	history  *state.HistoryStore
	releaser lock.Releaser
	closed   bool
}

// Service returns the run service. It remains valid until Close.
func (s *Session) Service() *service.Service {
	return s.svc
}

// Finish archives the terminal run to history, resets the current document
// to a fresh IDLE run, and releases the lock. A non-terminal run cannot be
// finished; the session stays open so the caller can drive it onward or
// Close it as-is.
func (s *Session) Finish() error {
	if s.closed {
		return errors.Errorf("session already closed")
	}
	if err := s.svc.Archive(s.history); err != nil {
		return errors.Trace(err)
	}
	return s.Close()
}

// Close releases the lock. Idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Trace(s.releaser.Release())
}

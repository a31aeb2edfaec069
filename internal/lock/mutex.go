// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"

	upgradeerrors "github.com/juju/hostupgrade/domain/upgrade/errors"
)

// mutexAttempt bounds the single acquisition attempt; the Lock contract
// is try-once, never wait for a busy lock.
const mutexAttempt = 50 * time.Millisecond

// NewMutexLock returns a Lock backed by a kernel-mediated named mutex.
// The kernel releases it when the holder dies, so there is no stale state
// to detect and no holder metadata to read: Holder is not supported and
// CheckStale always reports false. The name must match ^[a-zA-Z][a-zA-Z0-9-]*$.
func NewMutexLock(name string, clk clock.Clock) Lock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &mutexLock{name: name, clock: clk}
}

type mutexLock struct {
	name  string
	clock clock.Clock

	mu   sync.Mutex
	held bool
}

// Acquire implements Lock.
func (l *mutexLock) Acquire() (Releaser, error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    l.name,
		Clock:   l.clock,
		Delay:   10 * time.Millisecond,
		Timeout: mutexAttempt,
	})
	if err == mutex.ErrTimeout || err == mutex.ErrCancelled {
		return nil, errors.Annotatef(upgradeerrors.LockHeld, "mutex %q", l.name)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	return &mutexReleaser{l: l, r: releaser}, nil
}

// IsHeld implements Lock. A named mutex cannot be observed without
// acquiring it, so this reports only whether this lock value holds it.
func (l *mutexLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Holder implements Lock.
func (l *mutexLock) Holder() (Holder, error) {
	return Holder{}, errors.NotSupportedf("holder metadata for mutex %q", l.name)
}

// CheckStale implements Lock.
func (l *mutexLock) CheckStale() (bool, error) {
	return false, nil
}

type mutexReleaser struct {
	l    *mutexLock
	r    mutex.Releaser
	once sync.Once
}

// Release implements Releaser.
func (r *mutexReleaser) Release() error {
	r.once.Do(func() {
		r.r.Release()
		r.l.mu.Lock()
		r.l.held = false
		r.l.mu.Unlock()
	})
	return nil
}

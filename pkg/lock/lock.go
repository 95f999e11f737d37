/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lock implements a robust, process-shared, error-checking mutex
// living in a caller-provided shared-memory region.
//
// The lock word records the owning process, so a holder that terminates
// without unlocking is detected: the next acquirer receives ErrOwnerDied,
// the lock is broken open so waiters do not hang, and the mutex becomes
// permanently unrecoverable. Ownership is tracked per process, not per
// goroutine; serialize goroutines of one process with a sync.Mutex before
// taking the shared lock.
package lock

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/srediag/shmsync/pkg/shm"
)

// Backing storage requirements. Callers size and align shared regions with
// these before construction.
const (
	Size  = 16
	Align = 8
)

// Layout of the backing bytes: one futex word holding the owner pid plus a
// waiters flag, one state word holding the poison flag, two reserved words.
const (
	offWord  = 0
	offState = 4

	flagWaiters   = 1 << 31
	pidMask       = flagWaiters - 1
	statePoisoned = 1 << 0
)

var (
	// ErrOwnerDied reports that the previous holder terminated while
	// holding the mutex. The lock has been broken open, but the guarded
	// data may be inconsistent.
	ErrOwnerDied = errors.New("lock: previous owner died while holding the mutex")

	// ErrNotRecoverable reports acquisition of a mutex that was poisoned
	// by a dead owner and then unlocked.
	ErrNotRecoverable = errors.New("lock: mutex unrecoverable after owner death")

	// ErrNotOwner reports an unlock of a mutex this process does not hold.
	ErrNotOwner = errors.New("lock: mutex not held by this process")

	// ErrDeadlock reports a relock by the process already holding the
	// mutex.
	ErrDeadlock = errors.New("lock: mutex already held by this process")

	// ErrPlatform reports that the platform cannot provide process-shared
	// robust mutex semantics.
	ErrPlatform = errors.New("lock: process-shared robust mutexes unsupported on this platform")
)

// Mutex is a robust, process-shared mutex over shared memory. All methods
// operate directly on the shared bytes; any process mapping the same
// physical region participates.
//
// Death detection keys off the owner's pid. If the kernel recycles that pid
// for an unrelated process before a waiter polls it, the death goes
// unnoticed and waiters keep waiting, so the robustness guarantee is
// best-effort under pid reuse.
type Mutex struct {
	b     *shm.Binding
	stats Stats
}

// Stats counts events observed by this process's handle. Cross-process
// totals require aggregating each participant's stats.
type Stats struct {
	Contentions atomic.Uint64
	Wakes       atomic.Uint64
	OwnerDeaths atomic.Uint64
	Timeouts    atomic.Uint64
}

// New binds a mutex to r and initializes it. The backing bytes must not
// already hold a live mutex: initialization runs exactly once, here.
func New(r shm.Region) (*Mutex, error) {
	m, err := Attach(r)
	if err != nil {
		return nil, err
	}
	raw := m.b.Bytes()
	for i := range raw {
		raw[i] = 0
	}
	return m, nil
}

// Attach binds a mutex to r without touching the bytes. This is the
// rehydration path for a mutex initialized by another process; attaching to
// uninitialized memory is the caller's bug and is not detectable here.
func Attach(r shm.Region) (*Mutex, error) {
	if err := platformCheck(); err != nil {
		return nil, err
	}
	b, err := shm.Bind(r, Size, Align)
	if err != nil {
		return nil, err
	}
	return &Mutex{b: b}, nil
}

// Rebind reattaches the mutex to a new mapping of the same logical region.
func (m *Mutex) Rebind(r shm.Region) error {
	return m.b.Rebind(r)
}

// Close releases the binding. Idempotent. The mutex state in shared memory
// is left as-is for other processes.
func (m *Mutex) Close() {
	m.b.Release()
}

// Stats exposes this handle's event counters.
func (m *Mutex) Stats() *Stats { return &m.stats }

// Owner exposes the region owner for external lifecycle traversal.
func (m *Mutex) Owner() shm.Owner { return m.b.Owner() }

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() error {
	_, err := m.acquire(true, nil)
	return err
}

// TryLock attempts to acquire the mutex without blocking. It returns false
// when the mutex is held by a live owner.
func (m *Mutex) TryLock() (bool, error) {
	return m.acquire(false, nil)
}

// LockTimeout acquires the mutex, giving up once d has elapsed. Negative
// durations are clamped to zero. The deadline is absolute, computed from the
// realtime clock when the call starts, so a long wait does not stretch under
// scheduling delay. It returns false when the deadline passed with the mutex
// still held.
func (m *Mutex) LockTimeout(d time.Duration) (bool, error) {
	if d < 0 {
		d = 0
	}
	deadline := time.Now().Add(d)
	return m.acquire(true, &deadline)
}

// Unlock releases the mutex. Unlocking a mutex this process does not hold
// returns ErrNotOwner.
func (m *Mutex) Unlock() error {
	word := m.word()
	pid := selfPid()
	for {
		v := atomic.LoadUint32(word)
		if v&pidMask != pid {
			return ErrNotOwner
		}
		if atomic.CompareAndSwapUint32(word, v, 0) {
			if v&flagWaiters != 0 {
				futexWake(word, 1)
			}
			return nil
		}
	}
}

// With runs fn with the mutex held, releasing on every exit path.
func (m *Mutex) With(fn func() error) error {
	if err := m.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = m.Unlock()
	}()
	return fn()
}

func (m *Mutex) word() *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.b.Pointer()) + offWord))
}

func (m *Mutex) state() *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.b.Pointer()) + offState))
}

// tryPoison marks the mutex unrecoverable. It returns true for exactly one
// caller, the one that gets to report ErrOwnerDied.
func (m *Mutex) tryPoison() bool {
	state := m.state()
	for {
		s := atomic.LoadUint32(state)
		if s&statePoisoned != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(state, s, s|statePoisoned) {
			return true
		}
	}
}

func (m *Mutex) poisoned() bool {
	return atomic.LoadUint32(m.state())&statePoisoned != 0
}

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

//go:build linux

package lock

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmsync/internal/logx"
)

var lockLogger = logx.New("lock", nil)

// Futex operation codes from the Linux uapi (futex.h); x/sys/unix does
// not export them.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

func platformCheck() error { return nil }

func selfPid() uint32 { return uint32(os.Getpid()) }

// acquire implements the three acquisition modes over one loop. Waiters
// sleep on the futex in bounded slices so a dead owner is noticed even
// though nobody will ever wake them.
func (m *Mutex) acquire(block bool, deadline *time.Time) (bool, error) {
	word := m.word()
	pid := selfPid()
	contended := false
	waited := false

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = 2 * time.Millisecond
	poll.MaxInterval = 100 * time.Millisecond
	poll.MaxElapsedTime = 0

	for {
		if m.poisoned() {
			return false, ErrNotRecoverable
		}
		v := atomic.LoadUint32(word)
		if v&pidMask == 0 {
			// Keep the waiters flag once we have slept: another waiter
			// may still be parked, and a spurious wake is cheaper than a
			// lost one.
			want := pid
			if waited || v&flagWaiters != 0 {
				want |= flagWaiters
			}
			if atomic.CompareAndSwapUint32(word, v, want) {
				// The word is cleared only after the poison flag is
				// set, so re-checking here closes the race with a
				// concurrent owner-death report.
				if m.poisoned() {
					atomic.StoreUint32(word, 0)
					return false, ErrNotRecoverable
				}
				return true, nil
			}
			continue
		}
		owner := v & pidMask
		if owner == pid {
			// Relock by the owning process. Error-checking semantics:
			// busy for a try, a reported deadlock for anything that
			// would block forever.
			if !block {
				return false, nil
			}
			return false, ErrDeadlock
		}
		if !pidAlive(owner) {
			// The owner died holding the lock. One caller reports the
			// poison and breaks the lock open so the remaining waiters
			// fail fast instead of deadlocking. The mutex is not
			// recovered.
			if !m.tryPoison() {
				return false, ErrNotRecoverable
			}
			m.stats.OwnerDeaths.Add(1)
			atomic.StoreUint32(word, 0)
			futexWake(word, math.MaxInt32)
			lockLogger.Warnf("owner pid %d died holding mutex; mutex poisoned", owner)
			return false, ErrOwnerDied
		}
		if !block {
			return false, nil
		}
		if !contended {
			contended = true
			m.stats.Contentions.Add(1)
		}
		if v&flagWaiters == 0 && !atomic.CompareAndSwapUint32(word, v, v|flagWaiters) {
			continue
		}

		// Sleep at most one liveness-poll slice, clamped to the deadline.
		wait := poll.NextBackOff()
		if deadline != nil {
			remain := time.Until(*deadline)
			if remain <= 0 {
				m.stats.Timeouts.Add(1)
				return false, nil
			}
			if remain < wait {
				wait = remain
			}
		}
		if err := futexWait(word, v|flagWaiters, wait); err != nil {
			return false, err
		}
		waited = true
		m.stats.Wakes.Add(1)
	}
}

// pidAlive reports whether the process owning the lock still exists. Errors
// probing the pid count as alive so a transient failure cannot poison a
// healthy mutex.
func pidAlive(pid uint32) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return unix.Kill(int(pid), 0) != unix.ESRCH
	}
	return exists
}

// futexWait parks on addr while it holds val, for at most d. Wakeups,
// timeouts, interrupts and value races all return nil; the caller's loop
// re-examines the word.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexOpWait),
		uintptr(val), uintptr(unsafe.Pointer(&ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return fmt.Errorf("lock: futex wait: %w", errno)
	}
}

func futexWake(addr *uint32, n int) {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(futexOpWake),
		uintptr(n), 0, 0, 0)
	if errno != 0 {
		lockLogger.Warnf("futex wake failed: %v", errno)
	}
}

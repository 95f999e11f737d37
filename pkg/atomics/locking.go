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

package atomics

import (
	"sync"
	"unsafe"

	"github.com/srediag/shmsync/pkg/lock"
	"github.com/srediag/shmsync/pkg/shm"
)

// Cell is the width-agnostic view over a scalar cell, satisfied by both the
// native Atomic cells and the Locking fallback. Atomic cells never fail Get
// or Set; the error returns exist because the fallback takes a shared lock
// that can be poisoned.
type Cell[T Scalar] interface {
	Get() (T, error)
	Set(v T) error
	Add(delta T) (T, error)
	Close()
}

// NewCell builds a zero-initialized cell of kind T over r, choosing the
// native atomic cell when the width is lock-free and the explicit Locking
// fallback otherwise. Size the region with CellSizeof, which accounts for
// the choice.
func NewCell[T Scalar](r shm.Region) (Cell[T], error) {
	if Available[T]() {
		a, err := New[T](r)
		if err != nil {
			return nil, err
		}
		return nativeCell[T]{a}, nil
	}
	return NewLocking[T](r)
}

// AttachCell is the rehydration counterpart of NewCell: it binds without
// reinitializing. Both processes must agree on the cell flavor, which they
// do automatically when they run on the same platform.
func AttachCell[T Scalar](r shm.Region) (Cell[T], error) {
	if Available[T]() {
		a, err := Attach[T](r)
		if err != nil {
			return nil, err
		}
		return nativeCell[T]{a}, nil
	}
	return AttachLocking[T](r)
}

// CellSizeof returns the region size NewCell requires for kind T on this
// platform.
func CellSizeof[T Scalar]() int {
	if Available[T]() {
		return Sizeof[T]()
	}
	return LockingSizeof[T]()
}

type nativeCell[T Scalar] struct {
	a *Atomic[T]
}

func (c nativeCell[T]) Get() (T, error) { return c.a.Get(), nil }
func (c nativeCell[T]) Set(v T) error   { c.a.Set(v); return nil }
func (c nativeCell[T]) Add(d T) (T, error) {
	return c.a.Add(d)
}
func (c nativeCell[T]) Close() { c.a.Close() }

// Locking is the fallback cell for widths without lock-free atomics: a
// robust shared mutex followed by a plain value, mirroring what the atomic
// cells do with hardware. Goroutines of one process are serialized on an
// in-process mutex first, since the shared lock is process-granular.
type Locking[T Scalar] struct {
	mu sync.Mutex
	l  *lock.Mutex
	b  *shm.Binding
}

const lockingValueOff = lock.Size

// LockingSizeof returns the region size a Locking cell of kind T requires.
func LockingSizeof[T Scalar]() int {
	return lockingValueOff + Sizeof[T]()
}

// LockingAlignof returns the region alignment a Locking cell requires.
func LockingAlignof[T Scalar]() int {
	if a := Alignof[T](); a > lock.Align {
		return a
	}
	return lock.Align
}

// NewLocking binds a fallback cell to r, initializing the embedded mutex
// and zeroing the value.
func NewLocking[T Scalar](r shm.Region) (*Locking[T], error) {
	c, err := bindLocking[T](r, lock.New)
	if err != nil {
		return nil, err
	}
	*c.value() = 0
	return c, nil
}

// AttachLocking binds a fallback cell initialized elsewhere, running no
// initialization of either the mutex bytes or the value.
func AttachLocking[T Scalar](r shm.Region) (*Locking[T], error) {
	return bindLocking[T](r, lock.Attach)
}

func bindLocking[T Scalar](r shm.Region, mk func(shm.Region) (*lock.Mutex, error)) (*Locking[T], error) {
	b, err := shm.Bind(r, LockingSizeof[T](), LockingAlignof[T]())
	if err != nil {
		return nil, err
	}
	l, err := mk(shm.Region{Data: r.Data[:lock.Size], Owner: r.Owner})
	if err != nil {
		b.Release()
		return nil, err
	}
	return &Locking[T]{l: l, b: b}, nil
}

func (c *Locking[T]) value() *T {
	return (*T)(unsafe.Pointer(uintptr(c.b.Pointer()) + lockingValueOff))
}

// Get returns the current value under the shared lock.
func (c *Locking[T]) Get() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v T
	err := c.l.With(func() error {
		v = *c.value()
		return nil
	})
	return v, err
}

// Set stores v under the shared lock.
func (c *Locking[T]) Set(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.With(func() error {
		*c.value() = v
		return nil
	})
}

// Add adds delta under the shared lock and returns the value from before
// the addition, with the same wrap-then-report overflow policy as the
// native integer cells.
func (c *Locking[T]) Add(delta T) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var old T
	var ovf error
	err := c.l.With(func() error {
		old = *c.value()
		next := old + delta
		*c.value() = next
		if wrapped(old, delta, next) {
			ovf = overflow(old, delta)
		}
		return nil
	})
	if err != nil {
		return old, err
	}
	return old, ovf
}

// Close releases both the mutex binding and the cell binding. Idempotent.
func (c *Locking[T]) Close() {
	c.l.Close()
	c.b.Release()
}

// wrapped reports whether old+delta overflowed T's width. Always false for
// float64, whose addition saturates to infinities instead of trapping.
func wrapped[T Scalar](old, delta, next T) bool {
	var z T
	switch any(z).(type) {
	case int32, int64:
		return (delta > 0 && next < old) || (delta < 0 && next > old)
	case uint32, uint64:
		return next < old
	default:
		return false
	}
}

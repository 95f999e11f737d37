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

// Package atomics provides lock-free atomic scalar cells living in
// caller-provided shared-memory regions, usable concurrently from multiple
// independent processes mapping the same physical memory.
//
// One generic cell covers the closed scalar set int32, int64, uint32,
// uint64 and float64. All operations are sequentially consistent. Integer
// additions wrap two's-complement; overflow is reported after the wrapped
// store already took effect, never prevented. The float64 cell implements
// addition as a compare-and-swap retry loop over the bit pattern.
package atomics

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/srediag/shmsync/pkg/shm"
)

// Scalar is the closed set of native types a cell can hold.
type Scalar interface {
	int32 | int64 | uint32 | uint64 | float64
}

var (
	// ErrOverflow reports an integer Add whose mathematical result does
	// not fit the native width. The wrapped value is already stored when
	// this is returned; ignoring it opts into plain wraparound.
	ErrOverflow = errors.New("atomics: addition overflowed")

	// ErrUnavailable reports a scalar width without lock-free atomics on
	// this platform. Such cells are absent, not emulated; see NewCell for
	// the lock-based fallback.
	ErrUnavailable = errors.New("atomics: width not lock-free on this platform")
)

// Atomic is an atomic scalar cell aliasing shared memory.
type Atomic[T Scalar] struct {
	b *shm.Binding
}

// New binds a cell to r and zero-initializes it. Initialization happens
// exactly once, here; every later mutation goes through Set or Add.
func New[T Scalar](r shm.Region) (*Atomic[T], error) {
	a, err := Attach[T](r)
	if err != nil {
		return nil, err
	}
	a.Set(0)
	return a, nil
}

// Attach binds a cell to r without reinitializing the value. This is the
// rehydration path for a cell initialized by another process.
func Attach[T Scalar](r shm.Region) (*Atomic[T], error) {
	if !Available[T]() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, kindOf[T]())
	}
	b, err := shm.Bind(r, Sizeof[T](), Alignof[T]())
	if err != nil {
		return nil, err
	}
	return &Atomic[T]{b: b}, nil
}

// Rebind reattaches the cell to a new mapping of the same logical region.
func (a *Atomic[T]) Rebind(r shm.Region) error {
	return a.b.Rebind(r)
}

// Close releases the binding. Idempotent. The value in shared memory
// survives for other processes.
func (a *Atomic[T]) Close() {
	a.b.Release()
}

// Owner exposes the region owner for external lifecycle traversal.
func (a *Atomic[T]) Owner() shm.Owner { return a.b.Owner() }

// Get atomically loads the value.
func (a *Atomic[T]) Get() T {
	p := a.b.Pointer()
	var z T
	switch any(z).(type) {
	case int32:
		return T(atomic.LoadInt32((*int32)(p)))
	case int64:
		return T(atomic.LoadInt64((*int64)(p)))
	case uint32:
		return T(atomic.LoadUint32((*uint32)(p)))
	case uint64:
		return T(atomic.LoadUint64((*uint64)(p)))
	default:
		return T(math.Float64frombits(atomic.LoadUint64((*uint64)(p))))
	}
}

// Set atomically stores v.
func (a *Atomic[T]) Set(v T) {
	p := a.b.Pointer()
	switch any(v).(type) {
	case int32:
		atomic.StoreInt32((*int32)(p), int32(v))
	case int64:
		atomic.StoreInt64((*int64)(p), int64(v))
	case uint32:
		atomic.StoreUint32((*uint32)(p), uint32(v))
	case uint64:
		atomic.StoreUint64((*uint64)(p), uint64(v))
	default:
		atomic.StoreUint64((*uint64)(p), math.Float64bits(float64(v)))
	}
}

// Add atomically adds delta and returns the value from before the
// addition. Integer cells perform a single fetch-add; the stored result
// always wraps. A non-nil error means the mathematical sum overflowed the
// width, reported after the store. The float64 cell retries a
// compare-and-swap until uncontended and never returns an error.
func (a *Atomic[T]) Add(delta T) (T, error) {
	p := a.b.Pointer()
	switch any(delta).(type) {
	case int32:
		d := int32(delta)
		next := atomic.AddInt32((*int32)(p), d)
		old := next - d
		if (d > 0 && next < old) || (d < 0 && next > old) {
			return T(old), overflow(old, d)
		}
		return T(old), nil
	case int64:
		d := int64(delta)
		next := atomic.AddInt64((*int64)(p), d)
		old := next - d
		if (d > 0 && next < old) || (d < 0 && next > old) {
			return T(old), overflow(old, d)
		}
		return T(old), nil
	case uint32:
		d := uint32(delta)
		next := atomic.AddUint32((*uint32)(p), d)
		old := next - d
		if next < old {
			return T(old), overflow(old, d)
		}
		return T(old), nil
	case uint64:
		d := uint64(delta)
		next := atomic.AddUint64((*uint64)(p), d)
		old := next - d
		if next < old {
			return T(old), overflow(old, d)
		}
		return T(old), nil
	default:
		d := float64(delta)
		u := (*uint64)(p)
		for {
			oldBits := atomic.LoadUint64(u)
			old := math.Float64frombits(oldBits)
			if atomic.CompareAndSwapUint64(u, oldBits, math.Float64bits(old+d)) {
				return T(old), nil
			}
		}
	}
}

func overflow[T Scalar](old, delta T) error {
	return fmt.Errorf("%w: %v + %v does not fit in %s", ErrOverflow, old, delta, kindOf[T]())
}

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

package shm

import (
	"fmt"
	"unsafe"
)

// Owner keeps a backing region alive while wrappers reference it. Retain and
// Release must be safe to call from multiple goroutines.
type Owner interface {
	Retain()
	Release()
}

// Region is a caller-provided, writable chunk of (usually shared) memory.
// Owner may be nil when the bytes are ordinary Go-managed memory; the Data
// slice itself keeps such memory alive.
type Region struct {
	Data  []byte
	Owner Owner
}

// SizeError reports a region smaller than a type requires.
type SizeError struct {
	Got  int
	Need int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("shm: region too small: %d bytes, need at least %d", e.Got, e.Need)
}

// AlignError reports a region whose base address does not satisfy the
// alignment a type requires.
type AlignError struct {
	Addr  uintptr
	Align int
}

func (e *AlignError) Error() string {
	return fmt.Sprintf("shm: region at %#x not aligned to %d bytes", e.Addr, e.Align)
}

// Binding aliases the first size bytes of a Region on behalf of a wrapper
// type. It never copies or touches the bytes, only validates and retains.
type Binding struct {
	data  []byte
	owner Owner
	size  int
	align int
}

// Bind validates that r holds at least size bytes at the given alignment and
// retains r.Owner. On failure nothing is retained.
func Bind(r Region, size, align int) (*Binding, error) {
	b := &Binding{size: size, align: align}
	if err := b.Rebind(r); err != nil {
		return nil, err
	}
	return b, nil
}

// Rebind points the binding at a new region, validating it exactly as Bind
// does. This is the rehydration hook: a wrapper crossing a process boundary
// attaches to its local mapping of the same logical segment through here.
// The new owner is retained before the old one is released, so rebinding to
// a region with the same owner is safe.
func (b *Binding) Rebind(r Region) error {
	if len(r.Data) < b.size {
		return &SizeError{Got: len(r.Data), Need: b.size}
	}
	if b.align > 1 {
		addr := uintptr(unsafe.Pointer(&r.Data[0]))
		if addr%uintptr(b.align) != 0 {
			return &AlignError{Addr: addr, Align: b.align}
		}
	}
	if r.Owner != nil {
		r.Owner.Retain()
	}
	old := b.owner
	b.data = r.Data[:b.size]
	b.owner = r.Owner
	if old != nil {
		old.Release()
	}
	return nil
}

// Release drops the owner reference and clears the data pointer. It is
// idempotent.
func (b *Binding) Release() {
	b.data = nil
	if b.owner != nil {
		b.owner.Release()
		b.owner = nil
	}
}

// Owner exposes the retained owner so an external collector or teardown pass
// can traverse and break reference cycles through the binding.
func (b *Binding) Owner() Owner { return b.owner }

// Bytes returns the bound slice, or nil after Release.
func (b *Binding) Bytes() []byte { return b.data }

// Pointer returns the base address of the bound region. It must not be
// called after Release.
func (b *Binding) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&b.data[0])
}

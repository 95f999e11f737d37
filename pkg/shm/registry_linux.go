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

package shm

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
)

var registry = cmap.New[*Segment]()

// OpenShared opens a named segment through a process-wide registry, so
// repeated opens of the same name within one process share a single mapping.
// Each successful call holds one reference; Close drops it. Anonymous
// segments bypass the registry.
func OpenShared(ctx context.Context, opts Options) (*Segment, error) {
	if opts.Name == "" {
		return Open(ctx, opts)
	}
	if s, ok := registry.Get(opts.Name); ok {
		if s.tryRetain() {
			s.opens.Add(1)
			return s, nil
		}
		// The entry's last reference is already gone and its teardown has
		// not removed it yet. Retaining it would resurrect a mapping that
		// is about to be unmapped, so drop the stale entry and map afresh.
		dropShared(s)
	}
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !registry.SetIfAbsent(opts.Name, s) {
		// Lost a racing open. The extra mapping stays private to this
		// caller and simply never enters the registry.
		return s, nil
	}
	s.inReg.Store(true)
	return s, nil
}

// dropShared removes s from the registry only while it is still the
// registered segment for its name; a fresh segment registered under the
// same name stays put.
func dropShared(s *Segment) {
	registry.RemoveCb(s.name, func(_ string, cur *Segment, exists bool) bool {
		return exists && cur == s
	})
}

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

//go:build !linux

package lock

import "time"

// Construction fails on platforms without process-shared robust futexes, so
// the method stubs below are unreachable.

func platformCheck() error { return ErrPlatform }

func selfPid() uint32 { return 0 }

func (m *Mutex) acquire(block bool, deadline *time.Time) (bool, error) {
	return false, ErrPlatform
}

func futexWake(addr *uint32, n int) {}

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

// Package shm binds wrapper types to externally owned shared-memory regions
// and provides a Linux segment provider for obtaining such regions.
//
// The Binding type validates and aliases caller memory without copying it;
// the lock and atomics packages build on it. Segment maps named /dev/shm
// files or anonymous memfds and hands out Regions into the mapping. Segment
// creation zeroes the mapping; attaching to an existing segment never does,
// so state placed there by another process survives reattachment.
package shm

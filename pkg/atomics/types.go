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
	"math"
	"runtime"
	"unsafe"
)

// lockFree64 is decided once per process. The 32-bit architectures Go
// supports emulate 64-bit atomics with kernel help or alignment tricks; we
// follow the reference semantics and call only true lock-free widths
// available.
var lockFree64 = func() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64", "ppc64", "ppc64le", "s390x", "riscv64", "loong64", "mips64", "mips64le", "wasm":
		return true
	default:
		return false
	}
}()

// Sizeof returns the backing storage a cell of kind T requires, in bytes.
func Sizeof[T Scalar]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// Alignof returns the base-address alignment a cell of kind T requires.
// 64-bit kinds always need 8 bytes: the hardware demands it even on
// platforms whose compilers would pack the plain type tighter.
func Alignof[T Scalar]() int {
	return Sizeof[T]()
}

// Available reports whether lock-free atomics exist at T's width. Callers
// must check before constructing; unavailable kinds never fall back
// silently (NewCell selects the explicit lock-based fallback instead).
func Available[T Scalar]() bool {
	return Sizeof[T]() == 4 || lockFree64
}

// MinOf returns the smallest representable value of an integer kind. The
// second result is false for float64, which has no meaningful bound here.
func MinOf[T Scalar]() (T, bool) {
	var z T
	switch any(z).(type) {
	case int32:
		v := int64(math.MinInt32)
		return T(v), true
	case int64:
		v := int64(math.MinInt64)
		return T(v), true
	case uint32, uint64:
		return 0, true
	default:
		return 0, false
	}
}

// MaxOf returns the largest representable value of an integer kind. The
// second result is false for float64.
func MaxOf[T Scalar]() (T, bool) {
	var z T
	switch any(z).(type) {
	case int32:
		v := int64(math.MaxInt32)
		return T(v), true
	case int64:
		v := int64(math.MaxInt64)
		return T(v), true
	case uint32:
		v := uint64(math.MaxUint32)
		return T(v), true
	case uint64:
		v := uint64(math.MaxUint64)
		return T(v), true
	default:
		return 0, false
	}
}

func kindOf[T Scalar]() string {
	var z T
	switch any(z).(type) {
	case int32:
		return "int32"
	case int64:
		return "int64"
	case uint32:
		return "uint32"
	case uint64:
		return "uint64"
	default:
		return "float64"
	}
}

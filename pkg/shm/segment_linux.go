/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmsync/internal/logx"
)

const devShmDir = "/dev/shm"

var segmentLogger = logx.New("segment", nil)

// Options configures Open.
type Options struct {
	// Name identifies the segment under /dev/shm. An empty Name creates an
	// anonymous memfd-backed segment, visible only to this process and
	// children that inherit the fd.
	Name string
	// Size is the segment size in bytes. Required when creating; ignored
	// when attaching (the file's size wins).
	Size int
	// Create makes a fresh, zeroed segment and fails if the name is taken.
	// Without it, Open attaches to an existing segment and leaves every
	// byte untouched.
	Create bool
	// Meter and Tracer are optional instrumentation hooks.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Segment is a mapped shared-memory segment. It implements Owner: Regions
// sliced from it keep it mapped until the last binding releases.
type Segment struct {
	name   string
	fd     int
	mem    []byte
	memfd  bool
	refs   atomic.Int32
	opens  atomic.Int32
	inReg  atomic.Bool
	unmaps metric.Int64Counter
}

// Open creates or attaches a shared-memory segment. The returned segment
// holds one reference; Close drops it.
func Open(ctx context.Context, opts Options) (_ *Segment, err error) {
	if opts.Tracer != nil {
		var span trace.Span
		ctx, span = opts.Tracer.Start(ctx, "shm.Open")
		defer span.End()
	}

	s := &Segment{name: opts.Name, fd: -1}
	if opts.Name == "" {
		if !opts.Create {
			return nil, fmt.Errorf("shm: attaching requires a segment name")
		}
		if err = s.openMemfd(opts.Size); err != nil {
			return nil, err
		}
	} else if err = s.openNamed(opts); err != nil {
		return nil, err
	}

	if opts.Create {
		for i := range s.mem {
			s.mem[i] = 0
		}
	}
	s.refs.Store(1)
	s.opens.Store(1)

	if opts.Meter != nil {
		if c, cerr := opts.Meter.Int64Counter("shmsync.segment.maps"); cerr == nil {
			c.Add(ctx, 1)
		}
		s.unmaps, _ = opts.Meter.Int64Counter("shmsync.segment.unmaps")
	}
	segmentLogger.Debugf("mapped segment name=%q size=%d memfd=%v", s.name, len(s.mem), s.memfd)
	return s, nil
}

func (s *Segment) openMemfd(size int) error {
	if size <= 0 {
		return fmt.Errorf("shm: invalid segment size %d", size)
	}
	fd, err := unix.MemfdCreate("shmsync", 0)
	if err != nil {
		return fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("shm: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("shm: mmap: %w", err)
	}
	s.fd = fd
	s.mem = mem
	s.memfd = true
	return nil
}

func (s *Segment) openNamed(opts Options) error {
	path := filepath.Join(devShmDir, opts.Name)
	size := opts.Size
	flags := unix.O_RDWR
	if opts.Create {
		if size <= 0 {
			return fmt.Errorf("shm: invalid segment size %d", size)
		}
		if !canCreateOnDevShm(uint64(size), path) {
			return fmt.Errorf("shm: %s has not enough space for %d bytes", devShmDir, size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("shm: open %s: %w", path, err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			_ = os.Remove(path)
			return fmt.Errorf("shm: ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("shm: fstat: %w", err)
		}
		size = int(st.Size)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("shm: mmap: %w", err)
	}
	s.fd = fd
	s.mem = mem
	return nil
}

// Region slices n bytes starting at off out of the segment. The segment is
// the Region's owner.
func (s *Segment) Region(off, n int) (Region, error) {
	if off < 0 || n <= 0 || off+n > len(s.mem) {
		return Region{}, fmt.Errorf("shm: region [%d,%d) outside segment of %d bytes", off, off+n, len(s.mem))
	}
	return Region{Data: s.mem[off : off+n : off+n], Owner: s}, nil
}

// Name returns the segment name, empty for memfd segments.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// Fd returns the backing file descriptor, for passing to child processes.
func (s *Segment) Fd() int { return s.fd }

// Retain adds a reference. Part of the Owner contract.
func (s *Segment) Retain() { s.refs.Add(1) }

// tryRetain adds a reference unless the count already reached zero, in
// which case the mapping is being torn down and must not come back.
func (s *Segment) tryRetain() bool {
	for {
		n := s.refs.Load()
		if n == 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference, unmapping once the count reaches zero. The
// registry entry goes first so no opener can find the segment mid-teardown.
func (s *Segment) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if s.inReg.Load() {
		dropShared(s)
	}
	if err := unix.Munmap(s.mem); err != nil {
		segmentLogger.Warnf("munmap segment %q: %v", s.name, err)
	}
	s.mem = nil
	if err := unix.Close(s.fd); err != nil {
		segmentLogger.Warnf("close segment fd %d: %v", s.fd, err)
	}
	if s.unmaps != nil {
		s.unmaps.Add(context.Background(), 1)
	}
}

// Close drops one reference granted by Open or OpenShared. Extra Closes
// are no-ops: they can never strip a reference a binding still holds, so
// bindings keep the segment mapped until they release.
func (s *Segment) Close() error {
	for {
		n := s.opens.Load()
		if n == 0 {
			return nil
		}
		if s.opens.CompareAndSwap(n, n-1) {
			s.Release()
			return nil
		}
	}
}

// Unlink removes the named backing file so no new process can attach.
// Existing mappings stay valid.
func (s *Segment) Unlink() error {
	if s.memfd || s.name == "" {
		return nil
	}
	path := filepath.Join(devShmDir, s.name)
	if !pathExists(path) {
		return nil
	}
	return os.Remove(path)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canCreateOnDevShm reports whether /dev/shm has room for the requested
// size. Paths outside /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if filepath.Dir(path) != devShmDir {
		return true
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		segmentLogger.Warnf("stat %s: %v", devShmDir, err)
		return true
	}
	return stat.Free >= size
}

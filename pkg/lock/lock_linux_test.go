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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmsync/pkg/shm"
)

// TestMain doubles as the entry point for helper child processes, selected
// through SHMSYNC_TEST_CHILD. The helpers attach to a segment created by
// the parent and manipulate the mutex at offset 0.
func TestMain(m *testing.M) {
	switch os.Getenv("SHMSYNC_TEST_CHILD") {
	case "":
		os.Exit(m.Run())
	case "hold":
		childHold(-1)
	case "hold-for":
		ms, _ := strconv.Atoi(os.Getenv("SHMSYNC_TEST_HOLD_MS"))
		childHold(ms)
	}
	os.Exit(0)
}

func childHold(holdMs int) {
	s, err := shm.Open(context.Background(), shm.Options{Name: os.Getenv("SHMSYNC_TEST_SEGMENT")})
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	r, err := s.Region(0, Size)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	m, err := Attach(r)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	if err := m.Lock(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Println("locked")
	if holdMs < 0 {
		select {}
	}
	time.Sleep(time.Duration(holdMs) * time.Millisecond)
	if err := m.Unlock(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func alignedRegion(size, align int) shm.Region {
	buf := make([]byte, size+align)
	off := 0
	if r := int(uintptr(unsafe.Pointer(&buf[0])) % uintptr(align)); r != 0 {
		off = align - r
	}
	return shm.Region{Data: buf[off : off+size : off+size]}
}

func newSegmentMutex(t *testing.T) (*Mutex, string) {
	t.Helper()
	name := fmt.Sprintf("shmsync-lock-%d-%d", os.Getpid(), time.Now().UnixNano())
	s, err := shm.Open(context.Background(), shm.Options{Name: name, Size: 4096, Create: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Unlink()
		_ = s.Close()
	})
	r, err := s.Region(0, Size)
	require.NoError(t, err)
	m, err := New(r)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, name
}

// spawnHolder starts a child that locks the mutex in the named segment and
// returns once the child reports the lock held.
func spawnHolder(t *testing.T, segment, mode string, holdMs int) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(),
		"SHMSYNC_TEST_CHILD="+mode,
		"SHMSYNC_TEST_SEGMENT="+segment,
		"SHMSYNC_TEST_HOLD_MS="+strconv.Itoa(holdMs),
	)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "locked\n", line)
	return cmd
}

func TestLockBasics(t *testing.T) {
	m, err := New(alignedRegion(Size, Align))
	require.NoError(t, err)
	defer m.Close()

	ok, err := m.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// relock by the owning process
	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = m.LockTimeout(time.Millisecond)
	require.ErrorIs(t, err, ErrDeadlock)
	require.ErrorIs(t, m.Lock(), ErrDeadlock)

	require.NoError(t, m.Unlock())
	require.ErrorIs(t, m.Unlock(), ErrNotOwner)

	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())

	ok, err = m.LockTimeout(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Unlock())
}

func TestLockTimeoutClampsNegative(t *testing.T) {
	m, err := New(alignedRegion(Size, Align))
	require.NoError(t, err)
	defer m.Close()

	ok, err := m.LockTimeout(-time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Unlock())
}

func TestNewValidatesRegion(t *testing.T) {
	var serr *shm.SizeError
	_, err := New(shm.Region{Data: make([]byte, Size-1)})
	require.ErrorAs(t, err, &serr)

	r := alignedRegion(Size+1, Align)
	_, err = New(shm.Region{Data: r.Data[1:]})
	var aerr *shm.AlignError
	require.ErrorAs(t, err, &aerr)
}

func TestAttachDoesNotReinitialize(t *testing.T) {
	r := alignedRegion(Size, Align)
	m, err := New(r)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Lock())

	// a second handle attached to the same bytes sees the held lock; if
	// Attach re-ran initialization this TryLock would succeed
	m2, err := Attach(r)
	require.NoError(t, err)
	defer m2.Close()
	ok, err := m2.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Unlock())
}

func TestWithReleasesOnError(t *testing.T) {
	m, err := New(alignedRegion(Size, Align))
	require.NoError(t, err)
	defer m.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, m.With(func() error { return boom }), boom)

	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Unlock())
}

func TestOwnerDied(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-process test")
	}
	m, segment := newSegmentMutex(t)

	cmd := spawnHolder(t, segment, "hold", -1)
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	// the poisoned lock surfaces the death instead of hanging
	err := m.Lock()
	require.ErrorIs(t, err, ErrOwnerDied)
	assert.Equal(t, uint64(1), m.Stats().OwnerDeaths.Load())

	// and is permanently unrecoverable afterwards
	require.ErrorIs(t, m.Lock(), ErrNotRecoverable)
	_, err = m.TryLock()
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestOwnerDiedReportedOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-process test")
	}
	m, segment := newSegmentMutex(t)

	cmd := spawnHolder(t, segment, "hold", -1)
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	// two waiters race to observe the death; the poison flag lets exactly
	// one of them report it
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- m.Lock() }()
	}
	var died, unrecoverable int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case errors.Is(err, ErrOwnerDied):
			died++
		case errors.Is(err, ErrNotRecoverable):
			unrecoverable++
		default:
			t.Fatalf("unexpected acquire result: %v", err)
		}
	}
	assert.Equal(t, 1, died)
	assert.Equal(t, 1, unrecoverable)
	assert.Equal(t, uint64(1), m.Stats().OwnerDeaths.Load())
}

func TestTryLockContended(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-process test")
	}
	m, segment := newSegmentMutex(t)
	cmd := spawnHolder(t, segment, "hold-for", 800)
	defer func() { _ = cmd.Wait() }()

	start := time.Now()
	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestLockTimeoutExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-process test")
	}
	m, segment := newSegmentMutex(t)
	cmd := spawnHolder(t, segment, "hold-for", 1200)
	defer func() { _ = cmd.Wait() }()

	start := time.Now()
	ok, err := m.LockTimeout(150 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, m.Stats().Timeouts.Load(), uint64(1))
	assert.GreaterOrEqual(t, m.Stats().Contentions.Load(), uint64(1))

	// blocking acquisition succeeds once the holder releases
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
}

func TestTimedHandover(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-process test")
	}
	m, segment := newSegmentMutex(t)
	cmd := spawnHolder(t, segment, "hold-for", 150)
	defer func() { _ = cmd.Wait() }()

	start := time.Now()
	ok, err := m.LockTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, m.Unlock())
}

func TestCollector(t *testing.T) {
	m, err := New(alignedRegion(Size, Align))
	require.NoError(t, err)
	defer m.Close()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m, "test")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 4)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}
	f, ok := byName["shmsync_lock_contentions_total"]
	require.True(t, ok)
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, float64(0), f.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, "mutex", f.GetMetric()[0].GetLabel()[0].GetName())
	assert.Equal(t, "test", f.GetMetric()[0].GetLabel()[0].GetValue())
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xlock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/leakguard/internal/leak/goid"
	"github.com/kolkov/leakguard/internal/leak/isoalloc"
)

// countingPrimitive wraps the default primitive and counts calls.
type countingPrimitive struct {
	inner     mutexPrimitive
	enters    atomic.Int32
	leaves    atomic.Int32
	destroyed atomic.Int32
}

func (c *countingPrimitive) Enter()         { c.inner.Enter(); c.enters.Add(1) }
func (c *countingPrimitive) TryEnter() bool { return c.inner.TryEnter() }
func (c *countingPrimitive) Leave()         { c.leaves.Add(1); c.inner.Leave() }
func (c *countingPrimitive) Destroy()       { c.destroyed.Add(1) }

func TestLock_ZeroValueIsUninitialized(t *testing.T) {
	var l Lock
	assert.False(t, l.IsInitialized())
	assert.False(t, l.IsLocked())
	assert.False(t, l.IsLockedByCurrentThread())
}

func TestLock_InitializeIdempotent(t *testing.T) {
	var l Lock
	calls := 0
	ctor := func() (Primitive, error) {
		calls++
		return &countingPrimitive{}, nil
	}

	require.True(t, l.InitializeWith(ctor))
	require.True(t, l.InitializeWith(ctor))
	require.True(t, l.Initialize())
	assert.Equal(t, 1, calls, "an initialized lock must not construct again")
	assert.True(t, l.IsInitialized())
	l.Teardown()
}

func TestLock_InitializeOutOfMemory(t *testing.T) {
	var l Lock
	ok := l.InitializeWith(func() (Primitive, error) {
		return nil, errors.Wrap(ErrNoMemory, "simulated")
	})
	assert.False(t, ok)
	assert.False(t, l.IsInitialized())

	// A failed Initialize leaves the lock retryable.
	assert.True(t, l.Initialize())
	l.Teardown()
}

func TestLock_InitializeUnexpectedErrorPanics(t *testing.T) {
	var l Lock
	boom := errors.New("primitive corrupted")
	assert.Panics(t, func() {
		l.InitializeWith(func() (Primitive, error) { return nil, boom })
	})
	assert.False(t, l.IsInitialized())
}

func TestLock_TeardownIdempotent(t *testing.T) {
	var l Lock
	l.Teardown() // never initialized

	p := &countingPrimitive{}
	require.True(t, l.InitializeWith(func() (Primitive, error) { return p, nil }))
	l.Teardown()
	l.Teardown()
	assert.Equal(t, int32(1), p.destroyed.Load())
	assert.False(t, l.IsInitialized())
}

// TestLock_UsableIffLastLifecycleWasInitialize walks lifecycle sequences and
// checks that Acquire reaches the primitive only after a successful
// Initialize that no Teardown followed.
func TestLock_UsableIffLastLifecycleWasInitialize(t *testing.T) {
	type step int
	const (
		initOK step = iota
		initOOM
		teardown
	)
	sequences := [][]step{
		{},
		{initOK},
		{initOOM},
		{initOK, teardown},
		{initOK, teardown, initOK},
		{initOOM, initOK},
		{initOK, initOOM},
		{teardown, teardown, initOK, teardown},
		{initOK, initOK, teardown, initOOM},
	}

	for _, seq := range sequences {
		var l Lock
		p := &countingPrimitive{}
		usable := false
		for _, s := range seq {
			switch s {
			case initOK:
				l.InitializeWith(func() (Primitive, error) { return p, nil })
				usable = true
			case initOOM:
				if !l.InitializeWith(func() (Primitive, error) { return nil, ErrNoMemory }) {
					usable = false
				}
			case teardown:
				l.Teardown()
				usable = false
			}
		}

		before := p.enters.Load()
		l.Acquire()
		l.Release()
		entered := p.enters.Load() - before

		if usable {
			assert.Equal(t, int32(1), entered, "sequence %v", seq)
		} else {
			assert.Zero(t, entered, "sequence %v", seq)
		}
		assert.Equal(t, usable, l.IsInitialized(), "sequence %v", seq)
		l.Teardown()
	}
}

func TestLock_UninitializedOperationsAreNoops(t *testing.T) {
	var l Lock
	assert.NotPanics(t, func() {
		l.Acquire()
		l.Release()
		l.Release()
	})
	assert.False(t, l.TryAcquire())
	assert.False(t, l.IsLocked())
}

func TestLock_OwnerTracking(t *testing.T) {
	var l Lock
	require.True(t, l.Initialize())
	defer l.Teardown()

	l.Acquire()
	assert.True(t, l.IsLocked())
	assert.True(t, l.IsLockedByCurrentThread())

	// Another goroutine sees the lock as held, but not by itself.
	var lockedElsewhere, byOther bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		lockedElsewhere = l.IsLocked()
		byOther = l.IsLockedByCurrentThread()
	}()
	<-done
	assert.True(t, lockedElsewhere)
	assert.False(t, byOther)

	l.Release()
	assert.False(t, l.IsLocked())
	assert.False(t, l.IsLockedByCurrentThread())

	// Observed from another goroutine too.
	done = make(chan struct{})
	go func() {
		defer close(done)
		lockedElsewhere = l.IsLocked()
	}()
	<-done
	assert.False(t, lockedElsewhere)
}

func TestLock_TryAcquireWhenHeld(t *testing.T) {
	var l Lock
	require.True(t, l.Initialize())
	defer l.Teardown()

	require.True(t, l.TryAcquire())
	assert.True(t, l.IsLockedByCurrentThread())
	// Non-reentrant: even the holder cannot take it again.
	assert.False(t, l.TryAcquire())

	got := make(chan bool)
	go func() { got <- l.TryAcquire() }()
	assert.False(t, <-got)

	l.Release()
	assert.True(t, l.TryAcquire())
	l.Release()
}

func TestLock_TryAcquireRaceUninitialized(t *testing.T) {
	var l Lock
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.TryAcquire() {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Zero(t, wins.Load())
}

func TestLock_TryAcquireRaceExactlyOneWins(t *testing.T) {
	for round := 0; round < 200; round++ {
		var l Lock
		require.True(t, l.Initialize())

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		// Winners hold the lock until both attempts are over.
		attempted := make(chan struct{}, 2)
		finished := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok := l.TryAcquire()
				attempted <- struct{}{}
				if ok {
					wins.Add(1)
					<-finished
					l.Release()
				}
			}()
		}
		close(start)
		<-attempted
		<-attempted
		close(finished)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "round %d", round)
		l.Teardown()
	}
}

func TestLock_ReleaseClearsOwnerBeforeLeave(t *testing.T) {
	var l Lock
	var ownerAtLeave int64 = -1
	p := &observingPrimitive{onLeave: func() {
		if l.IsLocked() {
			ownerAtLeave = 1
		} else {
			ownerAtLeave = 0
		}
	}}
	require.True(t, l.InitializeWith(func() (Primitive, error) { return p, nil }))
	defer l.Teardown()

	l.Acquire()
	l.Release()
	assert.Equal(t, int64(0), ownerAtLeave, "owner must be cleared before the primitive is left")
}

type observingPrimitive struct {
	mutexPrimitive
	onLeave func()
}

func (o *observingPrimitive) Leave() {
	o.onLeave()
	o.mutexPrimitive.Leave()
}

// TestLock_HotPathZeroAllocs checks that the calls made from allocation
// hooks stay off the Go heap.
func TestLock_HotPathZeroAllocs(t *testing.T) {
	if !goid.Fast() {
		t.Skip("goroutine ids come from runtime.Stack on this platform")
	}

	var l Lock
	require.True(t, l.Initialize())
	defer l.Teardown()

	allocs := testing.AllocsPerRun(1000, func() {
		l.Acquire()
		if !l.IsLockedByCurrentThread() {
			panic("owner not recorded")
		}
		l.Release()
	})
	assert.Zero(t, allocs, "Acquire/Release allocated")

	allocs = testing.AllocsPerRun(1000, func() {
		if l.TryAcquire() {
			l.Release()
		}
	})
	assert.Zero(t, allocs, "TryAcquire/Release allocated")
}

// TestLock_CounterInIsolatedMemory runs N workers incrementing a counter
// that lives in isolated memory. The total proves mutual exclusion and the
// allocator path working together.
func TestLock_CounterInIsolatedMemory(t *testing.T) {
	const (
		workers    = 16
		iterations = 2000
	)

	var l Lock
	require.True(t, l.Initialize())
	defer l.Teardown()

	var alloc isoalloc.Allocator[uint64]
	counter := alloc.Allocate(1)
	require.Len(t, counter, 1)
	defer alloc.Deallocate(counter, 1)
	counter[0] = 0

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				l.Acquire()
				counter[0]++
				l.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(workers*iterations), counter[0])
	assert.False(t, l.IsLocked())
}

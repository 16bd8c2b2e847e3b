// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xlock implements the process-shared exclusive lock used to guard
// allocation-tracking state.
//
// A Lock has an explicit two-phase lifecycle. The zero value is a valid but
// uninitialized lock, and declaring one never touches the underlying
// primitive. Process-wide locks are brought up with Initialize from the
// agent's startup hook and taken down with Teardown from its shutdown hook:
//
//	var trackerLock xlock.Lock
//
//	func start() {
//		if !trackerLock.Initialize() {
//			// out of memory: run without exclusion
//		}
//	}
//
//	func stop() {
//		trackerLock.Teardown()
//	}
//
// Every other operation degrades to a no-op on an uninitialized lock. Code
// that guards diagnostic paths therefore never crashes the host because
// protection could not be set up.
//
// The lock is NOT reentrant. Acquiring it twice from the same goroutine
// deadlocks, exactly like the sync.Mutex it wraps. IsLockedByCurrentThread
// exists so hooks can detect that situation and back off instead.
package xlock

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kolkov/leakguard/internal/leak/goid"
)

// ErrNoMemory is returned by a Constructor when the primitive could not be
// created because of resource exhaustion. It is the only construction
// failure Initialize treats as recoverable.
var ErrNoMemory = errors.New("xlock: out of memory creating lock primitive")

// Primitive is the underlying mutual-exclusion object. The Lock owns it
// exclusively between Initialize and Teardown.
type Primitive interface {
	// Enter blocks until the primitive is held by the caller.
	Enter()
	// TryEnter acquires the primitive if it is free and reports success.
	TryEnter() bool
	// Leave releases the primitive.
	Leave()
	// Destroy releases any resources held by the primitive.
	Destroy()
}

// Constructor creates a Primitive. A failure wrapping ErrNoMemory is
// reported by Initialize as false; any other error is a fault and panics.
type Constructor func() (Primitive, error)

// Lock is an exclusive lock with explicit Initialize/Teardown and owner
// tracking.
//
// The owner field is best-effort diagnostics. The primitive alone decides
// who holds the lock.
type Lock struct {
	_ noCopy

	prim        Primitive
	initialized atomic.Bool
	owner       atomic.Int64 // goid of the holder, goid.None when free
}

// Initialize creates the underlying primitive with the default
// constructor. See InitializeWith.
func (l *Lock) Initialize() bool {
	return l.InitializeWith(nil)
}

// InitializeWith creates the underlying primitive with c, or with the
// default constructor when c is nil.
//
// Initialize is idempotent: an already initialized lock returns true
// without calling c. It returns false only when c fails with ErrNoMemory;
// the lock then stays uninitialized and may be initialized again later.
// Any other construction error panics.
//
// Initialize is not safe for concurrent use with any other method of the
// same Lock. It belongs in single-threaded startup code.
func (l *Lock) InitializeWith(c Constructor) bool {
	if l.initialized.Load() {
		return true
	}
	if c == nil {
		c = newMutexPrimitive
	}

	p, err := c()
	if err != nil {
		if errors.Is(err, ErrNoMemory) {
			return false
		}
		panic(errors.Wrap(err, "xlock: constructing lock primitive"))
	}
	if p == nil {
		panic("xlock: constructor returned nil primitive")
	}

	l.prim = p
	l.owner.Store(goid.None)
	// Publish the primitive before the flag so Acquire never sees a nil prim.
	l.initialized.Store(true)
	return true
}

// Teardown destroys the underlying primitive. It is a no-op on an
// uninitialized lock and safe to call repeatedly.
//
// Precondition: no goroutine holds or waits for the lock. Violating this is
// undefined behavior and is not detected.
func (l *Lock) Teardown() {
	if !l.initialized.Load() {
		return
	}
	l.initialized.Store(false)
	l.prim.Destroy()
	l.prim = nil
	l.owner.Store(goid.None)
}

// IsInitialized reports whether the lock is usable.
func (l *Lock) IsInitialized() bool {
	return l.initialized.Load()
}

// Acquire blocks until the lock is held by the calling goroutine.
//
// This runs inside allocation hooks, so it is a HOT PATH and must not touch
// the Go heap.
//
// Behavior:
//   - Uninitialized lock: returns immediately. Callers that skipped
//     Initialize get no exclusion, and no fault.
//   - Initialized lock: enters the primitive, then records the caller as
//     owner.
//
// Performance:
//   - Uncontended: primitive Enter plus one atomic store
//   - Zero allocations when goid.Fast reports true
//
// Thread Safety: safe for concurrent use. Not reentrant: acquiring a lock
// the caller already holds deadlocks. Check IsLockedByCurrentThread first.
func (l *Lock) Acquire() {
	if !l.initialized.Load() {
		return
	}
	l.prim.Enter()
	l.owner.Store(goid.Current())
}

// TryAcquire acquires the lock without blocking. It returns false if the
// lock is uninitialized or held by anyone, including the caller.
func (l *Lock) TryAcquire() bool {
	if !l.initialized.Load() {
		return false
	}
	if !l.prim.TryEnter() {
		return false
	}
	l.owner.Store(goid.Current())
	return true
}

// Release releases the lock. It is a no-op on an uninitialized lock.
//
// The owner is cleared before the primitive is released, so the next holder
// never has its own id overwritten by a stale clear.
func (l *Lock) Release() {
	if !l.initialized.Load() {
		return
	}
	l.owner.Store(goid.None)
	l.prim.Leave()
}

// IsLocked reports whether some goroutine holds the lock. Diagnostic only.
func (l *Lock) IsLocked() bool {
	return l.owner.Load() != goid.None
}

// IsLockedByCurrentThread reports whether the calling goroutine holds the
// lock. Used by hooks to detect reentry before they deadlock.
//
// Returns:
//   - true: the caller is the recorded owner
//   - false: the lock is free, held by another goroutine, or uninitialized
//
// Performance: one atomic load plus goid.Current. Zero allocations when
// goid.Fast reports true.
func (l *Lock) IsLockedByCurrentThread() bool {
	owner := l.owner.Load()
	return owner != goid.None && owner == goid.Current()
}

// mutexPrimitive is the default Primitive.
type mutexPrimitive struct {
	mu sync.Mutex
}

func newMutexPrimitive() (Primitive, error) {
	return &mutexPrimitive{}, nil
}

func (m *mutexPrimitive) Enter()         { m.mu.Lock() }
func (m *mutexPrimitive) TryEnter() bool { return m.mu.TryLock() }
func (m *mutexPrimitive) Leave()         { m.mu.Unlock() }
func (m *mutexPrimitive) Destroy()       {}

// noCopy may be embedded into structs which must not be copied after first
// use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

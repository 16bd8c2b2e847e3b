// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loaderlock lets hook code find out whether it can take the OS
// module-loader lock, and take it.
//
// Allocation hooks can run while the OS already holds the loader lock
// (module initialization or teardown). Symbol resolution and further module
// work are unsafe in that state. Constructing a Handle acquires the lock for
// the calling OS thread and reports whether it did, so callers can branch
// instead of guessing:
//
//	h := loaderlock.Acquire()
//	defer h.Close()
//	if h.IsLockedByCurrentThread() {
//		resolveSymbolsNow()
//	} else {
//		deferResolution()
//	}
//
// Acquire has a side effect. Constructing a Handle is not free, and nested
// handles nest the acquisition exactly as the OS does.
//
// The entry points are resolved once per process. Where they do not exist
// (every platform but Windows, or a Windows build without the exports) all
// handles report "not locked" and Close does nothing.
package loaderlock

import (
	"runtime"
	"sync"
)

// Flags for LdrLockLoaderLock.
const (
	LockFlagDefault       uint32 = 0x00000000
	LockFlagRaiseOnErrors uint32 = 0x00000001
	LockFlagTryOnly       uint32 = 0x00000002
)

// Flags for LdrUnlockLoaderLock.
const (
	UnlockFlagDefault       uint32 = 0x00000000
	UnlockFlagRaiseOnErrors uint32 = 0x00000001
)

// States reported by LdrLockLoaderLock.
const (
	StateInvalid         uint32 = 0
	StateLockAcquired    uint32 = 1
	StateLockNotAcquired uint32 = 2
)

// StatusSuccess is the NTSTATUS value for success.
const StatusSuccess uint32 = 0

// Procs are the OS entry points a Handle uses. A nil Lock means the
// capability is absent; a nil Unlock makes release a no-op.
type Procs struct {
	// Lock mirrors LdrLockLoaderLock(flags, &state, &cookie) NTSTATUS.
	Lock func(flags uint32, state *uint32, cookie *uintptr) uint32
	// Unlock mirrors LdrUnlockLoaderLock(flags, cookie) NTSTATUS.
	Unlock func(flags uint32, cookie uintptr) uint32
	// ThreadID returns the id of the calling OS thread.
	ThreadID func() uint32
}

// Available reports whether the lock entry point exists.
func (p Procs) Available() bool {
	return p.Lock != nil
}

// system caches the capability detection for the running process.
var system = sync.OnceValue(loadSystemProcs)

// Available reports whether the running platform provides the loader lock.
func Available() bool {
	return system().Available()
}

// System returns the running platform's entry points. On platforms without
// a loader lock the result is the zero Procs.
func System() Procs {
	return system()
}

// Handle is one attempt to hold the loader lock.
//
// A Handle pins the acquiring goroutine to its OS thread while the lock is
// held, because the OS attributes the lock to that thread. Close must be
// called from the goroutine that created the Handle.
type Handle struct {
	_ noCopy

	procs    Procs
	cookie   uintptr
	threadID uint32
	locked   bool
	closed   bool
}

// Acquire blocks until the loader lock is held by the calling thread, using
// default (non-raising) flags. Failure is not fatal: the returned Handle
// simply reports IsLocked() == false.
func Acquire() *Handle {
	return AcquireWith(system())
}

// TryAcquire attempts the loader lock without blocking.
func TryAcquire() *Handle {
	return TryAcquireWith(system())
}

// AcquireWith is Acquire over explicit entry points.
func AcquireWith(p Procs) *Handle {
	return acquire(p, LockFlagDefault)
}

// TryAcquireWith is TryAcquire over explicit entry points.
func TryAcquireWith(p Procs) *Handle {
	return acquire(p, LockFlagTryOnly)
}

func acquire(p Procs, flags uint32) *Handle {
	h := &Handle{procs: p}
	if p.Lock == nil {
		return h
	}

	// The lock belongs to an OS thread, so the goroutine must stay on it
	// until Close. Undone below if the attempt fails.
	runtime.LockOSThread()

	state := StateInvalid
	status := p.Lock(flags, &state, &h.cookie)
	ok := status == StatusSuccess && h.cookie != 0
	if flags&LockFlagTryOnly != 0 {
		ok = ok && state == StateLockAcquired
	}
	if !ok {
		h.cookie = 0
		runtime.UnlockOSThread()
		return h
	}

	if p.ThreadID != nil {
		h.threadID = p.ThreadID()
	}
	h.locked = true
	return h
}

// IsLocked reports whether this Handle acquired the loader lock.
func (h *Handle) IsLocked() bool {
	return h.locked && !h.closed
}

// IsLockedByCurrentThread reports whether this Handle acquired the loader
// lock and the caller runs on the thread that acquired it.
func (h *Handle) IsLockedByCurrentThread() bool {
	if !h.IsLocked() || h.procs.ThreadID == nil {
		return false
	}
	return h.threadID == h.procs.ThreadID()
}

// Close releases the loader lock if this Handle holds it. Close never
// faults: without an unlock entry point it only unpins the thread. It is
// safe to call more than once.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	if !h.locked {
		return
	}
	if h.procs.Unlock != nil && h.cookie != 0 {
		h.procs.Unlock(UnlockFlagDefault, h.cookie)
	}
	runtime.UnlockOSThread()
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

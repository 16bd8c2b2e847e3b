// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scoped provides a guard that releases a lock exactly once.
//
// Go has no destructors, so the scope-exit release is spelled with defer:
//
//	g := scoped.Acquire(&trackerLock)
//	defer g.Release()
//
//	if done {
//		g.Release() // early release; the deferred call becomes a no-op
//		return
//	}
//
// A Guard owns a single "must release" obligation. It is returned by value
// so it lives in the caller's frame and never reaches the Go heap, which
// keeps it usable from allocation hooks. Once assigned it must not be
// copied (go vet reports copies through the embedded noCopy marker) or
// passed to another goroutine.
package scoped

// Locker is anything with an Acquire/Release pair, such as *xlock.Lock.
type Locker interface {
	Acquire()
	Release()
}

// Guard holds a lock acquired by Acquire until Release is called.
type Guard[L Locker] struct {
	_ noCopy

	lock     L
	released bool
}

// Acquire calls l.Acquire and returns a guard owing one l.Release.
//
// Performance: zero allocations. Keep the result in a local variable and
// call Release through it.
func Acquire[L Locker](l L) Guard[L] {
	l.Acquire()
	return Guard[L]{lock: l}
}

// Release releases the underlying lock the first time it is called.
// Subsequent calls, including a deferred one, do nothing.
func (g *Guard[L]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.Release()
}

// Released reports whether the guard has already released its lock.
func (g *Guard[L]) Released() bool {
	return g.released
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

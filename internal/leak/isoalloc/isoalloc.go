// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package isoalloc provides the allocator used by every bookkeeping
// container of the agent.
//
// Allocator[T] hands out []T backed by the private heap instead of the Go
// heap, so building a table of tracked blocks never produces an allocation
// event of its own. Allocator is a zero-size value type: all instances for
// the same T are interchangeable and compare equal, which lets containers
// copy or swap them freely.
//
//	var a isoalloc.Allocator[record]
//	recs := a.Allocate(64)
//	defer a.Deallocate(recs, 64)
//
// A block obtained from Allocate must go back through Deallocate, never to
// the garbage collector's keeping, and Deallocate must only see blocks
// from Allocate.
//
// T must not contain Go pointers (pointers, slices, strings, maps,
// interfaces, channels, funcs): the garbage collector does not scan
// private memory and would free what they point to.
package isoalloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/kolkov/leakguard/internal/leak/privheap"
)

// ErrOutOfMemory is the panic value of Allocate when the raw path fails.
var ErrOutOfMemory = errors.New("isoalloc: out of memory")

// Raw is the untracked allocate/free pair an Allocator draws from.
// *privheap.Heap implements it.
type Raw interface {
	Alloc(size uintptr, tag privheap.Tag) (unsafe.Pointer, error)
	Free(p unsafe.Pointer)
}

type rawHolder struct{ r Raw }

var raw atomic.Pointer[rawHolder]

func init() {
	raw.Store(&rawHolder{privheap.Default})
}

// SetRaw replaces the raw path for all allocators and returns a function
// restoring the previous one. Blocks must be deallocated through the raw
// path that allocated them, so swap only while no isolated blocks are live.
func SetRaw(r Raw) (restore func()) {
	prev := raw.Swap(&rawHolder{r})
	return func() { raw.Store(prev) }
}

// Allocator allocates []T from the isolated raw path.
type Allocator[T any] struct{}

// Rebind returns the allocator of the same family for element type U.
func Rebind[U, T any](Allocator[T]) Allocator[U] {
	return Allocator[U]{}
}

// Equal reports whether a and other are interchangeable. Always true.
func (Allocator[T]) Equal(Allocator[T]) bool {
	return true
}

// Allocate returns zeroed storage for n elements, tagged with the caller's
// call site. It returns nil when n <= 0 and panics with ErrOutOfMemory when
// the raw path is exhausted.
func (Allocator[T]) Allocate(n int) []T {
	if n <= 0 {
		return nil
	}
	var zero T
	elem := unsafe.Sizeof(zero)
	if elem == 0 {
		return make([]T, n)
	}
	if uintptr(n) > ^uintptr(0)/elem {
		panic(errors.Wrapf(ErrOutOfMemory, "%d elements of %d bytes", n, elem))
	}

	p, err := raw.Load().r.Alloc(uintptr(n)*elem, privheap.Caller(1))
	if err != nil {
		panic(errors.Wrap(ErrOutOfMemory, err.Error()))
	}
	return unsafe.Slice((*T)(p), n)
}

// Deallocate returns s, obtained from Allocate(n), to the raw path. The
// count parameter mirrors Allocate and is unused: the raw path knows the
// size.
func (Allocator[T]) Deallocate(s []T, _ int) {
	if cap(s) == 0 {
		return
	}
	var zero T
	if unsafe.Sizeof(zero) == 0 {
		return
	}
	raw.Load().r.Free(unsafe.Pointer(unsafe.SliceData(s)))
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stackdepot stores allocation call stacks, deduplicated by hash.
//
// Every tracked block refers to the stack that allocated it by a 64-bit
// hash; the depot keeps one StackTrace per unique hash. Traces are fixed
// size arrays of program counters, so the depot's table lives entirely in
// isolated memory (see isomap) and capturing a stack from inside an
// allocation hook does not allocate on the Go heap.
//
// Design:
//   - Fixed-size traces (16 frames, 128 bytes)
//   - FNV-1a over the program counters
//   - Not synchronized: the tracker calls it with its lock held
//
// Turning program counters into function/file/line is the job of a
// Resolver. Resolution may take loader-sensitive locks on some platforms,
// so the depot never resolves on its own.
//
// Usage:
//
//	var d stackdepot.Depot
//	defer d.Free()
//
//	hash, isNew := d.Capture(0)
//	if isNew {
//		// queue hash for resolution
//	}
package stackdepot

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/kolkov/leakguard/internal/leak/isomap"
)

// MaxFrames is the number of program counters kept per stack.
const MaxFrames = 16

// StackTrace is a captured stack. Unused entries are zero.
type StackTrace struct {
	PC [MaxFrames]uintptr
}

// Depth returns the number of captured frames.
func (st *StackTrace) Depth() int {
	for i, pc := range st.PC {
		if pc == 0 {
			return i
		}
	}
	return MaxFrames
}

// Depot is a dedup store of stack traces. The zero value is empty.
type Depot struct {
	stacks isomap.Map[uint64, StackTrace]
}

// Capture records the stack of its caller, skipping skip further frames,
// and returns its hash together with whether the stack was seen for the
// first time. A zero hash means no stack could be captured.
func (d *Depot) Capture(skip int) (hash uint64, isNew bool) {
	var st StackTrace
	// Skip runtime.Callers and Capture.
	n := runtime.Callers(skip+2, st.PC[:])
	if n == 0 {
		return 0, false
	}
	hash = hashStack(st.PC[:n])
	if _, ok := d.stacks.Get(hash); ok {
		return hash, false
	}
	d.stacks.Put(hash, st)
	return hash, true
}

// Get returns the trace stored under hash.
func (d *Depot) Get(hash uint64) (StackTrace, bool) {
	if hash == 0 {
		return StackTrace{}, false
	}
	return d.stacks.Get(hash)
}

// Len returns the number of unique stacks.
func (d *Depot) Len() int {
	return d.stacks.Len()
}

// Free releases all stored traces.
func (d *Depot) Free() {
	d.stacks.Free()
}

// hashStack computes FNV-1a over the bytes of pcs. Never returns 0.
func hashStack(pcs []uintptr) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, pc := range pcs {
		v := uint64(pc)
		for i := 0; i < 8; i++ {
			h ^= v & 0xff
			h *= prime64
			v >>= 8
		}
	}
	if h == 0 {
		h = 1
	}
	return h
}

// Frame is one resolved stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Resolver turns stack traces into symbolic frames. Implementations may be
// unsafe to call while the OS loader lock is held by another thread.
type Resolver interface {
	Resolve(hash uint64, st StackTrace) []Frame
}

// RuntimeResolver resolves with runtime.CallersFrames and caches results
// by hash. It is not safe for concurrent use.
type RuntimeResolver struct {
	cache map[uint64][]Frame
}

// NewRuntimeResolver returns an empty RuntimeResolver.
func NewRuntimeResolver() *RuntimeResolver {
	return &RuntimeResolver{cache: make(map[uint64][]Frame)}
}

// Resolve implements Resolver. runtime.* frames are dropped.
func (r *RuntimeResolver) Resolve(hash uint64, st StackTrace) []Frame {
	if frames, ok := r.cache[hash]; ok {
		return frames
	}

	var out []Frame
	frames := runtime.CallersFrames(st.PC[:st.Depth()])
	for {
		f, more := frames.Next()
		if f.PC != 0 && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	r.cache[hash] = out
	return out
}

// Resolved returns cached frames for hash without resolving.
func (r *RuntimeResolver) Resolved(hash uint64) ([]Frame, bool) {
	frames, ok := r.cache[hash]
	return frames, ok
}

// Format renders frames in the layout Go uses for tracebacks:
//
//	main.worker()
//	    /path/to/file.go:45
func Format(frames []Frame) string {
	if len(frames) == 0 {
		return "  <unknown>\n"
	}
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "  %s()\n", f.Function)
		fmt.Fprintf(&b, "      %s:%d\n", f.File, f.Line)
	}
	return b.String()
}

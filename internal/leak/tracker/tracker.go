// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracker consumes allocation events and keeps the table of live
// blocks.
//
// A Tracker is what an allocation hook calls into. The hook may fire on any
// goroutine, including one that is already inside the tracker (bookkeeping
// that allocates, a resolver that allocates), so the entry points are
// written to:
//
//   - Never allocate on the Go heap while holding the tracker lock. All
//     tables (live blocks, stack depot, pending queue) live in isolated
//     memory.
//   - Drop re-entrant events instead of deadlocking on the non-reentrant
//     lock. Dropped events are counted in Stats.ReentrantSkips.
//   - Never call the Resolver with the tracker lock held.
//
// Flow of OnAlloc:
//
//  1. Gate: enabled, initialized, not re-entrant
//  2. Under a scoped guard: capture the stack, insert the block
//  3. After the guard: if the stack is new, try to resolve it now while
//     holding the OS loader lock on this thread, else queue it
//
// Queued stacks are resolved by ResolvePending, which must run outside any
// hook.
package tracker

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/leakguard/internal/leak/config"
	"github.com/kolkov/leakguard/internal/leak/goid"
	"github.com/kolkov/leakguard/internal/leak/isoalloc"
	"github.com/kolkov/leakguard/internal/leak/isomap"
	"github.com/kolkov/leakguard/internal/leak/loaderlock"
	"github.com/kolkov/leakguard/internal/leak/scoped"
	"github.com/kolkov/leakguard/internal/leak/stackdepot"
	"github.com/kolkov/leakguard/internal/leak/xlock"
)

// ErrLockInit is returned by Init when the tracker lock cannot be created.
var ErrLockInit = errors.New("tracker: lock initialization failed")

// Block is one live allocation.
type Block struct {
	Addr      uintptr
	Size      uintptr
	Stack     uint64 // stackdepot hash, 0 if none
	Goroutine int64
	Serial    uint64 // allocation order, starting at 1
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	LiveBlocks      int
	LiveBytes       uint64
	Allocs          uint64
	Frees           uint64
	MismatchedFrees uint64
	ReentrantSkips  uint64
	UniqueStacks    int
	PendingStacks   int
	ResolvedStacks  uint64
}

// Tracker is the live-block table fed by allocation hooks.
type Tracker struct {
	opts     config.Options
	resolver stackdepot.Resolver
	procs    loaderlock.Procs
	log      *logrus.Entry

	// newPrimitive overrides the lock primitive constructor. Nil selects
	// the default.
	newPrimitive xlock.Constructor

	enabled atomic.Bool

	// mu guards everything below.
	mu      xlock.Lock
	blocks  isomap.Map[uintptr, Block]
	depot   stackdepot.Depot
	pending isoalloc.Vector[uint64]
	serial  uint64
	bytes   uint64
	allocs  uint64
	frees   uint64

	// resolving serializes Resolver calls. Never held together with mu.
	resolving xlock.Lock

	mismatched atomic.Uint64
	reentrant  atomic.Uint64
	resolved   atomic.Uint64
}

// New returns a Tracker. A nil resolver selects a RuntimeResolver. The
// tracker is unusable until Init.
func New(opts config.Options, r stackdepot.Resolver) *Tracker {
	if r == nil {
		r = stackdepot.NewRuntimeResolver()
	}
	return &Tracker{
		opts:     opts,
		resolver: r,
		procs:    loaderlock.System(),
		log:      logrus.WithField("component", "tracker"),
	}
}

// SetLogger routes the tracker's log entries to l. Call before Init.
func (t *Tracker) SetLogger(l *logrus.Logger) {
	t.log = l.WithField("component", "tracker")
}

// Init creates the tracker locks and applies Options.Enabled. It is
// idempotent.
func (t *Tracker) Init() error {
	if t.mu.IsInitialized() {
		return nil
	}
	if !t.resolving.InitializeWith(t.newPrimitive) {
		t.log.Warn("Cannot create resolver lock, tracking disabled")
		return ErrLockInit
	}
	if !t.mu.InitializeWith(t.newPrimitive) {
		t.resolving.Teardown()
		t.log.Warn("Cannot create tracker lock, tracking disabled")
		return ErrLockInit
	}
	if t.opts.EagerResolve && !t.procs.Available() {
		t.log.Warn("Loader lock unavailable, stacks resolve at ResolvePending")
	}
	t.enabled.Store(t.opts.Enabled)
	t.log.WithFields(logrus.Fields{
		"enabled":       t.opts.Enabled,
		"eager_resolve": t.opts.EagerResolve,
	}).Info("Tracker initialized")
	return nil
}

// Enable turns hook processing on.
func (t *Tracker) Enable() {
	t.enabled.Store(true)
}

// Disable turns hook processing off. OnAlloc becomes a fast return; OnFree
// still removes known blocks so the table does not go stale.
func (t *Tracker) Disable() {
	t.enabled.Store(false)
}

// Enabled reports whether OnAlloc records blocks.
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// OnAlloc records a block of size bytes at addr allocated by the caller.
//
// This is the allocation hook entry point and a HOT PATH.
//
// Behavior:
//   - Disabled or uninitialized tracker: returns immediately
//   - Re-entrant call (the goroutine already holds the tracker lock or is
//     inside the Resolver): dropped and counted in Stats.ReentrantSkips
//   - Address already live: the old block is replaced, as a realloc in
//     place would
//   - First sighting of a stack: resolved now if the loader lock can be
//     held on this thread, otherwise queued for ResolvePending
//
// Performance:
//   - Known stack: one lock round trip, one stack walk, one table insert
//   - Zero Go heap allocations when goid.Fast reports true
//
// Thread Safety: safe to call from any goroutine, including from inside
// the Resolver.
func (t *Tracker) OnAlloc(addr, size uintptr) {
	t.onAlloc(addr, size, 1)
}

// OnAllocCaller is OnAlloc for wrappers: skip frames above the caller of
// OnAllocCaller are left out of the recorded stack.
func (t *Tracker) OnAllocCaller(addr, size uintptr, skip int) {
	t.onAlloc(addr, size, skip+1)
}

func (t *Tracker) onAlloc(addr, size uintptr, skip int) {
	if !t.enabled.Load() || !t.mu.IsInitialized() {
		return
	}
	if t.reentered() {
		t.reentrant.Add(1)
		return
	}

	hash, st, isNew := t.record(addr, size, skip+1)
	if isNew {
		t.resolveNew(hash, st)
	}
}

// reentered reports whether the calling goroutine is already inside the
// tracker.
func (t *Tracker) reentered() bool {
	return t.mu.IsLockedByCurrentThread() || t.resolving.IsLockedByCurrentThread()
}

func (t *Tracker) record(addr, size uintptr, skip int) (uint64, stackdepot.StackTrace, bool) {
	g := scoped.Acquire(&t.mu)
	defer g.Release()

	hash, isNew := t.depot.Capture(skip + 1 + t.opts.StackSkip)
	t.serial++
	b := Block{
		Addr:      addr,
		Size:      size,
		Stack:     hash,
		Goroutine: goid.Current(),
		Serial:    t.serial,
	}
	if old, ok := t.blocks.Get(addr); ok {
		// Reallocated without a free we saw.
		t.bytes -= uint64(old.Size)
	}
	t.blocks.Put(addr, b)
	t.bytes += uint64(size)
	t.allocs++

	var st stackdepot.StackTrace
	if isNew {
		st, _ = t.depot.Get(hash)
	}
	return hash, st, isNew
}

func (t *Tracker) resolveNew(hash uint64, st stackdepot.StackTrace) {
	if t.opts.EagerResolve {
		h := t.acquireLoaderLock()
		if h.IsLockedByCurrentThread() {
			t.resolve(hash, st)
			t.resolved.Add(1)
			h.Close()
			return
		}
		h.Close()
	}

	g := scoped.Acquire(&t.mu)
	t.pending.Append(hash)
	g.Release()
}

func (t *Tracker) acquireLoaderLock() *loaderlock.Handle {
	if t.opts.TryLoaderLock {
		return loaderlock.TryAcquireWith(t.procs)
	}
	return loaderlock.AcquireWith(t.procs)
}

func (t *Tracker) resolve(hash uint64, st stackdepot.StackTrace) []stackdepot.Frame {
	g := scoped.Acquire(&t.resolving)
	defer g.Release()
	return t.resolver.Resolve(hash, st)
}

// OnFree removes the block at addr. It reports false, and counts a
// mismatched free, when addr is not a live block.
//
// Frees are honored while the tracker is disabled so that blocks recorded
// before Disable do not linger as false leaks.
//
// Returns:
//   - true: addr was live and is now removed
//   - false: addr unknown, tracker uninitialized, or re-entrant call
//
// Performance: one lock round trip and one table delete. Zero Go heap
// allocations when goid.Fast reports true and debug logging is off.
func (t *Tracker) OnFree(addr uintptr) bool {
	if !t.mu.IsInitialized() {
		return false
	}
	if t.reentered() {
		t.reentrant.Add(1)
		return false
	}

	g := scoped.Acquire(&t.mu)
	b, ok := t.blocks.Delete(addr)
	if ok {
		t.bytes -= uint64(b.Size)
		t.frees++
	}
	g.Release()

	if !ok && t.enabled.Load() {
		t.mismatched.Add(1)
		if t.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			t.log.WithField("addr", addr).Debug("Free of unknown block")
		}
	}
	return ok
}

// ResolvePending resolves every queued stack and returns how many were
// resolved. It must not be called from inside an allocation hook.
func (t *Tracker) ResolvePending() int {
	if !t.mu.IsInitialized() {
		return 0
	}
	n := 0
	for {
		hash, st, ok := t.popPending()
		if !ok {
			return n
		}
		t.resolve(hash, st)
		t.resolved.Add(1)
		n++
	}
}

func (t *Tracker) popPending() (uint64, stackdepot.StackTrace, bool) {
	g := scoped.Acquire(&t.mu)
	defer g.Release()

	n := t.pending.Len()
	if n == 0 {
		return 0, stackdepot.StackTrace{}, false
	}
	hash := t.pending.At(n - 1)
	t.pending.Truncate(n - 1)
	st, _ := t.depot.Get(hash)
	return hash, st, true
}

// Frames resolves the stack stored under hash. It must not be called from
// inside an allocation hook.
func (t *Tracker) Frames(hash uint64) []stackdepot.Frame {
	if !t.mu.IsInitialized() {
		return nil
	}
	g := scoped.Acquire(&t.mu)
	st, ok := t.depot.Get(hash)
	g.Release()
	if !ok {
		return nil
	}
	return t.resolve(hash, st)
}

// LiveBlocks calls fn for each live block until fn returns false. fn runs
// with the tracker lock held and must not call back into the tracker.
func (t *Tracker) LiveBlocks(fn func(Block) bool) {
	if !t.mu.IsInitialized() {
		return
	}
	g := scoped.Acquire(&t.mu)
	defer g.Release()
	t.blocks.Range(func(_ uintptr, b Block) bool {
		return fn(b)
	})
}

// Stats returns current counters.
func (t *Tracker) Stats() Stats {
	s := Stats{
		MismatchedFrees: t.mismatched.Load(),
		ReentrantSkips:  t.reentrant.Load(),
		ResolvedStacks:  t.resolved.Load(),
	}
	if !t.mu.IsInitialized() {
		return s
	}
	g := scoped.Acquire(&t.mu)
	defer g.Release()
	s.LiveBlocks = t.blocks.Len()
	s.LiveBytes = t.bytes
	s.Allocs = t.allocs
	s.Frees = t.frees
	s.UniqueStacks = t.depot.Len()
	s.PendingStacks = t.pending.Len()
	return s
}

// Close disables the tracker, frees all bookkeeping memory and tears the
// locks down. Hooks must not run concurrently with Close.
func (t *Tracker) Close() {
	if !t.mu.IsInitialized() {
		return
	}
	t.enabled.Store(false)

	g := scoped.Acquire(&t.mu)
	live := t.blocks.Len()
	t.blocks.Free()
	t.depot.Free()
	t.pending.Free()
	t.serial, t.bytes, t.allocs, t.frees = 0, 0, 0, 0
	g.Release()

	t.mu.Teardown()
	t.resolving.Teardown()
	t.log.WithField("live_blocks", live).Info("Tracker closed")
}

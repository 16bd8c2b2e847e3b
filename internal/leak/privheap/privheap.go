// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package privheap is the agent's private heap: a raw allocate/free pair
// that never goes through the Go allocator and is therefore invisible to
// any hook that tracks the process's own allocations.
//
// Memory comes straight from anonymous page mappings. Small requests are
// rounded up to a power-of-two size class and carved out of 256 KiB chunks;
// freed blocks go onto a per-class free list threaded through the blocks
// themselves. Requests above the largest class get a dedicated mapping that
// is unmapped again on Free. Base addresses of live dedicated mappings are
// kept in a side table, since their headers disappear with the mapping.
//
// Every block starts with a 16-byte header:
//
//	+0  requested size (uint64)
//	+8  size class (uint16), largeClass for dedicated mappings
//	+10 tag slot (uint16), 0 for the overflow slot
//	+12 magic (uint32), liveMagic or freedMagic
//
// Blocks are tagged with the program counter of their call site. Per-tag
// counts live in a fixed table inside the Heap, so accounting does not
// allocate either.
//
// The garbage collector does not scan this memory. Never store Go pointers
// in it.
package privheap

import (
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrNoMemory is returned when the OS refuses to map more pages.
var ErrNoMemory = errors.New("privheap: out of memory")

const (
	headerSize = 16

	minClassShift = 5  // 32 B blocks, 16 B payload
	maxClassShift = 15 // 32 KiB blocks
	numClasses    = maxClassShift - minClassShift + 1
	largeClass    = 0xffff

	chunkSize       = 256 << 10
	chunkHeaderSize = 16

	maxTags = 1024

	liveMagic  = 0x6c67_4b21
	freedMagic = 0x6c67_46ee
)

var pageSize = uintptr(os.Getpagesize())

// Tag identifies the call site of an allocation.
type Tag uintptr

// Caller returns the tag for the caller of the function invoking Caller,
// skipping skip further frames. Caller(0) tags the direct caller.
func Caller(skip int) Tag {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return Tag(pcs[0])
}

type header struct {
	size  uint64
	class uint16
	tag   uint16
	magic uint32
}

type tagSlot struct {
	pc     uintptr
	live   int64
	bytes  int64
	allocs uint64
}

// Stats is a point-in-time snapshot of a Heap.
type Stats struct {
	MappedBytes uint64
	LiveBlocks  uint64
	LiveBytes   uint64
	Allocs      uint64
	Frees       uint64
}

// TagStats describes the live allocations of one call site.
type TagStats struct {
	PC         uintptr
	Function   string
	File       string
	Line       int
	LiveBlocks int64
	LiveBytes  int64
	Allocs     uint64
}

// Heap is a private heap. The zero value is ready to use.
type Heap struct {
	mu sync.Mutex

	free    [numClasses]unsafe.Pointer // head of each class free list
	chunks  unsafe.Pointer             // most recent chunk; chunks are linked
	bump    uintptr                    // next free offset in chunks
	tags    [maxTags + 1]tagSlot       // slot 0 collects overflow
	numTags int
	large   largeSet
	stats   Stats

	// Overridable in tests.
	mapFn   func(n uintptr) (unsafe.Pointer, error)
	unmapFn func(p unsafe.Pointer, n uintptr) error
}

// Default is the process-wide private heap.
var Default = new(Heap)

// Alloc returns size bytes of zeroed private memory tagged with tag.
func (h *Heap) Alloc(size uintptr, tag Tag) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if size > ^uintptr(0)-headerSize-pageSize {
		return nil, errors.Errorf("privheap: request of %d bytes is too large", size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	class, ok := classFor(size)
	var block unsafe.Pointer
	var err error
	if ok {
		block, err = h.allocSmall(class)
	} else {
		block, err = h.allocLarge(size)
	}
	if err != nil {
		return nil, err
	}

	slot := h.tagSlot(uintptr(tag))
	hdr := (*header)(block)
	hdr.size = uint64(size)
	hdr.tag = slot
	hdr.magic = liveMagic
	if ok {
		hdr.class = uint16(class)
	} else {
		hdr.class = largeClass
	}

	h.tags[slot].live++
	h.tags[slot].bytes += int64(size)
	h.tags[slot].allocs++
	h.stats.LiveBlocks++
	h.stats.LiveBytes += uint64(size)
	h.stats.Allocs++

	p := unsafe.Add(block, headerSize)
	clear(unsafe.Slice((*byte)(p), size))
	return p, nil
}

// Free returns a block obtained from Alloc on the same Heap. Free(nil) is a
// no-op.
//
// Misuse panics instead of corrupting the heap:
//   - small block freed twice: "privheap: double free"
//   - large block freed twice, or any page-aligned block this heap does not
//     have live: checked against the side table before the header is read,
//     since the header of a freed large block is no longer mapped
//   - other pointers whose header does not carry the live magic
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	block := unsafe.Add(p, -headerSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Small blocks sit at chunkHeaderSize plus a multiple of a power-of-two
	// block size inside a page-aligned chunk, so they are never page-aligned.
	// Dedicated mappings always are.
	if uintptr(block)%pageSize == 0 {
		if !h.large.remove(uintptr(block)) {
			panic("privheap: free of a large block that is not live")
		}
		h.freeLarge(block)
		return
	}

	hdr := (*header)(block)
	switch hdr.magic {
	case liveMagic:
	case freedMagic:
		panic("privheap: double free")
	default:
		panic("privheap: free of a block not allocated by privheap")
	}
	if hdr.class == largeClass {
		panic("privheap: free of a block not allocated by privheap")
	}

	h.account(hdr)
	hdr.magic = freedMagic
	class := int(hdr.class)
	*(*unsafe.Pointer)(p) = h.free[class]
	h.free[class] = block
}

// freeLarge unmaps a dedicated mapping already removed from the side table.
func (h *Heap) freeLarge(block unsafe.Pointer) {
	hdr := (*header)(block)
	h.account(hdr)
	n := roundUp(uintptr(hdr.size)+headerSize, pageSize)
	hdr.magic = freedMagic
	if err := h.unmap(block, n); err == nil {
		h.stats.MappedBytes -= uint64(n)
	}
}

func (h *Heap) account(hdr *header) {
	size := hdr.size
	slot := hdr.tag
	h.tags[slot].live--
	h.tags[slot].bytes -= int64(size)
	h.stats.LiveBlocks--
	h.stats.LiveBytes -= size
	h.stats.Frees++
}

// Size returns the requested size of a live block.
func (h *Heap) Size(p unsafe.Pointer) uintptr {
	hdr := (*header)(unsafe.Add(p, -headerSize))
	return uintptr(hdr.size)
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Tags calls fn for every call site with live blocks, until fn returns
// false. Symbolization happens outside the heap lock, on the Go heap; do
// not call Tags from an allocation hook.
func (h *Heap) Tags(fn func(TagStats) bool) {
	h.mu.Lock()
	var live []tagSlot
	for _, s := range h.tags {
		if s.live > 0 {
			live = append(live, s)
		}
	}
	h.mu.Unlock()

	for _, s := range live {
		ts := TagStats{PC: s.pc, LiveBlocks: s.live, LiveBytes: s.bytes, Allocs: s.allocs}
		if s.pc != 0 {
			frame, _ := runtime.CallersFrames([]uintptr{s.pc}).Next()
			ts.Function, ts.File, ts.Line = frame.Function, frame.File, frame.Line
		}
		if !fn(ts) {
			return
		}
	}
}

// Release unmaps every chunk and every live large block, then resets the
// heap. All blocks become invalid. Precondition: nothing uses the heap
// concurrently.
func (h *Heap) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	h.large.each(func(addr uintptr) {
		block := unsafe.Pointer(addr) //nolint:govet // address of a live mapping owned by this heap
		n := roundUp(uintptr((*header)(block).size)+headerSize, pageSize)
		if err := h.unmap(block, n); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "privheap: releasing large block")
		} else if err == nil {
			h.stats.MappedBytes -= uint64(n)
		}
	})
	if err := h.large.reset(h); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "privheap: releasing large block table")
	}
	for c := h.chunks; c != nil; {
		next := *(*unsafe.Pointer)(c)
		if err := h.unmap(c, chunkSize); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "privheap: releasing chunk")
		} else if err == nil {
			h.stats.MappedBytes -= chunkSize
		}
		c = next
	}
	h.chunks = nil
	h.bump = 0
	h.free = [numClasses]unsafe.Pointer{}
	h.tags = [maxTags + 1]tagSlot{}
	h.numTags = 0
	mapped := h.stats.MappedBytes
	h.stats = Stats{MappedBytes: mapped}
	return firstErr
}

func (h *Heap) allocSmall(class int) (unsafe.Pointer, error) {
	if b := h.free[class]; b != nil {
		h.free[class] = *(*unsafe.Pointer)(unsafe.Add(b, headerSize))
		return b, nil
	}

	blockSize := uintptr(1) << (class + minClassShift)
	if h.chunks == nil || h.bump+blockSize > chunkSize {
		c, err := h.mmap(chunkSize)
		if err != nil {
			return nil, err
		}
		h.stats.MappedBytes += chunkSize
		*(*unsafe.Pointer)(c) = h.chunks
		h.chunks = c
		h.bump = chunkHeaderSize
	}
	b := unsafe.Add(h.chunks, h.bump)
	h.bump += blockSize
	return b, nil
}

func (h *Heap) allocLarge(size uintptr) (unsafe.Pointer, error) {
	n := roundUp(size+headerSize, pageSize)
	b, err := h.mmap(n)
	if err != nil {
		return nil, err
	}
	if err := h.large.insert(h, uintptr(b)); err != nil {
		_ = h.unmap(b, n)
		return nil, err
	}
	h.stats.MappedBytes += uint64(n)
	return b, nil
}

// tagSlot finds or claims the slot for pc. Slot 0 is the overflow slot used
// for untagged blocks and when the table is full.
func (h *Heap) tagSlot(pc uintptr) uint16 {
	if pc == 0 {
		return 0
	}
	i := int(hashPC(pc) % maxTags)
	for probes := 0; probes < maxTags; probes++ {
		s := &h.tags[i+1]
		if s.pc == pc {
			return uint16(i + 1)
		}
		if s.pc == 0 {
			s.pc = pc
			h.numTags++
			return uint16(i + 1)
		}
		i = (i + 1) % maxTags
	}
	return 0
}

func (h *Heap) mmap(n uintptr) (unsafe.Pointer, error) {
	if h.mapFn != nil {
		return h.mapFn(n)
	}
	return mapPages(n)
}

func (h *Heap) unmap(p unsafe.Pointer, n uintptr) error {
	if h.unmapFn != nil {
		return h.unmapFn(p, n)
	}
	return unmapPages(p, n)
}

// classFor returns the size class holding size payload bytes.
func classFor(size uintptr) (int, bool) {
	need := size + headerSize
	for c := 0; c < numClasses; c++ {
		if need <= uintptr(1)<<(c+minClassShift) {
			return c, true
		}
	}
	return 0, false
}

func hashPC(pc uintptr) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(pc) * goldenRatio) >> 32
}

func roundUp(n, to uintptr) uintptr {
	return (n + to - 1) &^ (to - 1)
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privheap

import "unsafe"

const (
	largeEmpty   = 0
	largeDeleted = 1

	minLargeSlots = 512
)

// largeSet holds the base addresses of live dedicated mappings. It is an
// open-addressing table whose slot array sits in its own page mapping, so
// it stays readable after the blocks it describes are unmapped and never
// touches the Go heap. The Heap lock guards it.
type largeSet struct {
	slots []uintptr // 0 empty, 1 tombstone, else a base address
	live  int
	used  int // live plus tombstones
}

func (s *largeSet) contains(addr uintptr) bool {
	return s.index(addr) >= 0
}

func (s *largeSet) insert(h *Heap, addr uintptr) error {
	if (s.used+1)*4 > len(s.slots)*3 {
		if err := s.rehash(h); err != nil {
			return err
		}
	}
	s.place(addr)
	return nil
}

func (s *largeSet) remove(addr uintptr) bool {
	i := s.index(addr)
	if i < 0 {
		return false
	}
	s.slots[i] = largeDeleted
	s.live--
	return true
}

// each calls fn for every live address.
func (s *largeSet) each(fn func(addr uintptr)) {
	for _, v := range s.slots {
		if v > largeDeleted {
			fn(v)
		}
	}
}

// reset unmaps the slot array.
func (s *largeSet) reset(h *Heap) error {
	var err error
	if len(s.slots) > 0 {
		err = h.unmap(unsafe.Pointer(&s.slots[0]), uintptr(len(s.slots))*unsafe.Sizeof(uintptr(0)))
	}
	*s = largeSet{}
	return err
}

func (s *largeSet) index(addr uintptr) int {
	if len(s.slots) == 0 {
		return -1
	}
	mask := uintptr(len(s.slots) - 1)
	for i, n := uintptr(hashPC(addr/pageSize))&mask, 0; n < len(s.slots); i, n = (i+1)&mask, n+1 {
		switch s.slots[i] {
		case largeEmpty:
			return -1
		case addr:
			return int(i)
		}
	}
	return -1
}

// place stores addr in the first free slot of its probe chain. The caller
// guarantees a free slot exists.
func (s *largeSet) place(addr uintptr) {
	mask := uintptr(len(s.slots) - 1)
	for i := uintptr(hashPC(addr/pageSize)) & mask; ; i = (i + 1) & mask {
		switch s.slots[i] {
		case largeEmpty:
			s.used++
			fallthrough
		case largeDeleted:
			s.slots[i] = addr
			s.live++
			return
		}
	}
}

// rehash moves the live entries into a fresh slot array. The array doubles
// unless most of the load is tombstones.
func (s *largeSet) rehash(h *Heap) error {
	n := len(s.slots) * 2
	if n == 0 {
		n = minLargeSlots
	} else if s.live*4 < len(s.slots) {
		n = len(s.slots)
	}
	mem, err := h.mmap(uintptr(n) * unsafe.Sizeof(uintptr(0)))
	if err != nil {
		return err
	}

	old := s.slots
	s.slots = unsafe.Slice((*uintptr)(mem), n)
	s.live, s.used = 0, 0
	for _, v := range old {
		if v > largeDeleted {
			s.place(v)
		}
	}
	if len(old) > 0 {
		_ = h.unmap(unsafe.Pointer(&old[0]), uintptr(len(old))*unsafe.Sizeof(uintptr(0)))
	}
	return nil
}

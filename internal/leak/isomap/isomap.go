// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package isomap implements the hash table behind the agent's bookkeeping:
// live blocks keyed by address, stack traces keyed by hash.
//
// Slots live in isoalloc memory, so inserting into a Map never allocates
// on the Go heap and never re-enters an allocation hook.
//
// Design:
//   - Open addressing with linear probing over a power-of-two slot array
//   - Multiplicative golden-ratio hash (good spread for sequential addresses)
//   - Tombstones on Delete, dropped on the next grow
//   - Grows to twice the size when live+deleted slots pass 3/4
//
// Keys are integer-like and values must be pointer-free (see isoalloc).
// A Map is not synchronized; callers hold the tracker lock.
package isomap

import "github.com/kolkov/leakguard/internal/leak/isoalloc"

// Key is the set of key types a Map accepts.
type Key interface {
	~uintptr | ~uint64 | ~uint32 | ~int64 | ~int
}

const (
	slotEmpty uint8 = iota
	slotFull
	slotDeleted
)

const minSlots = 16

type slot[K Key, V any] struct {
	key   K
	state uint8
	value V
}

// Map is a hash map from K to V. The zero value is an empty map.
type Map[K Key, V any] struct {
	alloc   isoalloc.Allocator[slot[K, V]]
	slots   []slot[K, V]
	live    int
	deleted int
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.live }

// Get returns the value stored for k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	if i, ok := m.find(k); ok {
		return m.slots[i].value, true
	}
	var zero V
	return zero, false
}

// Put stores v for k and reports whether k was new.
func (m *Map[K, V]) Put(k K, v V) bool {
	if i, ok := m.find(k); ok {
		m.slots[i].value = v
		return false
	}
	if (m.live+m.deleted+1)*4 > len(m.slots)*3 {
		m.grow()
	}

	mask := uint64(len(m.slots) - 1)
	for i := hash(k) & mask; ; i = (i + 1) & mask {
		s := &m.slots[i]
		if s.state != slotFull {
			if s.state == slotDeleted {
				m.deleted--
			}
			s.key, s.value, s.state = k, v, slotFull
			m.live++
			return true
		}
	}
}

// Delete removes k and returns its value.
func (m *Map[K, V]) Delete(k K) (V, bool) {
	var zero V
	i, ok := m.find(k)
	if !ok {
		return zero, false
	}
	s := &m.slots[i]
	v := s.value
	s.value, s.state = zero, slotDeleted
	m.live--
	m.deleted++
	return v, true
}

// Range calls fn for each entry until fn returns false. fn must not modify
// the map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.state == slotFull && !fn(s.key, s.value) {
			return
		}
	}
}

// Free returns the slot storage and empties the map.
func (m *Map[K, V]) Free() {
	m.alloc.Deallocate(m.slots, len(m.slots))
	m.slots = nil
	m.live = 0
	m.deleted = 0
}

func (m *Map[K, V]) find(k K) (uint64, bool) {
	if m.live == 0 {
		return 0, false
	}
	mask := uint64(len(m.slots) - 1)
	for i := hash(k) & mask; ; i = (i + 1) & mask {
		s := &m.slots[i]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if s.key == k {
				return i, true
			}
		}
	}
}

func (m *Map[K, V]) grow() {
	n := 2 * len(m.slots)
	if n < minSlots {
		n = minSlots
	}
	// Mostly tombstones: rehash in place size-wise.
	if m.live*2 < len(m.slots)*3/4 && len(m.slots) >= minSlots {
		n = len(m.slots)
	}

	old := m.slots
	m.slots = m.alloc.Allocate(n)
	m.live, m.deleted = 0, 0

	mask := uint64(n - 1)
	for j := range old {
		if old[j].state != slotFull {
			continue
		}
		for i := hash(old[j].key) & mask; ; i = (i + 1) & mask {
			if m.slots[i].state == slotEmpty {
				m.slots[i] = slot[K, V]{key: old[j].key, state: slotFull, value: old[j].value}
				m.live++
				break
			}
		}
	}
	m.alloc.Deallocate(old, len(old))
}

// hash spreads k with a golden-ratio multiply and keeps the high bits.
func hash[K Key](k K) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	h := uint64(k) * goldenRatio
	return h ^ (h >> 32)
}

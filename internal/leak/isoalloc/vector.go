// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoalloc

// Vector is a growable array whose backing store comes from Allocator[T].
// The zero value is an empty vector. Free must be called to return the
// storage; a Vector is not safe for concurrent use.
type Vector[T any] struct {
	alloc Allocator[T]
	buf   []T
	n     int
}

// Len returns the number of elements.
func (v *Vector[T]) Len() int { return v.n }

// Cap returns the capacity of the current backing store.
func (v *Vector[T]) Cap() int { return len(v.buf) }

// At returns element i. It panics if i is out of range.
func (v *Vector[T]) At(i int) T {
	return v.buf[:v.n][i]
}

// Set overwrites element i. It panics if i is out of range.
func (v *Vector[T]) Set(i int, x T) {
	v.buf[:v.n][i] = x
}

// Append adds x at the end, doubling the backing store when full.
func (v *Vector[T]) Append(x T) {
	if v.n == len(v.buf) {
		v.grow()
	}
	v.buf[v.n] = x
	v.n++
}

// Truncate shortens the vector to n elements, keeping its storage.
func (v *Vector[T]) Truncate(n int) {
	if n < 0 || n > v.n {
		panic("isoalloc: Truncate out of range")
	}
	var zero T
	for i := n; i < v.n; i++ {
		v.buf[i] = zero
	}
	v.n = n
}

// Free returns the backing store and empties the vector.
func (v *Vector[T]) Free() {
	v.alloc.Deallocate(v.buf, len(v.buf))
	v.buf = nil
	v.n = 0
}

func (v *Vector[T]) grow() {
	newCap := 2 * len(v.buf)
	if newCap == 0 {
		newCap = 8
	}
	buf := v.alloc.Allocate(newCap)
	copy(buf, v.buf[:v.n])
	v.alloc.Deallocate(v.buf, len(v.buf))
	v.buf = buf
}

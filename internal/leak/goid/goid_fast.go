// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.24 && (amd64 || arm64)

package goid

import "unsafe"

// getg returns the current goroutine's g struct pointer.
// Implemented in goid_amd64.s and goid_arm64.s.
func getg() uintptr

// fastID reads the goid field of runtime.g at goidOffset.
//
// Safety:
//   - NOSPLIT in assembly: never grows the stack
//   - No allocations: one call plus pointer arithmetic
//   - g structs are never moved by the garbage collector
//
//go:nosplit
//go:nocheckptr
func fastID() (int64, bool) {
	gptr := getg()
	if gptr == 0 {
		return None, false
	}
	//nolint:govet,gosec // Intentional read of a runtime struct field.
	goid := *(*uint64)(unsafe.Pointer(gptr + goidOffset))
	//nolint:gosec // goid values never exceed int64 max.
	return int64(goid), true
}

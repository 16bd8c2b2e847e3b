// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package privheap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func mapPages(n uintptr) (unsafe.Pointer, error) {
	addr, err := windows.VirtualAlloc(0, n, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_ENOUGH_MEMORY) || errors.Is(err, windows.ERROR_COMMITMENT_LIMIT) {
			return nil, errors.Wrapf(ErrNoMemory, "VirtualAlloc %d bytes", n)
		}
		return nil, errors.Wrapf(err, "privheap: VirtualAlloc %d bytes", n)
	}
	//nolint:govet // addr is OS memory, not a Go pointer.
	return unsafe.Pointer(addr), nil
}

func unmapPages(p unsafe.Pointer, _ uintptr) error {
	return windows.VirtualFree(uintptr(p), 0, windows.MEM_RELEASE)
}

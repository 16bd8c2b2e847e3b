// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package privheap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mapPages(n uintptr) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, errors.Wrapf(ErrNoMemory, "mmap %d bytes", n)
		}
		return nil, errors.Wrapf(err, "privheap: mmap %d bytes", n)
	}
	return unsafe.Pointer(unsafe.SliceData(b)), nil
}

func unmapPages(p unsafe.Pointer, n uintptr) error {
	// Munmap finds the mapping by the slice it handed out, so rebuild it
	// with the same base and length.
	return unix.Munmap(unsafe.Slice((*byte)(p), n))
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package loaderlock

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// loadSystemProcs resolves the loader-lock exports of ntdll.dll. Missing
// exports leave the corresponding Procs field nil instead of failing.
func loadSystemProcs() Procs {
	ntdll := windows.NewLazySystemDLL("ntdll.dll")
	lockProc := ntdll.NewProc("LdrLockLoaderLock")
	unlockProc := ntdll.NewProc("LdrUnlockLoaderLock")

	p := Procs{ThreadID: windows.GetCurrentThreadId}
	if lockProc.Find() == nil {
		p.Lock = func(flags uint32, state *uint32, cookie *uintptr) uint32 {
			r, _, _ := lockProc.Call(
				uintptr(flags),
				uintptr(unsafe.Pointer(state)),
				uintptr(unsafe.Pointer(cookie)),
			)
			return uint32(r)
		}
	}
	if unlockProc.Find() == nil {
		p.Unlock = func(flags uint32, cookie uintptr) uint32 {
			r, _, _ := unlockProc.Call(uintptr(flags), cookie)
			return uint32(r)
		}
	}
	return p
}

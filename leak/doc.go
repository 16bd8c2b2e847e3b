// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leak is a heap leak tracker that can be called from allocation
// hooks.
//
// The tracker records every block reported through [TrackAlloc] together
// with the goroutine and call stack that allocated it, forgets blocks
// reported through [TrackFree], and at [Fini] reports what is still live.
// Its own bookkeeping never allocates on the Go heap, so the hooks may be
// wired into allocators that themselves report to the tracker.
//
// # Quick Start
//
//	package main
//
//	import (
//		"log"
//
//		"github.com/kolkov/leakguard/leak"
//	)
//
//	func main() {
//		if err := leak.Init(); err != nil {
//			log.Fatal(err)
//		}
//		defer leak.Fini()
//
//		p := myAlloc(64)
//		leak.TrackAlloc(uintptr(p), 64)
//		// ...
//		leak.TrackFree(uintptr(p))
//	}
//
// # Configuration
//
// [Init] starts from the built-in defaults, applies the file named by
// LEAKGUARD_CONFIG (TOML) and the key=value pairs in LEAKGUARD, then the
// options passed to it:
//
//	LEAKGUARD="log_level=debug report_on_exit=0" ./myprogram
//
// Keys: enabled, eager_resolve, try_loader_lock, stack_skip, log_level,
// report_on_exit.
//
// # Stack Resolution
//
// Stacks are captured as program counters inside the hook. Turning them
// into function names can take loader-sensitive locks, so on Windows the
// tracker resolves a new stack immediately only while it holds the OS
// loader lock on the hooking thread; otherwise the stack is queued and
// resolved by [ResolvePending] or at [Fini].
//
// # Thread Safety
//
// TrackAlloc, TrackFree, Stats and LiveBlocks are safe for concurrent use.
// Init and Fini are not meant to race with hooks: call Init before the
// first hook fires and Fini after the last.
package leak

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leak_test

import (
	"fmt"
	"unsafe"

	"github.com/kolkov/leakguard/leak"
)

type buffer struct {
	data [64]byte
}

// Example demonstrates reporting allocations from a custom allocator.
func Example() {
	if err := leak.Init(leak.WithReportOnExit(false)); err != nil {
		fmt.Println(err)
		return
	}
	defer leak.Fini()

	b := new(buffer)
	leak.TrackAlloc(uintptr(unsafe.Pointer(b)), unsafe.Sizeof(*b))

	st := leak.Stats()
	fmt.Println(st.LiveBlocks, st.LiveBytes)

	leak.TrackFree(uintptr(unsafe.Pointer(b)))
	fmt.Println(leak.Stats().LiveBlocks)

	// Output:
	// 1 64
	// 0
}

// Example_liveBlocks lists blocks still allocated.
func Example_liveBlocks() {
	if err := leak.Init(leak.WithReportOnExit(false)); err != nil {
		fmt.Println(err)
		return
	}
	defer leak.Fini()

	leak.TrackAlloc(0x1000, 16)
	leak.TrackAlloc(0x2000, 32)
	leak.TrackFree(0x1000)

	leak.LiveBlocks(func(b leak.Block) bool {
		fmt.Printf("0x%x %d #%d\n", b.Addr, b.Size, b.Serial)
		return true
	})

	// Output:
	// 0x2000 32 #2
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

package loaderlock

// loadSystemProcs reports the capability as absent. There is no loader
// lock to interoperate with outside Windows.
func loadSystemProcs() Procs {
	return Procs{}
}

// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !go1.24 || !(amd64 || arm64)

package goid

// fastID is unavailable on this platform; Current always parses
// runtime.Stack.
func fastID() (int64, bool) {
	return None, false
}

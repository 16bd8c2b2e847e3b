// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leak

import "github.com/kolkov/leakguard/internal/leak/loaderlock"

// Version information for the leak tracker.
const (
	// Version is the current version of the tracker.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the tracker.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Active indicates whether Init has been called without Fini.
	Active bool

	// Enabled indicates whether allocations are being recorded.
	Enabled bool

	// LoaderLock indicates whether the platform exposes the OS loader
	// lock, allowing stacks to be resolved inside hooks.
	LoaderLock bool
}

// GetInfo returns information about the tracker runtime.
//
// Example:
//
//	info := leak.GetInfo()
//	fmt.Printf("leakguard %s (loader lock: %v)\n", info.Version, info.LoaderLock)
func GetInfo() Info {
	info := Info{
		Version:    Version,
		LoaderLock: loaderlock.Available(),
	}
	if s := current.Load(); s != nil {
		info.Active = true
		info.Enabled = s.t.Enabled()
	}
	return info
}

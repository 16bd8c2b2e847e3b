// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scoped

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/leakguard/internal/leak/xlock"
)

// lockDouble counts Acquire and Release calls.
type lockDouble struct {
	acquires int
	releases int
}

func (d *lockDouble) Acquire() { d.acquires++ }
func (d *lockDouble) Release() { d.releases++ }

func TestGuard_AcquiresOnConstruction(t *testing.T) {
	d := &lockDouble{}
	g := Acquire(d)
	assert.Equal(t, 1, d.acquires)
	assert.Zero(t, d.releases)
	assert.False(t, g.Released())
	g.Release()
}

func TestGuard_ExplicitReleaseThenScopeExit(t *testing.T) {
	d := &lockDouble{}
	func() {
		g := Acquire(d)
		defer g.Release()
		g.Release()
		assert.True(t, g.Released())
	}()
	assert.Equal(t, 1, d.releases)
}

func TestGuard_ScopeExitOnly(t *testing.T) {
	d := &lockDouble{}
	func() {
		g := Acquire(d)
		defer g.Release()
	}()
	assert.Equal(t, 1, d.acquires)
	assert.Equal(t, 1, d.releases)
}

func TestGuard_ReleasedOnPanic(t *testing.T) {
	d := &lockDouble{}
	assert.Panics(t, func() {
		g := Acquire(d)
		defer g.Release()
		panic(errors.New("hook failed"))
	})
	assert.Equal(t, 1, d.releases)
}

func TestGuard_RepeatedRelease(t *testing.T) {
	d := &lockDouble{}
	g := Acquire(d)
	for i := 0; i < 5; i++ {
		g.Release()
	}
	assert.Equal(t, 1, d.releases)
}

func TestGuard_OverExclusiveLock(t *testing.T) {
	var l xlock.Lock
	require.True(t, l.Initialize())
	defer l.Teardown()

	func() {
		g := Acquire(&l)
		defer g.Release()
		assert.True(t, l.IsLockedByCurrentThread())
	}()
	assert.False(t, l.IsLocked())

	// The lock is free again, so a non-blocking attempt succeeds.
	require.True(t, l.TryAcquire())
	l.Release()
}

func TestGuard_ZeroAllocs(t *testing.T) {
	d := &lockDouble{}
	allocs := testing.AllocsPerRun(1000, func() {
		g := Acquire(d)
		defer g.Release()
	})
	assert.Zero(t, allocs)
	assert.Equal(t, d.acquires, d.releases)
}

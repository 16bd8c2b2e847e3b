// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leak

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanEnv keeps the caller's LEAKGUARD settings out of the tests.
func cleanEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEAKGUARD_CONFIG", "")
	t.Setenv("LEAKGUARD", "")
}

func captureReport(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := output
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })
	return &buf
}

func TestInitFini(t *testing.T) {
	cleanEnv(t)
	captureReport(t)

	require.NoError(t, Init())
	require.NoError(t, Init(WithStackSkip(3)), "second Init is a no-op")
	info := GetInfo()
	assert.True(t, info.Active)
	assert.True(t, info.Enabled)
	assert.Equal(t, Version, info.Version)

	Fini()
	Fini()
	assert.False(t, GetInfo().Active)
}

func TestInit_InvalidOptions(t *testing.T) {
	cleanEnv(t)

	assert.Error(t, Init(WithLogLevel("chatty")))
	assert.False(t, GetInfo().Active)

	t.Setenv("LEAKGUARD", "stack_skip=-4")
	assert.Error(t, Init())
	assert.False(t, GetInfo().Active)
}

func TestNoopWithoutInit(t *testing.T) {
	TrackAlloc(0x1000, 8)
	assert.False(t, TrackFree(0x1000))
	assert.Zero(t, ResolvePending())
	assert.Equal(t, Counters{}, Stats())
	called := false
	LiveBlocks(func(Block) bool { called = true; return true })
	assert.False(t, called)
	Enable()
	Disable()
	Fini()
}

func TestTrackAllocFree(t *testing.T) {
	cleanEnv(t)
	captureReport(t)
	require.NoError(t, Init(WithEagerResolve(false)))
	defer Fini()

	TrackAlloc(0x1000, 32)
	TrackAlloc(0x2000, 64)
	assert.True(t, TrackFree(0x1000))
	assert.False(t, TrackFree(0x3000))

	st := Stats()
	assert.Equal(t, 1, st.LiveBlocks)
	assert.Equal(t, uint64(64), st.LiveBytes)
	assert.Equal(t, uint64(1), st.MismatchedFrees)

	var live []Block
	LiveBlocks(func(b Block) bool {
		live = append(live, b)
		return true
	})
	require.Len(t, live, 1)
	assert.Equal(t, uintptr(0x2000), live[0].Addr)
	assert.Contains(t, Stack(live[0].Stack), "TestTrackAllocFree")

	assert.Positive(t, Stats().UniqueStacks)
}

func TestDisableEnable(t *testing.T) {
	cleanEnv(t)
	captureReport(t)
	require.NoError(t, Init())
	defer Fini()

	Disable()
	assert.False(t, GetInfo().Enabled)
	TrackAlloc(0x1000, 8)
	assert.Zero(t, Stats().LiveBlocks)

	Enable()
	TrackAlloc(0x1000, 8)
	assert.Equal(t, 1, Stats().LiveBlocks)
	TrackFree(0x1000)
}

func leakSomething() {
	TrackAlloc(0xbeef0, 24)
}

func TestFiniReport(t *testing.T) {
	cleanEnv(t)
	buf := captureReport(t)
	require.NoError(t, Init(WithReportOnExit(true)))

	leakSomething()
	TrackAlloc(0x1000, 8)
	TrackFree(0x1000)
	TrackFree(0x5000)
	Fini()

	report := buf.String()
	assert.Contains(t, report, "Leak Tracker Report")
	assert.Contains(t, report, "WARNING: 1 block(s), 24 byte(s) still allocated")
	assert.Contains(t, report, "24 bytes at 0xbeef0")
	assert.Contains(t, report, "leakSomething()")
	assert.Contains(t, report, "1 free(s) of unknown blocks")

	// The report lists the allocation site first.
	idx := strings.Index(report, "leakSomething")
	assert.Less(t, idx, strings.Index(report, "TestFiniReport"))
}

func TestFiniReport_Clean(t *testing.T) {
	cleanEnv(t)
	buf := captureReport(t)
	require.NoError(t, Init())

	TrackAlloc(0x1000, 8)
	TrackFree(0x1000)
	Fini()

	assert.Contains(t, buf.String(), "No leaked blocks.")
}

func TestFiniReport_Disabled(t *testing.T) {
	cleanEnv(t)
	buf := captureReport(t)
	require.NoError(t, Init(WithReportOnExit(false)))

	TrackAlloc(0x1000, 8)
	Fini()

	assert.Empty(t, buf.String())
}

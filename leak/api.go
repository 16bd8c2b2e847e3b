// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leak

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/leakguard/internal/leak/config"
	"github.com/kolkov/leakguard/internal/leak/stackdepot"
	"github.com/kolkov/leakguard/internal/leak/tracker"
)

// Block is one live allocation.
type Block = tracker.Block

// Counters is a snapshot of tracker counters.
type Counters = tracker.Stats

// Option configures Init. See the config package for the setters.
type Option = config.Option

// session is the state between Init and Fini.
type session struct {
	t    *tracker.Tracker
	opts config.Options
}

var (
	// lifecycle serializes Init and Fini.
	lifecycle sync.Mutex

	// current is the active session, nil outside Init/Fini.
	current atomic.Pointer[session]

	// output receives the exit report.
	output io.Writer = os.Stderr

	logger = logrus.New()
	log    = logger.WithField("component", "leak")
)

// Init starts the process-wide tracker.
//
// Options are layered: built-in defaults, then LEAKGUARD_CONFIG and
// LEAKGUARD from the environment, then opts in order. Init is idempotent:
// while a tracker is active further calls return nil and ignore opts.
//
// Init fails when the configuration is invalid or the tracker lock cannot
// be created; the process then runs untracked.
func Init(opts ...Option) error {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	if current.Load() != nil {
		return nil
	}

	o, err := config.FromEnv()
	if err != nil {
		return errors.Wrap(err, "leakguard: loading configuration")
	}
	if err := o.Apply(opts...); err != nil {
		return errors.Wrap(err, "leakguard: applying options")
	}
	logger.SetLevel(o.Level())

	t := tracker.New(o, nil)
	t.SetLogger(logger)
	if err := t.Init(); err != nil {
		return errors.Wrap(err, "leakguard")
	}
	current.Store(&session{t: t, opts: o})
	log.Debug("Leak tracking started")
	return nil
}

// Fini stops tracking, resolves outstanding stacks, reports live blocks if
// configured and frees all tracker memory. It is a no-op without Init.
func Fini() {
	lifecycle.Lock()
	defer lifecycle.Unlock()

	s := current.Swap(nil)
	if s == nil {
		return
	}
	t := s.t
	t.Disable()

	resolved := t.ResolvePending()
	st := t.Stats()
	log.WithFields(logrus.Fields{
		"live_blocks":      st.LiveBlocks,
		"live_bytes":       st.LiveBytes,
		"allocs":           st.Allocs,
		"frees":            st.Frees,
		"mismatched_frees": st.MismatchedFrees,
		"reentrant_skips":  st.ReentrantSkips,
		"unique_stacks":    st.UniqueStacks,
		"resolved_at_exit": resolved,
	}).Info("Leak tracking finished")

	if s.opts.ReportOnExit {
		writeReport(output, t, st)
	}
	t.Close()
}

// writeReport prints live blocks in allocation order with their stacks.
func writeReport(w io.Writer, t *tracker.Tracker, st tracker.Stats) {
	var blocks []Block
	t.LiveBlocks(func(b Block) bool {
		blocks = append(blocks, b)
		return true
	})
	slices.SortFunc(blocks, func(a, b Block) int {
		switch {
		case a.Serial < b.Serial:
			return -1
		case a.Serial > b.Serial:
			return 1
		}
		return 0
	})

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "Leak Tracker Report\n")
	fmt.Fprintf(w, "==================\n")
	if len(blocks) == 0 {
		fmt.Fprintf(w, "No leaked blocks.\n")
	} else {
		fmt.Fprintf(w, "WARNING: %d block(s), %d byte(s) still allocated\n", len(blocks), st.LiveBytes)
		for _, b := range blocks {
			fmt.Fprintf(w, "\n%d bytes at 0x%x allocated by goroutine %d (#%d):\n", b.Size, b.Addr, b.Goroutine, b.Serial)
			fmt.Fprint(w, stackdepot.Format(t.Frames(b.Stack)))
		}
	}
	if st.MismatchedFrees > 0 {
		fmt.Fprintf(w, "\n%d free(s) of unknown blocks\n", st.MismatchedFrees)
	}
	fmt.Fprintf(w, "==================\n\n")
}

// TrackAlloc records a block of size bytes at addr, allocated by the
// caller. It does nothing when tracking is not active.
func TrackAlloc(addr, size uintptr) {
	if s := current.Load(); s != nil {
		s.t.OnAllocCaller(addr, size, 1)
	}
}

// TrackFree forgets the block at addr. It reports whether addr was a live
// block.
func TrackFree(addr uintptr) bool {
	if s := current.Load(); s != nil {
		return s.t.OnFree(addr)
	}
	return false
}

// ResolvePending resolves queued stacks and returns how many it resolved.
// It must not be called from inside an allocation hook.
func ResolvePending() int {
	if s := current.Load(); s != nil {
		return s.t.ResolvePending()
	}
	return 0
}

// Stats returns current tracker counters.
func Stats() Counters {
	if s := current.Load(); s != nil {
		return s.t.Stats()
	}
	return Counters{}
}

// LiveBlocks calls fn for each live block until fn returns false. fn must
// not call back into this package.
func LiveBlocks(fn func(Block) bool) {
	if s := current.Load(); s != nil {
		s.t.LiveBlocks(fn)
	}
}

// Stack returns the formatted stack stored under hash, as found in
// Block.Stack.
func Stack(hash uint64) string {
	if s := current.Load(); s != nil {
		return stackdepot.Format(s.t.Frames(hash))
	}
	return stackdepot.Format(nil)
}

// Enable resumes recording allocations.
func Enable() {
	if s := current.Load(); s != nil {
		s.t.Enable()
	}
}

// Disable pauses recording allocations. Frees of known blocks are still
// applied.
func Disable() {
	if s := current.Load(); s != nil {
		s.t.Disable()
	}
}

// SetOutput sets the destination of the exit report. The default is
// os.Stderr.
func SetOutput(w io.Writer) {
	lifecycle.Lock()
	defer lifecycle.Unlock()
	output = w
}

// Re-exported option setters.
var (
	WithFile          = config.WithFile
	WithEnabled       = config.WithEnabled
	WithEagerResolve  = config.WithEagerResolve
	WithTryLoaderLock = config.WithTryLoaderLock
	WithStackSkip     = config.WithStackSkip
	WithLogLevel      = config.WithLogLevel
	WithReportOnExit  = config.WithReportOnExit
)

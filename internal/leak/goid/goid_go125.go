// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.25 && (amd64 || arm64)

package goid

// goidOffset is the offset of goid in runtime.g from Go 1.25 on, where
// gobuf lost its ret field and shrank to 6 words:
//
//	Field          Size    Offset
//	-----          ----    ------
//	stack          16      0
//	stackguard0    8       16
//	stackguard1    8       24
//	_panic         8       32
//	_defer         8       40
//	m              8       48
//	sched (gobuf)  48      56
//	syscallsp      8       104
//	syscallpc      8       112
//	syscallbp      8       120
//	stktopsp       8       128
//	param          8       136
//	atomicstatus   4       144
//	stackLock      4       148
//	goid           8       152  <- TARGET
//
// Later releases are assumed to keep this layout; verifyFast turns the
// fast path off if they do not.
const goidOffset = 152

// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package redzone implements the out-of-bounds detection core of a
// heap allocator extension: small guard strips ("redzones") interleaved
// with live object slots, lazily materialized by a kernel-assisted
// page-fault delegate so untouched pages cost no physical memory.
//
// The package does not allocate memory itself. It consults an external
// page heap (*pageheap.PageHeap) for span geometry, and is driven by an
// external front end that calls Predicate.IsRedzone on every
// instrumented load/store.
package redzone

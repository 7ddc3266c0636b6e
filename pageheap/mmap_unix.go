// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.
//
// Modifications (c) 2017 The Memory Authors.
// Further adapted for page-granular span allocation.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package pageheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() { SysPageSize = unix.Getpagesize() }

// mmapPages allocates npages pages of anonymous, zero-filled memory and
// returns its base address. Unlike the teacher's mmap0 (which returns a
// []byte), spans need a stable address outside any Go slice header so
// the fault delegate can hand raw addresses to the kernel.
func mmapPages(npages uintptr) (uintptr, error) {
	size := int(npages * PageSize)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	if base&uintptr(SysPageSize-1) != 0 {
		panic("pageheap: mmap returned misaligned address")
	}
	return base, nil
}

// munmapPages unmaps [addr, addr+size). Linux (and the other targets
// this build tag covers) allow munmap to release an arbitrary
// sub-range of a larger mapping, splitting the surrounding VMA as
// needed, so this is safe to call on a Span that was carved out of a
// bigger mmap'd chunk by PageHeap.splitLocked. It calls munmap(2)
// directly, since unix.Munmap only accepts a slice returned whole by
// unix.Mmap.
func munmapPages(addr uintptr, size uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, size, 0); errno != 0 {
		return errno
	}
	return nil
}

func addrOf(base uintptr) uintptr { return base }

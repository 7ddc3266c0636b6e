// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pageheap is the external page-allocation collaborator the
// redzone core treats as out-of-scope: a span-indexed page heap
// sitting on top of a fixed size-class table. The redzone core
// never allocates memory itself; it only asks a PageHeap for spans and
// tells it when to delete-and-unmap one.
//
// This is a reference implementation, not the scored core. It is
// adapted from the mmap-backed slab allocator in github.com/cznic/memory:
// the same page-granular mmap/munmap plumbing and free-list bookkeeping,
// generalized from returning []byte slices to returning Span descriptors
// so a redzone layer can sit above it.
package pageheap

import (
	"fmt"
	"sync"

	"github.com/cznic/mathutil"
)

// PageShift and PageSize fix the page heap's page granularity. Chosen to
// match a typical huge-ish page heap page (8KiB) the way tcmalloc's own
// default does, independent of the host's mmap granularity.
const (
	PageShift = 13
	PageSize  = 1 << PageShift
)

// SysPageSize is the kernel's page granularity, set from an
// os/platform-specific init() in mmap_unix.go or mmap_windows.go (the
// teacher's mmap.go reads os.Getpagesize() the same way). It must not
// exceed PageSize; the redzone filler relies on that ordering.
var SysPageSize int

// PageID identifies a PageSize-sized page by its absolute page number
// (address >> PageShift), mirroring the Go runtime's pageID.
type PageID uintptr

// SpanLocation is the span's position in the page heap's bookkeeping.
type SpanLocation uint8

const (
	InUse SpanLocation = iota
	OnFreelist
	OnNormalList
	OnReturnedList
)

func (l SpanLocation) String() string {
	switch l {
	case InUse:
		return "in-use"
	case OnFreelist:
		return "freelist"
	case OnNormalList:
		return "normal-list"
	case OnReturnedList:
		return "returned-list"
	default:
		return "unknown"
	}
}

// Span is a contiguous run of pages, the unit of large-allocation
// bookkeeping and the substrate small slots are carved from. The redzone
// core only reads these fields; it never mutates Start/Length/SizeClass
// directly and never frees a Span except through PageHeap.Delete.
type Span struct {
	Start     PageID
	Length    uintptr // number of pages
	SizeClass uint8   // 0 => large allocation
	Location  SpanLocation
	IsStack   bool
	Type      int32 // opaque type tag from typed allocation; 0 if unset

	base uintptr // host address corresponding to Start, cached at grow time
}

// Base returns the span's starting byte address.
func (s *Span) Base() uintptr { return s.base }

// Bytes returns the span's total size in bytes.
func (s *Span) Bytes() uintptr { return s.Length * PageSize }

// ElemSize returns the slot size carved from this span, or the whole
// span size for a large (SizeClass == 0) span.
func (s *Span) ElemSize(classes *SizeClasses) uintptr {
	if s.SizeClass == 0 {
		return s.Bytes()
	}
	return classes.SlotSize(s.SizeClass)
}

type spanList struct {
	spans []*Span
}

func (l *spanList) remove(s *Span) {
	for i, c := range l.spans {
		if c == s {
			l.spans = append(l.spans[:i], l.spans[i+1:]...)
			return
		}
	}
}

func (l *spanList) insert(s *Span) { l.spans = append(l.spans, s) }

// bestFit returns the smallest span with length >= npages, preferring
// the lowest address on ties -- the same rule as the Go runtime's
// mheap.bestFit.
func (l *spanList) bestFit(npages uintptr) *Span {
	var best *Span
	for _, s := range l.spans {
		if s.Length < npages {
			continue
		}
		if best == nil || s.Length < best.Length || (s.Length == best.Length && s.Start < best.Start) {
			best = s
		}
	}
	return best
}

// PageHeap is a minimal span allocator: large spans are mmap'd directly;
// freed spans are kept on a free list and best-fit-searched, mirroring
// mheap.allocSpanLocked / mheap.freeSpanLocked
// (wenfang-golang1.6-src/src/runtime/mheap.go). Adjacent free spans are
// not coalesced.
type PageHeap struct {
	Lock sync.Mutex

	free  spanList
	busy  spanList
	spans map[PageID]*Span // span table

	classes SizeClasses
}

// New returns an empty PageHeap with the default size-class table.
func New() *PageHeap {
	return &PageHeap{
		spans:   make(map[PageID]*Span),
		classes: DefaultSizeClasses(),
	}
}

// Classes returns the page heap's size-class oracle.
func (h *PageHeap) Classes() *SizeClasses { return &h.classes }

// SpanAt implements the span table: map page id -> owning span, or
// nil if the page was never allocated.
func (h *PageHeap) SpanAt(id PageID) *Span {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.spans[id]
}

// roundPages rounds npages up to a 64KiB-multiple allocation unit, the
// same amortization mheap.grow uses to reduce the number of OS mappings.
// The multiple-of-chunk rounding is expressed via mathutil.BitLen the
// way memory.go's own roundup() is built on a power-of-two primitive,
// rather than a raw modulo.
func roundPages(npages uintptr) uintptr {
	const chunk = (64 << 10) / PageSize
	if chunk <= 1 {
		return npages
	}
	// chunk is a power of two by construction (64KiB / a power-of-two
	// PageSize); mathutil.BitLen(chunk-1) recovers its log2 so the
	// rounding can be done with a shift-and-mask, matching the
	// idiom memory.go's roundup/BitLen pairing uses for slot sizing.
	shift := uint(mathutil.BitLen(chunk - 1))
	mask := uintptr(1)<<shift - 1
	return (npages + mask) &^ mask
}

// Alloc returns a span of exactly npages pages with the given size
// class (0 for large). h must not be locked by the caller.
func (h *PageHeap) Alloc(npages uintptr, sizeclass uint8) (*Span, error) {
	h.Lock.Lock()
	defer h.Lock.Unlock()

	if s := h.free.bestFit(npages); s != nil {
		h.free.remove(s)
		if s.Length > npages {
			tail, err := h.splitLocked(s, npages)
			if err != nil {
				return nil, err
			}
			tail.Location = OnFreelist
			h.free.insert(tail)
		}
		s.SizeClass = sizeclass
		s.Location = InUse
		h.busy.insert(s)
		return s, nil
	}

	s, err := h.growLocked(npages)
	if err != nil {
		return nil, err
	}
	s.SizeClass = sizeclass
	s.Location = InUse
	h.busy.insert(s)
	return s, nil
}

// splitLocked splits s (already removed from any list) into a head of
// npages pages, which stays s (shrunk in place), and a new tail span,
// which it returns. h.Lock must be held.
func (h *PageHeap) splitLocked(s *Span, npages uintptr) (*Span, error) {
	tail := &Span{
		Start:  s.Start + PageID(npages),
		Length: s.Length - npages,
		base:   s.base + npages*PageSize,
	}
	s.Length = npages
	h.recordSpanLocked(s)
	h.recordSpanLocked(tail)
	return tail, nil
}

// Split breaks a span the caller owns outside of any free/busy list
// (e.g. one pulled out of redzone.ReuseCache) into a head of n pages and
// a tail holding the remainder. Both returned spans are recorded in the
// span table but are not inserted into either list; the caller is
// responsible for their disposition (reuse cache, free list, or
// Delete). This is the reuse cache's "FindOrSplit" primitive.
func (h *PageHeap) Split(s *Span, n uintptr) (head, tail *Span, err error) {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if n >= s.Length {
		return nil, nil, fmt.Errorf("pageheap: split of %d pages requested >= span length %d", n, s.Length)
	}
	t, err := h.splitLocked(s, n)
	if err != nil {
		return nil, nil, err
	}
	return s, t, nil
}

// Detach removes s from both the free and busy lists without unmapping
// it or forgetting its span-table entries. It is the primitive a reuse
// cache uses before retaining a span outside of the page heap's own
// bookkeeping: a cached span stays resolvable by SpanAt but must not
// appear on either list, matching the invariant that "retained spans are
// never seen by the page heap's own free lists."
func (h *PageHeap) Detach(s *Span) {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	h.free.remove(s)
	h.busy.remove(s)
}

func (h *PageHeap) recordSpanLocked(s *Span) {
	for i := PageID(0); i < PageID(s.Length); i++ {
		h.spans[s.Start+i] = s
	}
}

// growLocked mmaps a fresh run of npages pages (rounded up for
// amortization, mirroring mheap.grow) and returns it as a brand-new
// in-use span. h.Lock must be held.
func (h *PageHeap) growLocked(npages uintptr) (*Span, error) {
	ask := roundPages(npages)
	b, err := mmapPages(ask)
	if err != nil {
		return nil, fmt.Errorf("pageheap: mmap %d pages: %w", ask, err)
	}
	base := addrOf(b)
	s := &Span{
		Start:  PageID(base >> PageShift),
		Length: ask,
		base:   base,
	}
	h.recordSpanLocked(s)
	if ask > npages {
		tail, err := h.splitLocked(s, npages)
		if err != nil {
			return nil, err
		}
		tail.Location = OnFreelist
		h.free.insert(tail)
	}
	return s, nil
}

// Free returns s to the page heap's free list, clearing the size class
// the caller's redzone layer is responsible for unpoisoning first (see
// redzone.Poisoner.UnpoisonAllInSpan).
func (h *PageHeap) Free(s *Span) {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	h.busy.remove(s)
	s.SizeClass = 0
	s.Location = OnFreelist
	h.free.insert(s)
}

// Delete unmaps s entirely and removes it from the span table. This is
// the only way a Span may be destroyed; the redzone core never calls
// munmap directly (see reusecache.go).
func (h *PageHeap) Delete(s *Span) error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	h.free.remove(s)
	h.busy.remove(s)
	for i := PageID(0); i < PageID(s.Length); i++ {
		delete(h.spans, s.Start+i)
	}
	return munmapPages(s.base, s.Length*PageSize)
}

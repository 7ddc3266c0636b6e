package redzone

import "github.com/vusec/gperftools/pageheap"

// Mode selects how the poisoning facade marks redzone bytes.
// Modeled as a runtime enum rather than a compile-time macro: Go has no
// #ifdef layer comparable to the original build flags, so the choice is
// made once at Poisoner construction time instead.
type Mode uint8

const (
	// ModeInBand writes RZValue bytes directly into the redzone region
	// on every Poison/Unpoison call.
	ModeInBand Mode = iota
	// ModeShadow writes a shadow-memory byte per ShadowScale-aligned
	// chunk instead of touching the region itself.
	ModeShadow
	// ModeLazy defers all poisoning to the page filler: Poison and
	// Unpoison are no-ops, and UnpoisonAllInSpan does nothing because the
	// next page fault rebuilds the page from scratch.
	ModeLazy
)

func (m Mode) String() string {
	switch m {
	case ModeInBand:
		return "in-band-fill"
	case ModeShadow:
		return "shadow-mem"
	case ModeLazy:
		return "lazy-reuse"
	default:
		return "unknown"
	}
}

// ShadowMagic is the byte written into shadow memory to mark a poisoned
// region under ModeShadow.
const ShadowMagic = 0xFA

// ShadowScale is the log2 of the number of real bytes one shadow byte
// covers. Poison/Unpoison addresses and sizes must be
// (1<<ShadowScale)-aligned under ModeShadow.
const ShadowScale = 3

// Shadow is the narrow interface ModeShadow needs from a shadow-memory
// mapping: a byte-addressable region indexed by ptr>>ShadowScale. A real
// embedder backs this with its own mmap'd shadow region; tests can back
// it with a plain slice-backed map.
type Shadow interface {
	Set(shadowAddr uintptr, v byte)
}

// Poisoner is the poisoning facade: it marks and clears redzone
// bytes according to the configured Mode. It holds no allocator state of
// its own beyond the geometry needed to enumerate a span's redzones and,
// for ModeShadow, a handle to the shadow mapping.
type Poisoner struct {
	Mode   Mode
	Geom   Geometry
	Shadow Shadow // only consulted under ModeShadow; may be nil otherwise

	// memset is how in-band poisoning reaches real memory. It is a
	// narrow seam for testing without mapping actual pages; production
	// construction points it at a function writing through unsafe.Pointer.
	memset func(ptr uintptr, size uintptr, v byte)
}

// NewPoisoner returns a Poisoner in the given mode. memset is required
// for ModeInBand and ignored otherwise; shadow is required for
// ModeShadow and ignored otherwise. Neither is checked here (see
// ValidateMode): a nil memset under ModeInBand panics the first time
// Poison or Unpoison runs, and a nil shadow under ModeShadow makes Poison
// and Unpoison do nothing.
func NewPoisoner(mode Mode, geom Geometry, shadow Shadow, memset func(ptr, size uintptr, v byte)) *Poisoner {
	return &Poisoner{Mode: mode, Geom: geom, Shadow: shadow, memset: memset}
}

// Poison marks size bytes starting at ptr as a redzone, per the
// configured mode. size defaults to RZSmall in the spec's common case;
// callers poisoning a large span's guard strips pass RZLarge explicitly.
func (p *Poisoner) Poison(ptr uintptr, size uintptr) {
	switch p.Mode {
	case ModeInBand:
		p.memset(ptr, size, RZValue)
	case ModeShadow:
		p.markShadow(ptr, size, ShadowMagic)
	case ModeLazy:
		// no-op: the filler is the sole source of poisoning.
	}
}

// Unpoison clears size bytes starting at ptr, reversing Poison.
func (p *Poisoner) Unpoison(ptr uintptr, size uintptr) {
	switch p.Mode {
	case ModeInBand:
		p.memset(ptr, size, 0)
	case ModeShadow:
		p.markShadow(ptr, size, 0)
	case ModeLazy:
		// no-op.
	}
}

func (p *Poisoner) markShadow(ptr uintptr, size uintptr, v byte) {
	if p.Shadow == nil || size == 0 {
		return
	}
	start := ptr >> ShadowScale
	end := (ptr + size - 1) >> ShadowScale
	for a := start; a <= end; a++ {
		p.Shadow.Set(a, v)
	}
}

// UnpoisonAllInSpan clears every redzone location in s, per the geometry
// of §4.1. Required before a span is returned to the page heap for
// class-agnostic reuse: a fresh size class must not inherit stale guard
// bytes from the span's previous occupant. Under ModeLazy this is a
// no-op, since the next fault rebuilds the page from scratch.
func (p *Poisoner) UnpoisonAllInSpan(s *pageheap.Span, _ Geometry) {
	if p.Mode == ModeLazy {
		return
	}
	if s.SizeClass == 0 {
		p.unpoisonLargeSpan(s)
		return
	}
	p.unpoisonSmallSpan(s)
}

func (p *Poisoner) unpoisonLargeSpan(s *pageheap.Span) {
	total := s.Bytes()
	n := uintptr(RZLarge)
	if n > total {
		n = total
	}
	p.Unpoison(s.Base(), n)
	if total > n {
		tailStart := total - n
		p.Unpoison(s.Base()+tailStart, n)
	}
}

func (p *Poisoner) unpoisonSmallSpan(s *pageheap.Span) {
	slot := p.Geom.Classes.SlotSize(s.SizeClass)
	if slot == 0 {
		return
	}
	// Bounded by RZSmall, not slot: a final slot that only partially
	// fits before the span end still has its head redzone filled by
	// Filler.fillSmall, so it must still be unpoisoned here, even
	// though a full slot's worth of payload bytes don't follow it.
	for o := uintptr(0); o+RZSmall <= s.Bytes(); o += slot {
		p.Unpoison(s.Base()+o, RZSmall)
	}
}

// clearLargeTail clears a large span's two guard strips before the page
// heap deletes and unmaps it (reusecache.go's FindOrSplit path, when the
// tail left over from a split is too small to be worth retaining).
func (p *Poisoner) clearLargeTail(tail *pageheap.Span) {
	p.unpoisonLargeSpan(tail)
}

// repoisonSplitBoundary re-establishes the large-span redzone invariant
// at a freshly cut split point: head gains a trailing redzone where the
// tail used to continue its payload, and tail gains a leading redzone at
// its new start.
func (p *Poisoner) repoisonSplitBoundary(head, tail *pageheap.Span) {
	n := uintptr(RZLarge)
	headBytes := head.Bytes()
	if n > headBytes {
		n = headBytes
	}
	p.Poison(head.Base()+headBytes-n, n)

	tailBytes := tail.Bytes()
	m := uintptr(RZLarge)
	if m > tailBytes {
		m = tailBytes
	}
	p.Poison(tail.Base(), m)
}

package redzone

import "github.com/vusec/gperftools/pageheap"

// Geometry implements the pure, side-effect-free arithmetic of
// (span, byte offset) -> redzone membership. It holds only a
// reference to the size-class oracle; it never touches memory.
type Geometry struct {
	Classes *pageheap.SizeClasses
}

// NewGeometry returns a Geometry consulting the given size-class table.
func NewGeometry(classes *pageheap.SizeClasses) Geometry {
	return Geometry{Classes: classes}
}

// IsRedzoneOffset reports whether byte offset o within span s falls in
// a redzone, per spec §4.1. o must be in [0, s.Bytes()).
func (g Geometry) IsRedzoneOffset(s *pageheap.Span, o uintptr) bool {
	if s.SizeClass == 0 {
		return g.isLargeRedzone(s, o)
	}
	return g.isSmallRedzone(s, o)
}

// isLargeRedzone implements the large-span case: the leading RZLarge
// bytes and the trailing RZLarge bytes of the span, measured from the
// span's byte end rather than rounded down to a kernel page boundary
// (spec's "safe answer" to the Open Question about non-page-aligned
// span ends).
func (g Geometry) isLargeRedzone(s *pageheap.Span, o uintptr) bool {
	total := s.Bytes()
	if o < RZLarge {
		return true
	}
	return o >= total-RZLarge
}

// isSmallRedzone implements the small-slot case: every slot has a
// redzone of RZSmall bytes at its head.
func (g Geometry) isSmallRedzone(s *pageheap.Span, o uintptr) bool {
	slot := g.Classes.SlotSize(s.SizeClass)
	if slot == 0 {
		return false
	}
	return o%slot < RZSmall
}

// ObjectPointerOffset returns the byte offset of the user-visible
// object inside slot index i of a small span, i.e. slotBase+RZSmall.
func (g Geometry) ObjectPointerOffset(s *pageheap.Span, slotIndex uintptr) uintptr {
	slot := g.Classes.SlotSize(s.SizeClass)
	return slotIndex*slot + RZSmall
}

// PayloadSize returns the usable (non-redzone) bytes of one slot (small
// spans) or of the whole span (large spans).
func (g Geometry) PayloadSize(s *pageheap.Span) uintptr {
	if s.SizeClass == 0 {
		total := s.Bytes()
		if total < 2*RZLarge {
			return 0
		}
		return total - 2*RZLarge
	}
	slot := g.Classes.SlotSize(s.SizeClass)
	if slot < RZSmall {
		return 0
	}
	return slot - RZSmall
}

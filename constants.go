package redzone

import "github.com/vusec/gperftools/pageheap"

// Page granularity constants, re-exported from pageheap so callers of
// this package don't need to import pageheap just for sizing.
const (
	PageShift = pageheap.PageShift
	PageSize  = pageheap.PageSize
)

// SysPageSize is the kernel's page granularity; always <= PageSize.
func SysPageSize() int { return pageheap.SysPageSize }

// Redzone sizing, fixed at build time. The small-slot convention is
// fixed to "head" (spec §9's resolved ambiguity): the first RZSmall
// bytes of every slot are guard bytes, and the instrumentation's object
// pointer is always slotBase+RZSmall.
const (
	// RZSmall is the number of guard bytes at the head of every small
	// slot.
	RZSmall = 16

	// RZLarge is the number of guard bytes at the head and at the tail
	// of every large span.
	RZLarge = 4096

	// RZValue is the one-byte guard pattern written into every redzone.
	// Any non-zero value works; the spec leaves the choice to the
	// implementer.
	RZValue = 0xBB

	// LargeFreelistCap bounds the large-span reuse cache.
	LargeFreelistCap = 16
)

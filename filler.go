package redzone

import "github.com/vusec/gperftools/pageheap"

// Filler synthesizes the SysPageSize-sized byte pattern that belongs at
// a just-faulted page of a span. It has no state of its own beyond
// the size-class oracle needed to compute small-slot strides.
type Filler struct {
	Classes *pageheap.SizeClasses
}

// NewFiller returns a Filler consulting the given size-class table.
func NewFiller(classes *pageheap.SizeClasses) Filler {
	return Filler{Classes: classes}
}

// Fill writes into buf (which must be exactly sysPageSize bytes) the
// pattern that belongs at faultedPageBase within span s. The bytes
// outside redzones are zero; the bytes inside redzones equal RZValue.
//
// faultedPageBase and s.Base() are both real addresses; the caller
// (the fault delegate) is responsible for ensuring faultedPageBase lies
// within [s.Base(), s.Base()+s.Bytes()).
func (f Filler) Fill(buf []byte, faultedPageBase uintptr, s *pageheap.Span) {
	for i := range buf {
		buf[i] = 0
	}
	o := faultedPageBase - s.Base()
	if s.SizeClass == 0 {
		f.fillLarge(buf, o, s.Bytes())
		return
	}
	f.fillSmall(buf, o, f.Classes.SlotSize(s.SizeClass))
}

// fillLarge implements spec §4.2's large-span case: the leading RZLarge
// bytes of the span land on the first page; the trailing RZLarge bytes
// land on the page whose base is exactly spanBytes-len(buf) away from
// the span start (requires RZLarge <= sysPageSize, as the spec mandates).
// Interior pages stay all-zero.
func (f Filler) fillLarge(buf []byte, pageOffsetInSpan uintptr, spanBytes uintptr) {
	sysPageSize := uintptr(len(buf))
	if pageOffsetInSpan == 0 {
		n := RZLarge
		if uintptr(n) > sysPageSize {
			n = int(sysPageSize)
		}
		fillPattern(buf[:n])
	}
	if spanBytes >= sysPageSize && pageOffsetInSpan == spanBytes-sysPageSize {
		n := RZLarge
		if uintptr(n) > sysPageSize {
			n = int(sysPageSize)
		}
		fillPattern(buf[int(sysPageSize)-n:])
	}
}

// fillSmall implements spec §4.2's small-span case. o is the faulted
// page's offset within the span; slot is the class's slot stride.
func (f Filler) fillSmall(buf []byte, o uintptr, slot uintptr) {
	if slot == 0 {
		return
	}
	sysPageSize := uintptr(len(buf))
	prefix := o % slot

	// Complete the head redzone of the slot that started before this
	// page, if any of it spills into this page.
	if prefix < RZSmall {
		n := RZSmall - prefix
		if n > sysPageSize {
			n = sysPageSize
		}
		fillPattern(buf[:n])
	}

	// Mark the head of every slot whose first byte falls within this
	// page, including a partial tail redzone for a slot that begins
	// here but continues into the next page.
	nextRz := slot - prefix
	for nextRz < sysPageSize {
		end := nextRz + RZSmall
		if end > sysPageSize {
			end = sysPageSize
		}
		fillPattern(buf[nextRz:end])
		nextRz += slot
	}
}

func fillPattern(b []byte) {
	for i := range b {
		b[i] = RZValue
	}
}

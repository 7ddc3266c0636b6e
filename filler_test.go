package redzone

import (
	"testing"

	"github.com/vusec/gperftools/pageheap"
)

// fillAndCheck fills every page of s and asserts every byte's redzone
// classification (via Fill's pattern) agrees with Geometry's verdict for
// the same offset -- the property the spec ties C3 and C4 together with.
func fillAndCheck(t *testing.T, h *pageheap.PageHeap, s *pageheap.Span) {
	t.Helper()
	g := NewGeometry(h.Classes())
	f := NewFiller(h.Classes())
	sysPage := uintptr(pageheap.SysPageSize)
	if sysPage == 0 {
		sysPage = 4096
	}

	buf := make([]byte, sysPage)
	for base := uintptr(0); base < s.Bytes(); base += sysPage {
		f.Fill(buf, s.Base()+base, s)
		for i, b := range buf {
			o := base + uintptr(i)
			if o >= s.Bytes() {
				break
			}
			wantRZ := g.IsRedzoneOffset(s, o)
			gotRZ := b == RZValue
			if wantRZ != gotRZ {
				t.Fatalf("offset %d: filled byte %#02x, geometry redzone=%v", o, b, wantRZ)
			}
		}
	}
}

func TestFillerSmallSpanMatchesGeometry(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	fillAndCheck(t, h, s)
}

func TestFillerLargeSpanMatchesGeometry(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	fillAndCheck(t, h, s)
}

func TestFillerLargestSmallClassMatchesGeometry(t *testing.T) {
	h := newTestHeap()
	n := uint8(h.Classes().NumClasses())
	s, err := h.Alloc(4, n)
	if err != nil {
		t.Fatal(err)
	}
	fillAndCheck(t, h, s)
}

package redzone

import (
	"testing"
	"unsafe"
)

// realMemset writes directly through unsafe.Pointer into the real
// mmap'd page-heap memory backing a test span, the same style
// typed.go's own TypedCalloc/TypedRealloc use for touching allocated
// memory.
func realMemset(ptr, size uintptr, v byte) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size))
	for i := range b {
		b[i] = v
	}
}

func readByte(ptr uintptr) byte {
	return *(*byte)(unsafe.Pointer(ptr))
}

type fakeShadow struct {
	writes map[uintptr]byte
}

func newFakeShadow() *fakeShadow { return &fakeShadow{writes: make(map[uintptr]byte)} }

func (f *fakeShadow) Set(shadowAddr uintptr, v byte) { f.writes[shadowAddr] = v }

func TestPoisonerInBandRoundTrip(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	geom := NewGeometry(h.Classes())
	p := NewPoisoner(ModeInBand, geom, nil, realMemset)

	p.Poison(s.Base(), 8)
	if got := readByte(s.Base()); got != RZValue {
		t.Fatalf("after Poison, byte = %#02x, want %#02x", got, byte(RZValue))
	}

	p.Unpoison(s.Base(), 8)
	if got := readByte(s.Base()); got != 0 {
		t.Fatalf("after Unpoison, byte = %#02x, want 0", got)
	}
}

func TestPoisonerShadowRoundTrip(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	geom := NewGeometry(h.Classes())
	sh := newFakeShadow()
	p := NewPoisoner(ModeShadow, geom, sh, nil)

	p.Poison(s.Base(), 1<<ShadowScale)
	addr := s.Base() >> ShadowScale
	if got, ok := sh.writes[addr]; !ok || got != ShadowMagic {
		t.Fatalf("shadow byte at %#x = %#02x, ok=%v, want %#02x", addr, got, ok, byte(ShadowMagic))
	}

	p.Unpoison(s.Base(), 1<<ShadowScale)
	if got := sh.writes[addr]; got != 0 {
		t.Fatalf("shadow byte at %#x after Unpoison = %#02x, want 0", addr, got)
	}
}

func TestPoisonerLazyModeIsNoop(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	geom := NewGeometry(h.Classes())
	p := NewPoisoner(ModeLazy, geom, nil, nil)

	realMemset(s.Base(), 8, 0) // baseline
	p.Poison(s.Base(), 8)      // must not panic despite nil memset
	if got := readByte(s.Base()); got != 0 {
		t.Fatalf("ModeLazy Poison must be a no-op, got byte %#02x", got)
	}
}

func TestUnpoisonAllInSpanClearsLargeGuards(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	geom := NewGeometry(h.Classes())
	p := NewPoisoner(ModeInBand, geom, nil, realMemset)

	realMemset(s.Base(), s.Bytes(), RZValue)
	p.UnpoisonAllInSpan(s, geom)

	if got := readByte(s.Base()); got != 0 {
		t.Fatalf("leading guard byte = %#02x, want 0", got)
	}
	if got := readByte(s.Base() + s.Bytes() - 1); got != 0 {
		t.Fatalf("trailing guard byte = %#02x, want 0", got)
	}
}

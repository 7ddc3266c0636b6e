package pageheap

import (
	"testing"

	"github.com/cznic/mathutil"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	h := New()
	const n = 64
	rng, err := mathutil.NewFC32(1, 64, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)

	var spans []*Span
	for i := 0; i < n; i++ {
		npages := uintptr(rng.Next())
		s, err := h.Alloc(npages, 0)
		if err != nil {
			t.Fatalf("Alloc(%d): %v", npages, err)
		}
		if s.Length != npages {
			t.Fatalf("Alloc(%d) returned span of length %d", npages, s.Length)
		}
		if s.Base() == 0 {
			t.Fatal("span has zero base address")
		}
		spans = append(spans, s)
	}

	for i := range spans {
		j := rng.Next() % len(spans)
		spans[i], spans[j] = spans[j], spans[i]
	}

	for _, s := range spans {
		if got := h.SpanAt(s.Start); got != s {
			t.Fatalf("SpanAt(%d) = %v, want %v", s.Start, got, s)
		}
		if err := h.Delete(s); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got := h.SpanAt(s.Start); got != nil {
			t.Fatalf("SpanAt(%d) after Delete = %v, want nil", s.Start, got)
		}
	}
}

func TestFreeListReuse(t *testing.T) {
	h := New()
	s, err := h.Alloc(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	base := s.Base()
	h.Free(s)

	s2, err := h.Alloc(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Base() != base {
		t.Fatalf("Alloc after Free did not reuse the free-list span: got base %#x, want %#x", s2.Base(), base)
	}
}

func TestSplitProducesDistinctRecordedSpans(t *testing.T) {
	h := New()
	s, err := h.Alloc(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(s)
	h.Detach(s)

	head, tail, err := h.Split(s, 3)
	if err != nil {
		t.Fatal(err)
	}
	if head.Length != 3 || tail.Length != 5 {
		t.Fatalf("split lengths = %d, %d, want 3, 5", head.Length, tail.Length)
	}
	if h.SpanAt(head.Start) != head || h.SpanAt(tail.Start) != tail {
		t.Fatal("split spans not recorded in the span table")
	}
}

func TestSplitRejectsOversizedHead(t *testing.T) {
	h := New()
	s, err := h.Alloc(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	h.Detach(s)
	if _, _, err := h.Split(s, 4); err == nil {
		t.Fatal("Split(n == s.Length) should have failed")
	}
	if _, _, err := h.Split(s, 100); err == nil {
		t.Fatal("Split(n > s.Length) should have failed")
	}
}

func TestRoundPagesIsMultipleOfChunk(t *testing.T) {
	const chunk = (64 << 10) / PageSize
	for _, n := range []uintptr{1, 2, chunk - 1, chunk, chunk + 1, 3 * chunk} {
		got := roundPages(n)
		if got < n {
			t.Fatalf("roundPages(%d) = %d, less than input", n, got)
		}
		if got%chunk != 0 {
			t.Fatalf("roundPages(%d) = %d, not a multiple of chunk %d", n, got, chunk)
		}
	}
}

func TestSpanElemSize(t *testing.T) {
	h := New()
	classes := h.Classes()
	s, err := h.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ElemSize(classes); got != classes.SlotSize(1) {
		t.Fatalf("ElemSize = %d, want %d", got, classes.SlotSize(1))
	}

	large, err := h.Alloc(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := large.ElemSize(classes); got != large.Bytes() {
		t.Fatalf("ElemSize(large) = %d, want %d", got, large.Bytes())
	}
}

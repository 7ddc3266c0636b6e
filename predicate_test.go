package redzone

import "testing"

func TestPredicateUnknownForUnmappedAddress(t *testing.T) {
	h := newTestHeap()
	geom := NewGeometry(h.Classes())
	pred := NewPredicate(h, geom)

	if got := pred.IsRedzone(0xdeadbeef); got != Unknown {
		t.Fatalf("IsRedzone(unmapped) = %v, want Unknown", got)
	}
}

func TestPredicateClassifiesRedzoneAndObject(t *testing.T) {
	h := newTestHeap()
	geom := NewGeometry(h.Classes())
	pred := NewPredicate(h, geom)

	s, err := h.Alloc(2, 0)
	if err != nil {
		t.Fatal(err)
	}

	if got := pred.IsRedzone(s.Base()); got != IsRedzoneVerdict {
		t.Fatalf("IsRedzone(span start) = %v, want IsRedzoneVerdict", got)
	}
	if got := pred.IsRedzone(s.Base() + RZLarge); got != IsObject {
		t.Fatalf("IsRedzone(first payload byte) = %v, want IsObject", got)
	}
}

func TestPredicateUnknownForStackSpan(t *testing.T) {
	h := newTestHeap()
	geom := NewGeometry(h.Classes())
	pred := NewPredicate(h, geom)

	s, err := h.Alloc(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	s.IsStack = true

	if got := pred.IsRedzone(s.Base()); got != Unknown {
		t.Fatalf("IsRedzone(stack span) = %v, want Unknown", got)
	}
}

func TestPredicateIsRedzoneMultiAborts(t *testing.T) {
	h := newTestHeap()
	geom := NewGeometry(h.Classes())
	pred := NewPredicate(h, geom)

	defer func() {
		if recover() == nil {
			t.Fatal("IsRedzoneMulti should have panicked")
		}
	}()
	pred.IsRedzoneMulti(0x1000, 16)
}

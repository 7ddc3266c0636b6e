package pageheap

import "testing"

// TestDefaultSizeClassesTieBreak checks the invariant spec §4.1 requires
// of every size class: each slot must hold at least one payload byte
// plus the leading redzone (S >= RZ_SMALL + minimum_useful_object_size,
// for minimum_useful_object_size = 1).
func TestDefaultSizeClassesTieBreak(t *testing.T) {
	const rzSmall = 16
	c := DefaultSizeClasses()
	for class := uint8(1); class <= uint8(c.NumClasses()); class++ {
		slot := c.SlotSize(class)
		if slot < rzSmall+1 {
			t.Fatalf("class %d: slot %d violates tie-break invariant", class, slot)
		}
	}
}

func TestSizeClassesStrictlyIncreasing(t *testing.T) {
	c := DefaultSizeClasses()
	var prev uintptr
	for class := uint8(1); class <= uint8(c.NumClasses()); class++ {
		slot := c.SlotSize(class)
		if slot <= prev {
			t.Fatalf("class %d: slot %d not strictly greater than previous %d", class, slot, prev)
		}
		prev = slot
	}
}

func TestClassOfPicksSmallestFit(t *testing.T) {
	c := DefaultSizeClasses()
	cases := []struct {
		size uintptr
		want uint8
	}{
		{0, 1},
		{1, 1},
		{16, 1},   // exactly fills the class-1 payload (32 = 16 headroom + 16)
		{8192, 0}, // too big for the headroom-adjusted table
	}
	for _, c2 := range cases {
		if got := c.ClassOf(c2.size); got != c2.want {
			t.Fatalf("ClassOf(%d) = %d, want %d", c2.size, got, c2.want)
		}
	}
}

func TestClassOfZeroMeansLarge(t *testing.T) {
	c := DefaultSizeClasses()
	if got := c.ClassOf(1 << 20); got != 0 {
		t.Fatalf("ClassOf(1<<20) = %d, want 0 (large)", got)
	}
}

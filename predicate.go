package redzone

import (
	"fmt"

	"github.com/vusec/gperftools/pageheap"
)

// Verdict is the three-way answer IsRedzone gives the instrumentation on
// every checked load/store.
type Verdict uint8

const (
	// Unknown means the address could not be classified: no span owns
	// it, or it belongs to a stack span the stack checker should
	// handle instead.
	Unknown Verdict = iota
	IsRedzoneVerdict
	IsObject
)

func (v Verdict) String() string {
	switch v {
	case IsRedzoneVerdict:
		return "redzone"
	case IsObject:
		return "object"
	default:
		return "unknown"
	}
}

// Predicate is the redzone predicate: the single question the
// instrumented front end asks on every memory access. It is pure and
// side-effect-free besides an optional debug log line.
type Predicate struct {
	Heap   *pageheap.PageHeap
	Geom   Geometry
	Logger *Logger // may be nil; used for the debug line when Debug is set and by IsRedzoneMulti's fatal
	Debug  bool
}

// NewPredicate returns a Predicate backed by the given page heap and
// geometry.
func NewPredicate(heap *pageheap.PageHeap, geom Geometry) *Predicate {
	return &Predicate{Heap: heap, Geom: geom}
}

// IsRedzone classifies a single address, per spec §4.6:
//  1. look up the owning span via the span table; UNKNOWN if none.
//  2. hand stack spans off to the stack checker (UNKNOWN here).
//  3. apply the §4.1 geometry.
func (p *Predicate) IsRedzone(ptr uintptr) Verdict {
	id := pageheap.PageID(ptr >> pageheap.PageShift)
	s := p.Heap.SpanAt(id)
	if s == nil {
		p.debugf("is_redzone: ptr=%#x span=<none>", ptr)
		return Unknown
	}
	if s.IsStack {
		p.debugf("is_redzone: ptr=%#x span=stack", ptr)
		return Unknown
	}
	o := ptr - s.Base()
	if p.Geom.IsRedzoneOffset(s, o) {
		p.debugf("is_redzone: ptr=%#x offset=%d -> redzone", ptr, o)
		return IsRedzoneVerdict
	}
	p.debugf("is_redzone: ptr=%#x offset=%d -> object", ptr, o)
	return IsObject
}

// IsRedzoneMulti is reserved for multi-byte bounded checks from
// memory-intrinsic instrumentation (memcpy/memset-style calls checking
// a whole [ptr, ptr+n) range at once). This build does not implement the
// simplification described in the spec ("does [ptr, ptr+n) exceed the
// object's slot payload"); per §4.6's explicit fallback, an unimplemented
// multi-byte check must abort with a clear diagnostic rather than return
// a wrong answer.
func (p *Predicate) IsRedzoneMulti(ptr uintptr, nBytes uintptr) Verdict {
	msg := fmt.Sprintf("is_redzone_multi not implemented: ptr=%#x n=%d", ptr, nBytes)
	fatal(p.Logger, ErrUnimplemented, msg)
	return Unknown // not reached: fatal always panics
}

func (p *Predicate) debugf(format string, args ...interface{}) {
	if !p.Debug || p.Logger == nil {
		return
	}
	p.Logger.Sugar().Debugf(format, args...)
}

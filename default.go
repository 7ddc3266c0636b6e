package redzone

import (
	"context"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/vusec/gperftools/pageheap"
)

// defaultMemset writes directly into real process memory, the
// ModeInBand poisoning backend every default-constructed Facade uses:
// the redzone region is ordinary heap memory, not a separate shadow
// mapping.
func defaultMemset(ptr, size uintptr, v byte) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size))
	for i := range b {
		b[i] = v
	}
}

// Facade bundles every component into the single process-wide instance
// the C-linkage surface (cmd/redzonecgo) calls into, per spec §6's
// framing that the instrumentation and front end are external
// collaborators written in another language and therefore need a plain
// function-call surface rather than a constructed Go value passed
// across the cgo boundary.
type Facade struct {
	Heap      *pageheap.PageHeap
	Geom      Geometry
	Filler    Filler
	Poisoner  *Poisoner
	Predicate *Predicate
	Cache     *ReuseCache
	Typed     *TypedAllocator
	TC        *ThreadCache
	Delegate  *Delegate
	Config    *Config
	Stack     StackHooks // nil unless an embedder wires stack-redzone support
	Logger    *Logger
}

// NewFacade wires every component together the way an embedder's
// process-init path would, selecting mode for the poisoning facade.
// memset/shadow are forwarded to NewPoisoner; see ValidateMode for the
// combinations each mode requires.
func NewFacade(mode Mode, shadow Shadow, memset func(ptr, size uintptr, v byte), logger *Logger) (*Facade, error) {
	if err := ValidateMode(mode, shadow, memset); err != nil {
		return nil, err
	}
	heap := pageheap.New()
	geom := NewGeometry(heap.Classes())
	filler := NewFiller(heap.Classes())
	poisoner := NewPoisoner(mode, geom, shadow, memset)
	cache := NewReuseCache()
	tc := NewThreadCache()
	cfg := Load(logger)
	pred := NewPredicate(heap, geom)
	pred.Logger = logger
	pred.Debug = cfg.Debug

	return &Facade{
		Heap:      heap,
		Geom:      geom,
		Filler:    filler,
		Poisoner:  poisoner,
		Predicate: pred,
		Cache:     cache,
		Typed:     NewTypedAllocator(heap, poisoner, cache, geom),
		TC:        tc,
		Delegate:  NewDelegate(heap, filler, tc, logger),
		Config:    cfg,
		Logger:    logger,
	}, nil
}

var (
	defaultMu sync.Mutex
	// Default is the process-wide Facade instance the cgo export shim
	// operates on. It is constructed lazily on first use with
	// ModeInBand poisoning and a production zap logger, matching the
	// spec's framing of a single always-available allocator extension;
	// an embedder wanting a different mode calls InitDefault explicitly
	// before any other entry point runs.
	Default *Facade
)

var errAlreadyInitialized = &FatalError{Kind: ErrConfig, Msg: "redzone: Default already initialized"}

// InitDefault explicitly constructs Default with the given mode, ahead
// of any lazy construction DefaultFacade would otherwise perform. It is
// an error to call it more than once.
func InitDefault(mode Mode, shadow Shadow, memset func(ptr, size uintptr, v byte)) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if Default != nil {
		return errAlreadyInitialized
	}
	logger, _ := zap.NewProduction()
	f, err := NewFacade(mode, shadow, memset, logger)
	if err != nil {
		return err
	}
	Default = f
	return nil
}

// DefaultFacade lazily constructs Default with ModeInBand poisoning and
// a real in-process memset (the common embedding: the redzone region is
// real heap memory, not a separate shadow mapping) the first time any
// cgo export entry point needs it.
func DefaultFacade() *Facade {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if Default != nil {
		return Default
	}
	logger, _ := zap.NewProduction()
	f, err := NewFacade(ModeInBand, nil, defaultMemset, logger)
	if err != nil {
		fatal(logger, ErrConfig, "redzone: failed to construct default facade: "+err.Error())
	}
	Default = f
	return Default
}

// StartDelegate registers span with the default facade's fault delegate
// and starts its poller. This is the Go-side body of
// register_uffd_pages.
func (f *Facade) StartDelegate(ctx context.Context, s *pageheap.Span) error {
	return f.Delegate.Start(ctx, s)
}

// StopDelegate is the Go-side body of unregister_uffd_pages.
func (f *Facade) StopDelegate() error {
	return f.Delegate.Stop()
}

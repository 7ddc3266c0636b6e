package redzone

// StackHooks is the weak integration point spec §6 reserves for
// stack-redzone support (`alloc_stack`/`free_stack`). It is not
// implemented by this package: stack redzones, use-after-free
// quarantine, and multi-byte bounded checks remain explicit Non-goals.
// An embedder wanting stack-redzone coverage supplies its own
// implementation and the cgo export shim forwards to it; a nil
// StackHooks means alloc_stack/free_stack are no-ops.
type StackHooks interface {
	// AllocStack reserves size bytes of stack plus a guard region of
	// guard bytes on each side, tagged with sizeclass for the same
	// size-class bookkeeping ordinary allocations use.
	AllocStack(size, guard uintptr, sizeclass uint8) uintptr

	// FreeStack releases a stack previously returned by AllocStack.
	FreeStack(ptr uintptr)
}

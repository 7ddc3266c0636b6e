// Command redzonecgo builds the C-linkage surface spec §6 describes,
// for linkage into a C/C++ host allocator via `go build -buildmode=c-archive`
// (or c-shared). The Go side does all the real work in package redzone;
// everything here is a thin, alloc-free translation between C ABI types
// and the Go API operating on redzone.DefaultFacade().
package main

import "C"

import (
	"context"
	"unsafe"

	redzone "github.com/vusec/gperftools"
	"github.com/vusec/gperftools/pageheap"
)

//export is_redzone
func is_redzone(ptr unsafe.Pointer) C.int {
	v := redzone.DefaultFacade().Predicate.IsRedzone(uintptr(ptr))
	if v == redzone.IsRedzoneVerdict {
		return 1
	}
	return 0
}

//export is_redzone_multi
func is_redzone_multi(ptr unsafe.Pointer, nBytes C.size_t) C.int {
	v := redzone.DefaultFacade().Predicate.IsRedzoneMulti(uintptr(ptr), uintptr(nBytes))
	if v == redzone.IsRedzoneVerdict {
		return 1
	}
	return 0
}

//export set_emergency_malloc
func set_emergency_malloc(enable C.int) {
	tc := redzone.DefaultFacade().TC
	if enable != 0 {
		tc.SetEmergency()
		return
	}
	tc.ClearEmergency()
}

//export register_uffd_pages
func register_uffd_pages(ptr unsafe.Pointer, length C.size_t) C.int {
	f := redzone.DefaultFacade()
	id := pageheap.PageID(uintptr(ptr) >> pageheap.PageShift)
	s := f.Heap.SpanAt(id)
	if s == nil {
		return -1
	}
	if err := f.StartDelegate(context.Background(), s); err != nil {
		return -1
	}
	return 0
}

//export unregister_uffd_pages
func unregister_uffd_pages(ptr unsafe.Pointer, length C.size_t) C.int {
	if err := redzone.DefaultFacade().StopDelegate(); err != nil {
		return -1
	}
	return 0
}

//export alloc_stack
func alloc_stack(size, guard C.size_t, sizeclass C.uchar) unsafe.Pointer {
	hooks := redzone.DefaultFacade().Stack
	if hooks == nil {
		return nil
	}
	return unsafe.Pointer(hooks.AllocStack(uintptr(size), uintptr(guard), uint8(sizeclass)))
}

//export free_stack
func free_stack(ptr unsafe.Pointer) {
	hooks := redzone.DefaultFacade().Stack
	if hooks == nil {
		return
	}
	hooks.FreeStack(uintptr(ptr))
}

//export tc_typed_malloc
func tc_typed_malloc(size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedMalloc(uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_calloc
func tc_typed_calloc(n, size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedCalloc(uintptr(n), uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_realloc
func tc_typed_realloc(ptr unsafe.Pointer, size C.size_t, typ C.int) unsafe.Pointer {
	newPtr, err := redzone.DefaultFacade().Typed.TypedRealloc(uintptr(ptr), uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(newPtr)
}

//export tc_typed_new
func tc_typed_new(size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedNew(uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_memalign
func tc_typed_memalign(alignment, size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedMemalign(uintptr(alignment), uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_valloc
func tc_typed_valloc(size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedValloc(uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_pvalloc
func tc_typed_pvalloc(size C.size_t, typ C.int) unsafe.Pointer {
	ptr, err := redzone.DefaultFacade().Typed.TypedPvalloc(uintptr(size), int32(typ))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export tc_typed_free
func tc_typed_free(ptr unsafe.Pointer) C.int {
	if err := redzone.DefaultFacade().Typed.Free(uintptr(ptr)); err != nil {
		return -1
	}
	return 0
}

func main() {}

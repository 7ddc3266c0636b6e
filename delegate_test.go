package redzone

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

// fakeFaultHandle lets delegate.poll be exercised without the real
// userfaultfd(2) syscall, which needs Linux and (usually) elevated
// privilege. poll reports ready while queued faults remain; otherwise it
// sleeps for a millisecond and reports not ready.
type fakeFaultHandle struct {
	mu         sync.Mutex
	faults     []uintptr
	copies     []uintptr
	zeroes     []uintptr
	closed     bool
	registered []struct{ addr, size uintptr }
}

func (f *fakeFaultHandle) register(addr, size uintptr) error {
	f.registered = append(f.registered, struct{ addr, size uintptr }{addr, size})
	return nil
}
func (f *fakeFaultHandle) unregister(addr, size uintptr) error { return nil }

func (f *fakeFaultHandle) copyPage(addr uintptr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, addr)
	return nil
}

func (f *fakeFaultHandle) zeroPage(addr uintptr, size uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zeroes = append(f.zeroes, addr)
	return nil
}

func (f *fakeFaultHandle) poll(timeoutMs int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.faults) > 0 {
		return true, nil
	}
	time.Sleep(time.Millisecond)
	return false, nil
}

func (f *fakeFaultHandle) readFault() (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := f.faults[0]
	f.faults = f.faults[1:]
	return addr, nil
}

func (f *fakeFaultHandle) fd() int { return -1 }

func (f *fakeFaultHandle) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFaultHandle) pushFault(addr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, addr)
}

func TestDelegatePollMaterializesFaultedPage(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	filler := NewFiller(h.Classes())
	tc := NewThreadCache()
	d := NewDelegate(h, filler, tc, nil)

	fh := &fakeFaultHandle{}
	d.handle = fh
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	done := make(chan error, 1)
	go func() { done <- d.poll(ctx) }()

	fh.pushFault(s.Base())

	deadline := time.After(time.Second)
	for {
		fh.mu.Lock()
		n := len(fh.copies)
		fh.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a UFFDIO_COPY-equivalent call")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("poll returned error after cancel: %v", err)
	}

	if len(fh.copies) == 0 || fh.copies[0] != s.Base() {
		t.Fatalf("copies = %v, want first entry %#x", fh.copies, s.Base())
	}
}

func TestDelegatePollZeroPagesFreeSpan(t *testing.T) {
	h := newTestHeap()
	s, err := h.Alloc(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	// The first page past s belongs to the tail span Alloc split off the
	// same mapping: the span table records it, but on the free list, not InUse.
	unknownAddr := s.Base() + s.Bytes()

	filler := NewFiller(h.Classes())
	tc := NewThreadCache()
	d := NewDelegate(h, filler, tc, nil)

	fh := &fakeFaultHandle{}
	d.handle = fh
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	done := make(chan error, 1)
	go func() { done <- d.poll(ctx) }()

	fh.pushFault(unknownAddr)

	deadline := time.After(time.Second)
	for {
		fh.mu.Lock()
		n := len(fh.zeroes)
		fh.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a UFFDIO_ZEROPAGE-equivalent call")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("poll returned error after cancel: %v", err)
	}

	if len(fh.zeroes) == 0 || fh.zeroes[0] != unknownAddr {
		t.Fatalf("zeroes = %v, want first entry %#x", fh.zeroes, unknownAddr)
	}
	if len(fh.copies) != 0 {
		t.Fatalf("copies = %v, want none for a fault outside any live span", fh.copies)
	}
}

func TestDelegateStartOnUnsupportedPlatformFails(t *testing.T) {
	_, err := newFaultHandle(nil)
	// On non-Linux builds this always fails with ErrUnsupportedPlatform;
	// on Linux it may succeed or fail depending on kernel config and
	// privilege, so nothing is asserted there.
	if runtime.GOOS != "linux" && !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("newFaultHandle error = %v, want ErrUnsupportedPlatform", err)
	}
}

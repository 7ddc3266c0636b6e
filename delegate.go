package redzone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vusec/gperftools/pageheap"
)

// ErrUnsupportedPlatform is returned by newFaultHandle on platforms with
// no userfaultfd-equivalent wired up (delegate_other.go).
var ErrUnsupportedPlatform = errors.New("redzone: fault delegate not supported on this platform")

// faultHandle is the narrow syscall seam the fault delegate needs
// from the kernel's page-fault notification mechanism. delegate_linux.go
// satisfies it with real userfaultfd(2) ioctls; delegate_other.go has no
// implementation, and newFaultHandle there always fails with
// ErrUnsupportedPlatform. Tests fake this interface directly rather than
// requiring the real syscall and its kernel privilege.
type faultHandle interface {
	register(addr, size uintptr) error
	unregister(addr, size uintptr) error
	copyPage(addr uintptr, data []byte) error
	zeroPage(addr uintptr, size uintptr) error
	poll(timeoutMs int) (ready bool, err error)
	readFault() (addr uintptr, err error)
	fd() int
	close() error
}

// Delegate is the fault delegate: the single long-running poller
// that materializes not-yet-touched heap pages on demand.
// It never runs more than one poller goroutine for its lifetime.
type Delegate struct {
	Heap   *pageheap.PageHeap
	Filler Filler
	TC     *ThreadCache
	Logger *Logger

	mu      sync.Mutex
	handle  faultHandle
	eg      errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// NewDelegate returns a Delegate backed by heap and filler. tc is the
// thread cache whose emergency latch is raised around the handle's own
// setup: only the delegate's initialization path needs to allocate
// without faulting recursively into itself.
func NewDelegate(heap *pageheap.PageHeap, filler Filler, tc *ThreadCache, logger *Logger) *Delegate {
	return &Delegate{Heap: heap, Filler: filler, TC: tc, Logger: logger}
}

// Start opens the fault handle, registers s's address range for
// missing-page notifications, and starts the poller goroutine. It
// returns once the handle is registered; the poller itself runs until
// ctx is cancelled or Stop is called.
func (d *Delegate) Start(ctx context.Context, s *pageheap.Span) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("redzone: delegate already started")
	}

	d.TC.SetEmergency()
	defer d.TC.ClearEmergency()

	h, err := newFaultHandle(d.Logger)
	if err != nil {
		return fmt.Errorf("redzone: open fault handle: %w", err)
	}
	if err := h.register(s.Base(), s.Bytes()); err != nil {
		_ = h.close()
		return fmt.Errorf("redzone: register span %#x/%d: %w", s.Base(), s.Bytes(), err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	d.handle = h
	d.cancel = cancel
	d.started = true

	d.eg.Go(func() error { return d.poll(pollCtx) })
	return nil
}

// Stop cancels the poller and waits for it to exit, closing the fault
// handle. Safe to call even if Start failed or was never called.
func (d *Delegate) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	h := d.handle
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	err := d.eg.Wait()
	if closeErr := h.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// poll is the delegate's single long-running goroutine body: block on
// the fault handle, resolve the faulting page's owning span via the
// span table (spec §4.3 step 4), materialize it with the filler when
// the span is live, or install a zero page when it is gone or no
// longer in use, then resume the faulting thread. Ordering between
// distinct pages carries no guarantee; each install happens-before its
// own faulting thread's resumption, which the kernel's UFFDIO_COPY
// provides for free.
//
// Every syscall failure past this point is fatal (spec §7): a wedged
// delegate is worse than a crash, so poll/readFault/copyPage/zeroPage
// errors go through fatal rather than being logged and continued past.
func (d *Delegate) poll(ctx context.Context) error {
	sysPage := pageheap.SysPageSize
	buf := make([]byte, sysPage)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := d.handle.poll(100)
		if err != nil {
			fatal(d.Logger, ErrFaultDelegate, "redzone: fault handle poll error", zap.Error(err))
		}
		if !ready {
			continue
		}

		addr, err := d.handle.readFault()
		if err != nil {
			fatal(d.Logger, ErrFaultDelegate, fmt.Sprintf("redzone: fault handle read error: %v", err))
		}

		pageBase := addr &^ uintptr(sysPage-1)

		owner := d.Heap.SpanAt(pageheap.PageID(pageBase >> pageheap.PageShift))
		if owner == nil || owner.Location != pageheap.InUse {
			if err := d.handle.zeroPage(pageBase, uintptr(sysPage)); err != nil {
				fatal(d.Logger, ErrFaultDelegate, fmt.Sprintf("redzone: fault handle zero-page error at %#x: %v", pageBase, err))
			}
			continue
		}

		d.Filler.Fill(buf, pageBase, owner)
		if err := d.handle.copyPage(pageBase, buf); err != nil {
			fatal(d.Logger, ErrFaultDelegate, fmt.Sprintf("redzone: fault handle copy error at %#x: %v", pageBase, err))
		}
	}
}

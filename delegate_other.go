//go:build !linux

package redzone

// newFaultHandle has no implementation outside Linux: userfaultfd(2) is a
// Linux-only facility. Builds on other platforms can still exercise
// every other component (geometry, filler, reuse cache, poisoner,
// predicate) against a PageHeap; only Delegate.Start is unavailable.
func newFaultHandle(logger *Logger) (faultHandle, error) {
	return nil, ErrUnsupportedPlatform
}

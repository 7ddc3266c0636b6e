package redzone

import "go.uber.org/zap"

// Logger is the single structured logger every fallible operation in
// this package is threaded through (spec §7's "single logger with a
// crash level"), a thin alias over *zap.Logger so callers can pass
// zap.NewProduction()/zap.NewDevelopment() results directly.
type Logger = zap.Logger

// ErrorKind tags why a fatal condition occurred, so a test harness that
// recovers a *FatalError can assert on kind without parsing the message.
type ErrorKind uint8

const (
	ErrUnknown ErrorKind = iota
	// ErrConfig marks a malformed or contradictory configuration value
	// (env var parsing, illegal Mode combination).
	ErrConfig
	// ErrFaultDelegate marks a syscall failure in the fault delegate's
	// setup or poll loop (uffd register/copy/poll/read).
	ErrFaultDelegate
	// ErrPageHeap marks a page-heap mmap/munmap failure propagated up
	// from the external collaborator.
	ErrPageHeap
	// ErrUnimplemented marks a deliberately-stubbed operation being
	// exercised beyond what this build supports (IsRedzoneMulti).
	ErrUnimplemented
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrFaultDelegate:
		return "fault_delegate"
	case ErrPageHeap:
		return "page_heap"
	case ErrUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// FatalError is what fatal panics with, so a caller embedding this
// package in a long-running test harness can recover() and inspect Kind
// rather than losing the classification in a plain string panic.
type FatalError struct {
	Kind ErrorKind
	Msg  string
}

func (e *FatalError) Error() string { return e.Kind.String() + ": " + e.Msg }

// fatal logs msg at error level with kind as a structured field, then
// panics with a *FatalError; the panic, not the log level, is what makes
// the condition fatal. Production callers (the cgo export surface)
// let the panic crash the process, matching the spec's "fatal conditions
// are unrecoverable" rule; test code may recover() and assert on Kind.
//
// A nil logger still panics; it just skips the log line, so callers that
// have not wired a *Logger yet (early config parsing, before a logger
// could itself be constructed from that config) don't crash twice.
func fatal(logger *Logger, kind ErrorKind, msg string, fields ...zap.Field) {
	if logger != nil {
		logger.With(zap.String("kind", kind.String())).Error(msg, fields...)
	}
	panic(&FatalError{Kind: kind, Msg: msg})
}

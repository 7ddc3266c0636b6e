package redzone

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the environment-variable-driven knobs from spec §6, plus
// the DEBUG/DISABLE_SLOWPATH flags folded in here since Go has no
// compile-time macro layer to host them as build-time flags.
type Config struct {
	// DevmemStart and DevmemLimit bound an optional physical-memory
	// range reserved for special-purpose allocations. Both zero means
	// "off" (the default).
	DevmemStart uintptr
	DevmemLimit uintptr

	// SkipSbrk and SkipMmap each disable one system allocator backend.
	SkipSbrk bool
	SkipMmap bool

	// DisableMemoryRelease suppresses MADV_FREE/MADV_DONTNEED when
	// unused pages would otherwise be returned to the OS.
	DisableMemoryRelease bool

	// Debug gates the predicate's optional debug-level log line.
	Debug bool

	// DisableSlowpath, when set, means the embedder has decided to skip
	// the redzone check entirely on the hot path; this package does not
	// act on it itself (that's the instrumentation's decision) but
	// carries it through so a single Config value can drive both sides.
	DisableSlowpath bool
}

// Load reads the TCMALLOC_* environment variables into a Config,
// matching spec §6's variable names exactly. A malformed numeric value
// is a fatal configuration error: logged via logger (if non-nil) and
// then a panic, per §7's "fatal conditions go through a single logger"
// rule extended to config parsing.
func Load(logger *Logger) *Config {
	c := &Config{}

	c.DevmemStart = mustParseUintptr(logger, "TCMALLOC_DEVMEM_START", 0)
	c.DevmemLimit = mustParseUintptr(logger, "TCMALLOC_DEVMEM_LIMIT", 0)
	c.SkipSbrk = parseBool("TCMALLOC_SKIP_SBRK")
	c.SkipMmap = parseBool("TCMALLOC_SKIP_MMAP")
	c.DisableMemoryRelease = parseBool("TCMALLOC_DISABLE_MEMORY_RELEASE")
	c.Debug = parseBool("TCMALLOC_DEBUG")
	c.DisableSlowpath = parseBool("TCMALLOC_DISABLE_SLOWPATH")

	return c
}

func mustParseUintptr(logger *Logger, name string, def uintptr) uintptr {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		fatal(logger, ErrConfig, fmt.Sprintf("malformed %s=%q: %v", name, v, err))
	}
	return uintptr(n)
}

func parseBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// Any non-empty, non-boolean value is treated as "set" the way
		// most environment-variable toggles in this ecosystem behave
		// (presence matters more than exact spelling); only explicit
		// "0"/"false" style values are treated as unset.
		return v != "0" && v != ""
	}
	return b
}

// ValidateMode rejects illegal Mode/Config combinations at construction
// time, enumerating the legal combinations the way §6 requires: ModeInBand
// requires a non-nil memset function, ModeShadow requires a non-nil
// Shadow, and ModeLazy requires neither.
func ValidateMode(mode Mode, shadow Shadow, memset func(ptr, size uintptr, v byte)) error {
	switch mode {
	case ModeInBand:
		if memset == nil {
			return fmt.Errorf("redzone: ModeInBand requires a non-nil memset function")
		}
	case ModeShadow:
		if shadow == nil {
			return fmt.Errorf("redzone: ModeShadow requires a non-nil Shadow")
		}
	case ModeLazy:
		// No backing resource required: the filler is the sole source
		// of poisoning.
	default:
		return fmt.Errorf("redzone: unknown Mode %d", mode)
	}
	return nil
}

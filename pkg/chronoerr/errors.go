// Package chronoerr defines the sentinel error taxonomy shared by the
// checkpoint/restore engine's components, so callers can use
// errors.Is/errors.As instead of matching on strings.
package chronoerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per taxonomy entry.
var (
	// ErrAttachRefused means the tracer could not attach to the target
	// (permission denied, nonexistent pid, already traced).
	ErrAttachRefused = errors.New("tracer: attach refused")

	// ErrAddressUnmapped means a memory read/write hit a page that
	// isn't mapped in the target.
	ErrAddressUnmapped = errors.New("tracer: address unmapped")

	// ErrMapParse means /proc/<pid>/maps produced a line the map
	// enumerator couldn't parse.
	ErrMapParse = errors.New("mapenum: unrecognized maps line")

	// ErrImageTruncated means the image stream ended before a
	// terminator record was read.
	ErrImageTruncated = errors.New("image: truncated stream")

	// ErrUnknownRecord means a record tag the codec doesn't recognize
	// was encountered while decoding.
	ErrUnknownRecord = errors.New("image: unknown record tag")

	// ErrVersionMismatch means the image header's format version
	// doesn't match what this codec supports.
	ErrVersionMismatch = errors.New("image: version mismatch")

	// ErrInjectionTrap means a single-stepped syscall stopped with an
	// unexpected signal instead of the trap the injector expected.
	ErrInjectionTrap = errors.New("injector: unexpected trap signal")

	// ErrRestoreFailed means an injected syscall returned a negative
	// result during restore.
	ErrRestoreFailed = errors.New("rehydrator: restore step failed")
)

// AddressUnmappedAt wraps ErrAddressUnmapped with the offending address.
func AddressUnmappedAt(addr uintptr) error {
	return fmt.Errorf("%w: 0x%x", ErrAddressUnmapped, addr)
}

// UnknownRecordTag wraps ErrUnknownRecord with the offending tag byte.
func UnknownRecordTag(tag byte) error {
	return fmt.Errorf("%w: 0x%02x", ErrUnknownRecord, tag)
}

// RestoreFailedAt wraps ErrRestoreFailed with the step name and the
// raw (negative-errno-encoded) syscall result that caused it.
func RestoreFailedAt(step string, rawResult int64) error {
	return fmt.Errorf("%w: step %q returned %d", ErrRestoreFailed, step, rawResult)
}

// InjectionTrapSignal wraps ErrInjectionTrap with the signal number
// that stopped the single-step instead of SIGTRAP.
func InjectionTrapSignal(sig int) error {
	return fmt.Errorf("%w: signal %d", ErrInjectionTrap, sig)
}

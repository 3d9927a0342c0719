//go:build linux && amd64

// Package rehydrator drives the Tracer, Map Enumerator, Image Codec,
// and Syscall Injector through the dump and restore paths. It is the
// only package that touches more than one of those components at a
// time.
package rehydrator

import (
	"github.com/willibrandon/chronogo/pkg/mapenum"
)

// Rehydrator composes the constituent components for one dump or
// restore operation. A single instance may be reused across multiple
// operations; it holds no per-operation state between calls.
type Rehydrator struct {
	enum *mapenum.Enumerator
}

// New creates a Rehydrator.
func New() *Rehydrator {
	return &Rehydrator{enum: mapenum.NewEnumerator()}
}

// DumpOptions configures Dump.
type DumpOptions struct {
	// Compress wraps the image stream in zstd compression.
	Compress bool
	// LeaveRunning continues the target after a successful dump
	// instead of leaving it stopped. Default is to leave it stopped,
	// so the caller may signal it to continue explicitly.
	LeaveRunning bool
	// VDSOTeleport captures the vDSO's own bytes and records it as an
	// ordinary anonymous region instead of a vDSO region, so that
	// Restore can replay it verbatim on a host whose vDSO is
	// incompatible with the captured image's recorded vDSO bytes.
	VDSOTeleport bool
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Compress must match the Compress option the image was dumped
	// with.
	Compress bool
	// DonorProgram is executed to create the donor process. It is
	// never actually run to completion — the Rehydrator intercepts it
	// at its post-exec ptrace stop and overwrites its address space
	// before it runs a single user instruction — so any executable
	// path that exists on the restoring host works.
	DonorProgram string
	// DonorArgs are passed to DonorProgram.
	DonorArgs []string
	// VDSOTeleport is not read by Restore. Whether the vDSO is
	// replayed from captured bytes is fixed when the image is dumped:
	// an image dumped with DumpOptions.VDSOTeleport carries the vDSO
	// as an ordinary anonymous region, which Restore replays like any
	// other region; otherwise Restore relocates the donor's own vDSO.
	VDSOTeleport bool
}

// DefaultRestoreOptions returns the restore configuration used when a
// caller doesn't override it.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		DonorProgram: "/bin/sleep",
		DonorArgs:    []string{"86400"},
	}
}

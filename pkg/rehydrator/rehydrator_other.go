//go:build !(linux && amd64)

// Package rehydrator drives the Tracer, Map Enumerator, Image Codec,
// and Syscall Injector through the dump and restore paths. The
// checkpoint/restore core is x86-64 Linux only; other platforms get a
// stub that reports as much.
package rehydrator

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

type Rehydrator struct{}

type DumpOptions struct {
	Compress     bool
	LeaveRunning bool
	VDSOTeleport bool
}

type RestoreOptions struct {
	Compress     bool
	DonorProgram string
	DonorArgs    []string
	VDSOTeleport bool
}

func DefaultRestoreOptions() RestoreOptions { return RestoreOptions{} }

func New() *Rehydrator { return &Rehydrator{} }

func unsupported() error {
	return fmt.Errorf("rehydrator: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (r *Rehydrator) Dump(pid int, w io.Writer, opts DumpOptions) error { return unsupported() }

func (r *Rehydrator) Restore(rd io.Reader, opts RestoreOptions) (*exec.Cmd, error) {
	return nil, unsupported()
}

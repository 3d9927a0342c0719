//go:build linux && amd64

package telefork

import (
	"fmt"
	"io"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
	"github.com/willibrandon/chronogo/pkg/rehydrator"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// Telefork streams the calling process's own state out over conn: it
// forks a frozen, ptrace-stopped twin of itself, dumps that twin
// through the Rehydrator's traced dump path, and kills the twin. It
// returns twice, Unix-fork-style — once in the original process after
// the stream completes, and once more far away in time: when a peer
// later restores this stream with Telepad, the resulting process
// resumes from this same call and returns here too, with Forked false
// and PassedValue carrying whatever Telepad's caller chose to hand it.
func Telefork(conn io.ReadWriter) (Location, error) {
	child, woke, passed, err := forkFrozenTraced()
	if err != nil {
		return Location{}, err
	}
	if woke {
		return Location{Forked: false, PassedValue: passed}, nil
	}

	tr := tracer.Wrap(child)
	r := rehydrator.New()
	if err := r.DumpTraced(tr, conn, rehydrator.DumpOptions{}); err != nil {
		_ = unix.Kill(child, unix.SIGKILL)
		_, _ = unix.Wait4(child, nil, 0, nil)
		runtime.UnlockOSThread()
		return Location{}, err
	}
	if err := unix.Kill(child, unix.SIGKILL); err != nil {
		runtime.UnlockOSThread()
		return Location{}, fmt.Errorf("telefork: killing frozen twin: %w", err)
	}
	var ws unix.WaitStatus
	_, _ = unix.Wait4(child, &ws, 0, nil)
	runtime.UnlockOSThread()

	return Location{Forked: true}, nil
}

// Telepad is the receiving half of a Telefork: it reads an image from
// conn and rehydrates it into a freshly forked local twin of this
// process, hollowed out and rebuilt to match, then lets it resume.
// passToChild becomes the value the rehydrated raise(SIGSTOP) call
// returns — the original process's Telefork call sees it as
// Location.PassedValue.
func Telepad(conn io.ReadWriter, passToChild int32) (int, error) {
	hdr, regions, fds, err := rehydrator.DecodeImage(conn, false)
	if err != nil {
		return 0, err
	}

	child, woke, _, err := forkFrozenTraced()
	if err != nil {
		return 0, err
	}
	if woke {
		// Should be unreachable: a fresh fork resumes here only once
		// RestoreInto below installs hdr.Regs and the child is
		// detached and resumed — at which point this call stack no
		// longer exists in the child (its registers have been
		// replaced). Guard against a corrupt image/driver bug anyway.
		return 0, fmt.Errorf("telefork: local fork resumed before restore completed")
	}

	tr := tracer.Wrap(child)
	hdr.Regs.Rax = uint64(passToChild)
	r := rehydrator.New()
	if err := r.RestoreInto(tr, hdr, regions, fds); err != nil {
		_ = unix.Kill(child, unix.SIGKILL)
		_, _ = unix.Wait4(child, nil, 0, nil)
		runtime.UnlockOSThread()
		return 0, err
	}
	if err := tr.Detach(); err != nil {
		return 0, err
	}
	return child, nil
}

// forkFrozenTraced forks the calling process and, in the child,
// immediately requests tracing and stops itself — grounded on the
// original's fork_frozen_traced, which relies on PTRACE_TRACEME plus
// a raised SIGSTOP to freeze a full copy-on-write twin of the current
// process for inspection via ptrace.
//
// Locks the calling goroutine to its OS thread before forking, since
// the raw fork(2) syscall only duplicates the calling thread and the
// child — briefly a single-threaded process sharing this goroutine's
// stack — must not be migrated to a different M before it reaches
// PTRACE_TRACEME. The lock is held across the call in the parent
// branch (where the returned child pid must keep being operated on
// from this thread via the Tracer) and is released once the twin is
// killed or detached.
func forkFrozenTraced() (child int, woke bool, passed int32, err error) {
	runtime.LockOSThread()

	pid, errno := rawFork()
	if errno != 0 {
		runtime.UnlockOSThread()
		return 0, false, 0, fmt.Errorf("telefork: fork: %w", errno)
	}

	if pid == 0 {
		// Child: only raw syscalls from here until raise — no Go
		// runtime calls are safe in a freshly forked, single-threaded
		// copy of a multi-threaded process.
		_, _, _ = syscall.RawSyscall(unix.SYS_PTRACE, unix.PTRACE_TRACEME, 0, 0)
		// Nothing sensible to do with a traceme failure without
		// calling back into the Go runtime; let the parent's waitpid
		// instead observe the unexpected status, matching the
		// original's documented "this fails to detect if the raise
		// syscall failed" gap.
		raiseResult, _, _ := syscall.RawSyscall(unix.SYS_KILL, uintptr(syscall.Getpid()), uintptr(unix.SIGSTOP), 0)
		return 0, true, int32(raiseResult), nil
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		runtime.UnlockOSThread()
		return 0, false, 0, fmt.Errorf("%w: waiting for frozen twin: %v", chronoerr.ErrAttachRefused, err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGSTOP {
		runtime.UnlockOSThread()
		return 0, false, 0, fmt.Errorf("%w: frozen twin stopped unexpectedly: %v", chronoerr.ErrAttachRefused, ws)
	}

	return int(pid), false, 0, nil
}

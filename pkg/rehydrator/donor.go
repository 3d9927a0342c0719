//go:build linux && amd64

package rehydrator

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// spawnDonor launches program under ptrace and returns it stopped at
// its post-exec trap, before it has run a single user instruction.
// The program's own code never executes — PTRACE_TRACEME plus the
// kernel's automatic post-execve SIGTRAP means the Rehydrator gets
// control first and overwrites the donor's address space entirely —
// so any executable on the restoring host serves equally well as a
// donor.
// spawnDonor locks the calling goroutine to its current OS thread
// before forking, since the kernel ties a PTRACE_TRACEME tracee to
// whichever thread performed the fork; every later ptrace call on the
// donor (all of them, via the returned Tracer) must originate from
// that same thread. The lock is released by the Tracer's Detach.
func spawnDonor(program string, args []string) (*exec.Cmd, *tracer.Tracer, error) {
	runtime.LockOSThread()

	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		runtime.UnlockOSThread()
		return nil, nil, fmt.Errorf("%w: spawning donor %q: %v", chronoerr.ErrAttachRefused, program, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		runtime.UnlockOSThread()
		return nil, nil, fmt.Errorf("%w: waiting for donor stop: %v", chronoerr.ErrAttachRefused, err)
	}
	if !ws.Stopped() {
		runtime.UnlockOSThread()
		return nil, nil, fmt.Errorf("%w: donor did not stop at exec trap, status %v", chronoerr.ErrAttachRefused, ws)
	}

	return cmd, tracer.Wrap(cmd.Process.Pid), nil
}

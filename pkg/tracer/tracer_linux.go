//go:build linux && amd64

package tracer

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/internal/diag"
	"github.com/willibrandon/chronogo/pkg/chronoerr"
)

// Tracer wraps a ptrace-stopped target and exposes the primitive
// register/memory operations the Rehydrator and Injector compose.
// Every method requires the target to be stopped; this is a
// type-level contract — all subsequent operations require the
// target to be stopped — rather than a runtime flag, matched by the
// fact that Tracer is only ever handed out by Attach/Wrap once a
// SIGSTOP/SIGTRAP has been waited on.
type Tracer struct {
	pid int
}

// Attach attaches to an already-running process (the dump-path
// target) and waits for it to stop.
//
// Linux ties a tracee to the specific OS thread that attached it —
// every later ptrace call must come from that same thread. Attach
// locks the calling goroutine to its current OS thread for that
// reason; Detach releases the lock.
func Attach(pid int) (*Tracer, error) {
	runtime.LockOSThread()
	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: pid %d: %v", chronoerr.ErrAttachRefused, pid, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: pid %d: waitpid: %v", chronoerr.ErrAttachRefused, pid, err)
	}
	if !ws.Stopped() {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: pid %d: unexpected wait status %v", chronoerr.ErrAttachRefused, pid, ws)
	}

	return &Tracer{pid: pid}, nil
}

// Wrap adopts a pid that is already ptrace-stopped — e.g. a donor that
// called PTRACE_TRACEME before exec, traced automatically by whichever
// OS thread performed the fork. The caller must have arranged for that
// to be the current, locked OS thread (spawnDonor does this) before
// calling Wrap, since every later ptrace call on this pid must
// originate from it.
func Wrap(pid int) *Tracer {
	return &Tracer{pid: pid}
}

// Pid returns the traced process's id.
func (t *Tracer) Pid() int { return t.pid }

// GetRegs reads the full register file, including the FS/GS bases.
func (t *Tracer) GetRegs() (RegisterSet, error) {
	var pregs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &pregs); err != nil {
		return RegisterSet{}, fmt.Errorf("tracer: getregs pid %d: %w", t.pid, err)
	}
	return fromPtraceRegs(pregs), nil
}

// SetRegs writes the full register file back, including FS/GS bases
// — the final step of rebuilding a restored process's state.
func (t *Tracer) SetRegs(rs RegisterSet) error {
	pregs := toPtraceRegs(rs)
	if err := unix.PtraceSetRegs(t.pid, &pregs); err != nil {
		return fmt.Errorf("tracer: setregs pid %d: %w", t.pid, err)
	}
	return nil
}

// SingleStep advances the target by exactly one instruction and waits
// for the resulting stop. Used by the Injector to execute a single
// syscall instruction.
func (t *Tracer) SingleStep() error {
	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return fmt.Errorf("tracer: singlestep pid %d: %w", t.pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("tracer: singlestep pid %d: waitpid: %w", t.pid, err)
	}
	if ws.Stopped() && ws.StopSignal() == unix.SIGTRAP {
		return nil
	}
	if ws.Stopped() {
		return chronoerr.InjectionTrapSignal(int(ws.StopSignal()))
	}
	return fmt.Errorf("tracer: singlestep pid %d: unexpected wait status %v", t.pid, ws)
}

// Cont resumes the target, optionally delivering sig, and waits for
// the next stop (a breakpoint trap, a signal, or exit).
func (t *Tracer) Cont(sig int) (unix.WaitStatus, error) {
	if err := unix.PtraceCont(t.pid, sig); err != nil {
		return 0, fmt.Errorf("tracer: cont pid %d: %w", t.pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("tracer: cont pid %d: waitpid: %w", t.pid, err)
	}
	return ws, nil
}

// Detach releases the target from tracing, letting it run freely, and
// unlocks the OS thread Attach locked.
func (t *Tracer) Detach() error {
	defer runtime.UnlockOSThread()
	if err := unix.PtraceDetach(t.pid); err != nil {
		return fmt.Errorf("tracer: detach pid %d: %w", t.pid, err)
	}
	return nil
}

// ReadMemory bulk-reads len(buf) bytes starting at addr from the
// target via process_vm_readv. When process_vm_readv reports ENOSYS
// (older kernels) or returns a short read, it reads through the
// /proc/<pid>/mem file instead.
func (t *Tracer) ReadMemory(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMReadv(t.pid, local, remote, 0)
	if err == nil && n == len(buf) {
		return nil
	}
	if err != nil && !errors.Is(err, unix.ENOSYS) {
		return wrapMemErr(addr, "read", err)
	}

	diag.Printf(3, "tracer: process_vm_readv unavailable, falling back to /proc/%d/mem\n", t.pid)
	return t.readMemoryProcFallback(addr, buf)
}

func (t *Tracer) readMemoryProcFallback(addr uintptr, buf []byte) error {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", t.pid), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("tracer: open /proc/%d/mem: %w", t.pid, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, int64(addr)); err != nil {
		return wrapMemErr(addr, "read", err)
	}
	return nil
}

// WriteMemory bulk-writes buf to the target starting at addr, via
// process_vm_writev — the inverse of ReadMemory, used by the
// Rehydrator to replay region payloads into a freshly mapped region
// during restore.
func (t *Tracer) WriteMemory(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMWritev(t.pid, local, remote, 0)
	if err == nil && n == len(buf) {
		return nil
	}
	if err != nil && !errors.Is(err, unix.ENOSYS) {
		return wrapMemErr(addr, "write", err)
	}

	diag.Printf(3, "tracer: process_vm_writev unavailable, falling back to PTRACE_POKEDATA\n")
	return t.writeMemoryPoke(addr, buf)
}

// writeMemoryPoke writes buf word-by-word via PTRACE_POKEDATA, the
// word-granularity writes primitive used as a fallback to the bulk
// path.
func (t *Tracer) writeMemoryPoke(addr uintptr, buf []byte) error {
	const wordSize = 8
	off := uintptr(0)
	for int(off) < len(buf) {
		remaining := len(buf) - int(off)
		var word [wordSize]byte
		if remaining >= wordSize {
			copy(word[:], buf[off:off+wordSize])
		} else {
			// Preserve the tail bytes beyond len(buf) by reading the
			// existing word first.
			if err := t.ReadMemory(addr+off, word[:]); err != nil {
				return err
			}
			copy(word[:], buf[off:])
		}
		if _, err := unix.PtracePokeData(t.pid, addr+off, word[:]); err != nil {
			return wrapMemErr(addr+off, "write", err)
		}
		off += wordSize
	}
	return nil
}

func wrapMemErr(addr uintptr, op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EFAULT || errno == syscall.EIO || errno == syscall.ESRCH) {
		return chronoerr.AddressUnmappedAt(addr)
	}
	return fmt.Errorf("tracer: %s at 0x%x: %w", op, addr, err)
}

func fromPtraceRegs(p unix.PtraceRegs) RegisterSet {
	return RegisterSet{
		R15: p.R15, R14: p.R14, R13: p.R13, R12: p.R12,
		Rbp: p.Rbp, Rbx: p.Rbx,
		R11: p.R11, R10: p.R10, R9: p.R9, R8: p.R8,
		Rax: p.Rax, Rcx: p.Rcx, Rdx: p.Rdx, Rsi: p.Rsi, Rdi: p.Rdi,
		OrigRax: p.Orig_rax,
		Rip:     p.Rip, Cs: p.Cs, Eflags: p.Eflags, Rsp: p.Rsp, Ss: p.Ss,
		FsBase: p.Fs_base, GsBase: p.Gs_base,
		Ds: p.Ds, Es: p.Es, Fs: p.Fs, Gs: p.Gs,
	}
}

func toPtraceRegs(r RegisterSet) unix.PtraceRegs {
	return unix.PtraceRegs{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx,
		R11: r.R11, R10: r.R10, R9: r.R9, R8: r.R8,
		Rax: r.Rax, Rcx: r.Rcx, Rdx: r.Rdx, Rsi: r.Rsi, Rdi: r.Rdi,
		Orig_rax: r.OrigRax,
		Rip:      r.Rip, Cs: r.Cs, Eflags: r.Eflags, Rsp: r.Rsp, Ss: r.Ss,
		Fs_base: r.FsBase, Gs_base: r.GsBase,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}

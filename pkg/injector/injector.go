//go:build linux && amd64

// Package injector executes syscalls inside an already-stopped target
// process by redirecting its instruction pointer to a real SYSCALL
// instruction already present in its address space, loading arguments
// into the syscall calling-convention registers, and single-stepping
// across it.
package injector

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
	"github.com/willibrandon/chronogo/pkg/mapenum"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// pageSize is the only page size the injector's scratch-region
// arithmetic assumes; the injector targets x86-64 Linux, where
// this always holds.
const pageSize = 4096

// Injector drives a stopped tracer through single-stepped syscalls.
// It is bound to one syscall instruction address for its lifetime;
// callers that remap or unmap the page containing that address must
// call Relocate before the next Inject.
type Injector struct {
	tr      *tracer.Tracer
	syscall uintptr
}

// New locates a genuine SYSCALL instruction inside the target's vDSO
// mapping and returns an Injector ready to use. The vDSO is chosen
// because, per the original telefork tool's observation, it always
// contains one in default Linux layouts.
func New(tr *tracer.Tracer, enum *mapenum.Enumerator) (*Injector, error) {
	regions, err := enum.Enumerate(tr.Pid())
	if err != nil {
		return nil, fmt.Errorf("injector: enumerating regions: %w", err)
	}
	var vdso *mapenum.MemoryRegion
	for i := range regions {
		if regions[i].Kind == mapenum.Vdso {
			vdso = &regions[i]
			break
		}
	}
	if vdso == nil {
		return nil, fmt.Errorf("injector: no [vdso] mapping found in target")
	}

	addr, err := findSyscallInstruction(tr, vdso.Start, vdso.Size())
	if err != nil {
		return nil, err
	}
	return &Injector{tr: tr, syscall: addr}, nil
}

// Relocate rebinds the injector to a syscall instruction within the
// given already-verified address range, used after the rehydrator
// moves or replaces the vDSO mapping during restore.
func (in *Injector) Relocate(tr *tracer.Tracer, regionStart uintptr, regionSize uintptr) error {
	addr, err := findSyscallInstruction(tr, regionStart, regionSize)
	if err != nil {
		return err
	}
	in.tr = tr
	in.syscall = addr
	return nil
}

// SyscallAddr returns the address of the syscall instruction this
// Injector reuses for every Inject call.
func (in *Injector) SyscallAddr() uintptr { return in.syscall }

// findSyscallInstruction reads the region (at most its first page)
// and decodes forward from
// each candidate 0F 05 byte pair to confirm it is a genuine SYSCALL
// instruction and not a coincidental byte pattern inside a longer
// instruction's encoding.
func findSyscallInstruction(tr *tracer.Tracer, start, size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("injector: empty candidate region")
	}
	readLen := size
	if readLen > pageSize {
		readLen = pageSize
	}
	buf := make([]byte, readLen)
	if err := tr.ReadMemory(start, buf); err != nil {
		return 0, fmt.Errorf("injector: reading candidate region: %w", err)
	}

	for i := 0; i+1 < len(buf); i++ {
		if buf[i] != 0x0f || buf[i+1] != 0x05 {
			continue
		}
		inst, err := x86asm.Decode(buf[i:], 64)
		if err != nil {
			continue
		}
		if inst.Op == x86asm.SYSCALL {
			return start + uintptr(i), nil
		}
	}
	return 0, fmt.Errorf("injector: no SYSCALL instruction found in region at %#x", start)
}

// Inject loads nr and up to six arguments into the syscall calling
// convention registers (rax, rdi, rsi, rdx, r10, r8, r9), points rip
// at the bound syscall instruction, single-steps across it, and
// restores every register that was live beforehand, rax included. It
// returns the rax value read right after the step as a signed 64-bit
// integer, letting callers detect the kernel's negated-errno
// convention themselves.
func (in *Injector) Inject(nr uintptr, args ...uintptr) (int64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("injector: too many syscall arguments: %d", len(args))
	}
	saved, err := in.tr.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("injector: saving registers: %w", err)
	}

	call := saved
	call.Rip = uint64(in.syscall)
	call.Rax = uint64(nr)
	argRegs := [6]*uint64{&call.Rdi, &call.Rsi, &call.Rdx, &call.R10, &call.R8, &call.R9}
	for i, a := range args {
		*argRegs[i] = uint64(a)
	}

	if err := in.tr.SetRegs(call); err != nil {
		return 0, fmt.Errorf("injector: loading syscall registers: %w", err)
	}
	if err := in.tr.SingleStep(); err != nil {
		return 0, fmt.Errorf("%w: %v", chronoerr.ErrInjectionTrap, err)
	}
	result, err := in.tr.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("injector: reading result registers: %w", err)
	}

	if err := in.tr.SetRegs(saved); err != nil {
		return 0, fmt.Errorf("injector: restoring registers: %w", err)
	}

	return int64(result.Rax), nil
}

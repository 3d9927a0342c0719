//go:build linux && amd64

package injector

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
)

// Brk invokes brk(addr) in the target and returns the resulting
// program break. Passing 0 queries the current break without moving
// it, mirroring the original telefork tool's use of brk as a query.
func (in *Injector) Brk(addr uintptr) (uintptr, error) {
	rax, err := in.Inject(unix.SYS_BRK, addr)
	if err != nil {
		return 0, err
	}
	return uintptr(rax), nil
}

// MmapAnon maps an anonymous region of length bytes (a multiple of
// the page size) with the given protection bits. If addr is nonzero,
// MAP_FIXED is used and the call fails unless the kernel honors the
// requested address exactly.
func (in *Injector) MmapAnon(addr uintptr, length uintptr, prot int) (uintptr, error) {
	if length%pageSize != 0 {
		return 0, fmt.Errorf("injector: mmap length must be a multiple of the page size")
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	rax, err := in.Inject(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, err
	}
	if rax < 0 {
		return 0, chronoerr.RestoreFailedAt("mmap", rax)
	}
	result := uintptr(rax)
	if addr != 0 && result != addr {
		return 0, fmt.Errorf("injector: mmap placed region at %#x, not requested %#x", result, addr)
	}
	return result, nil
}

// Munmap unmaps length bytes starting at addr.
func (in *Injector) Munmap(addr uintptr, length uintptr) error {
	rax, err := in.Inject(unix.SYS_MUNMAP, addr, length)
	if err != nil {
		return err
	}
	if rax != 0 {
		return chronoerr.RestoreFailedAt("munmap", rax)
	}
	return nil
}

// Mremap moves the mapping at addr (length bytes) to exactly newAddr
// (MREMAP_MAYMOVE|MREMAP_FIXED), failing if the kernel places it
// anywhere else. A no-op when the addresses already match.
func (in *Injector) Mremap(addr, length, newAddr uintptr) error {
	if addr == newAddr {
		return nil
	}
	flags := unix.MREMAP_MAYMOVE | unix.MREMAP_FIXED
	rax, err := in.Inject(unix.SYS_MREMAP, addr, length, length, uintptr(flags), newAddr)
	if err != nil {
		return err
	}
	if rax < 0 {
		return chronoerr.RestoreFailedAt("mremap", rax)
	}
	if uintptr(rax) != newAddr {
		return fmt.Errorf("injector: mremap placed region at %#x, not requested %#x", uintptr(rax), newAddr)
	}
	return nil
}

// Mprotect changes the protection of length bytes starting at addr.
func (in *Injector) Mprotect(addr, length uintptr, prot int) error {
	rax, err := in.Inject(unix.SYS_MPROTECT, addr, length, uintptr(prot))
	if err != nil {
		return err
	}
	if rax != 0 {
		return chronoerr.RestoreFailedAt("mprotect", rax)
	}
	return nil
}

// streamTo writes data into the target's memory at addr using the
// tracer's bulk memory-write path.
func (in *Injector) streamTo(addr uintptr, data []byte) error {
	return in.tr.WriteMemory(addr, data)
}

// Open opens path in the target with the given flags, using a
// scratch anonymous mapping to pass the pathname, and returns the
// resulting file descriptor.
func (in *Injector) Open(path string, flags int) (uint32, error) {
	if len(path) >= pageSize {
		return 0, fmt.Errorf("injector: pathname too long for scratch page: %d bytes", len(path))
	}
	pathAddr, err := in.MmapAnon(0, pageSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, fmt.Errorf("injector: allocating scratch page for open: %w", err)
	}

	pathBytes := append([]byte(path), 0)
	if err := in.streamTo(pathAddr, pathBytes); err != nil {
		_ = in.Munmap(pathAddr, pageSize)
		return 0, fmt.Errorf("injector: writing pathname: %w", err)
	}

	rax, err := in.Inject(unix.SYS_OPEN, pathAddr, uintptr(flags), 0)
	munmapErr := in.Munmap(pathAddr, pageSize)
	if err != nil {
		return 0, err
	}
	if rax < 0 {
		return 0, chronoerr.RestoreFailedAt("open:"+path, rax)
	}
	if munmapErr != nil {
		return 0, fmt.Errorf("injector: releasing scratch page after open: %w", munmapErr)
	}
	return uint32(rax), nil
}

// Dup2 duplicates oldfd onto newfd in the target.
func (in *Injector) Dup2(oldfd, newfd uint32) error {
	rax, err := in.Inject(unix.SYS_DUP2, uintptr(oldfd), uintptr(newfd))
	if err != nil {
		return err
	}
	if uint32(rax) != newfd {
		return chronoerr.RestoreFailedAt("dup2", rax)
	}
	return nil
}

// Lseek sets fd's offset to offset from the start of the file.
func (in *Injector) Lseek(fd uint32, offset uint64) error {
	rax, err := in.Inject(unix.SYS_LSEEK, uintptr(fd), uintptr(offset), uintptr(unix.SEEK_SET))
	if err != nil {
		return err
	}
	if uint64(rax) != offset {
		return chronoerr.RestoreFailedAt("lseek", rax)
	}
	return nil
}

// Close closes fd in the target.
func (in *Injector) Close(fd uint32) error {
	rax, err := in.Inject(unix.SYS_CLOSE, uintptr(fd))
	if err != nil {
		return err
	}
	if rax != 0 {
		return chronoerr.RestoreFailedAt("close", rax)
	}
	return nil
}

// RestoreBrk drives the target's program break to targetAddr. Per the
// original telefork tool's observation, moving brk below the heap's
// original extent is unreliable on some kernels. When brk(targetAddr)
// moves the break above the value probed with brk(0), the range the
// kernel mapped between the two is unmapped again with an explicit
// munmap so no stray mapping survives.
func (in *Injector) RestoreBrk(targetAddr uintptr) error {
	origBrk, err := in.Brk(0)
	if err != nil {
		return fmt.Errorf("injector: querying current brk: %w", err)
	}
	newBrk, err := in.Brk(targetAddr)
	if err != nil {
		return fmt.Errorf("injector: moving brk to %#x: %w", targetAddr, err)
	}
	if newBrk > origBrk {
		if err := in.Munmap(origBrk, newBrk-origBrk); err != nil {
			return fmt.Errorf("injector: reclaiming over-extended brk region: %w", err)
		}
	}
	return nil
}

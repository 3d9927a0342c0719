//go:build !(linux && amd64)

package injector

import (
	"fmt"
	"runtime"

	"github.com/willibrandon/chronogo/pkg/mapenum"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// Injector is unavailable outside linux/amd64: syscall injection
// depends on ptrace register access and x86-64 instruction decoding.
type Injector struct{}

func unsupported() error {
	return fmt.Errorf("injector: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func New(tr *tracer.Tracer, enum *mapenum.Enumerator) (*Injector, error) { return nil, unsupported() }

func (in *Injector) Relocate(tr *tracer.Tracer, regionStart, regionSize uintptr) error {
	return unsupported()
}
func (in *Injector) SyscallAddr() uintptr                              { return 0 }
func (in *Injector) Inject(nr uintptr, args ...uintptr) (int64, error) { return 0, unsupported() }
func (in *Injector) Brk(addr uintptr) (uintptr, error)                { return 0, unsupported() }
func (in *Injector) MmapAnon(addr, length uintptr, prot int) (uintptr, error) {
	return 0, unsupported()
}
func (in *Injector) Munmap(addr, length uintptr) error              { return unsupported() }
func (in *Injector) Mremap(addr, length, newAddr uintptr) error     { return unsupported() }
func (in *Injector) Mprotect(addr, length uintptr, prot int) error   { return unsupported() }
func (in *Injector) Open(path string, flags int) (uint32, error)    { return 0, unsupported() }
func (in *Injector) Dup2(oldfd, newfd uint32) error                 { return unsupported() }
func (in *Injector) Lseek(fd uint32, offset uint64) error            { return unsupported() }
func (in *Injector) Close(fd uint32) error                           { return unsupported() }
func (in *Injector) RestoreBrk(targetAddr uintptr) error             { return unsupported() }

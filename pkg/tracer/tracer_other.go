//go:build !(linux && amd64)

package tracer

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Tracer is unimplemented outside linux/amd64: the ptrace register
// layout and syscall ABI the Injector depends on are x86-64-specific
// and must be re-derived for other architectures.
type Tracer struct{}

func unsupported() error {
	return fmt.Errorf("tracer: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func Attach(pid int) (*Tracer, error) { return nil, unsupported() }
func Wrap(pid int) *Tracer            { return &Tracer{} }

func (t *Tracer) Pid() int                                { return -1 }
func (t *Tracer) GetRegs() (RegisterSet, error)           { return RegisterSet{}, unsupported() }
func (t *Tracer) SetRegs(rs RegisterSet) error            { return unsupported() }
func (t *Tracer) SingleStep() error                       { return unsupported() }
func (t *Tracer) Cont(sig int) (unix.WaitStatus, error)   { return 0, unsupported() }
func (t *Tracer) Detach() error                           { return unsupported() }
func (t *Tracer) ReadMemory(addr uintptr, buf []byte) error  { return unsupported() }
func (t *Tracer) WriteMemory(addr uintptr, buf []byte) error { return unsupported() }

//go:build linux && amd64

package telefork

import (
	"syscall"
	_ "unsafe"
)

// The runtime exposes these three hooks specifically so that a raw
// fork(2) (as opposed to the fork+exec the rest of the standard
// library uses) can be done safely from Go: beforeFork stops the
// world and flushes so the forked child doesn't inherit another
// thread's half-held runtime lock, afterFork resumes it in the
// parent, and afterForkInChild re-initializes the minimal state a
// single-threaded forked child needs before it's safe to run Go code
// again. forkAndExecInChild internally uses the same three calls.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// rawFork forks the calling process with no intervening exec. The
// child observes pid == 0; the parent observes the child's pid.
// Between beforeFork and afterFork/afterForkInChild only the fork
// syscall itself runs — nothing else is safe to call in between.
func rawFork() (pid uintptr, errno syscall.Errno) {
	beforeFork()
	pid, _, errno = syscall.RawSyscall(syscall.SYS_FORK, 0, 0, 0)
	if pid != 0 || errno != 0 {
		afterFork()
	} else {
		afterForkInChild()
	}
	return pid, errno
}

//go:build linux && amd64

package tracer

import (
	"os/exec"
	"testing"
	"time"
)

// spawnSleeper starts an untraced child the test can attach to,
// mirroring the "dump path" precondition: a live process that did not
// ask to be traced.
func spawnSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("could not spawn helper process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	// Give the kernel a moment to finish exec before we attach.
	time.Sleep(20 * time.Millisecond)
	return cmd
}

func TestAttachGetRegsDetach(t *testing.T) {
	cmd := spawnSleeper(t)

	tr, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("attach refused (likely missing ptrace permission in this environment): %v", err)
	}

	regs, err := tr.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}
	if regs.Rip == 0 {
		t.Error("expected a nonzero instruction pointer")
	}

	if err := tr.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestReadMemoryAtInstructionPointer(t *testing.T) {
	cmd := spawnSleeper(t)

	tr, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("attach refused: %v", err)
	}
	defer tr.Detach()

	regs, err := tr.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	buf := make([]byte, 16)
	if err := tr.ReadMemory(uintptr(regs.Rip), buf); err != nil {
		t.Fatalf("ReadMemory at rip: %v", err)
	}
}

func TestReadMemoryUnmappedAddress(t *testing.T) {
	cmd := spawnSleeper(t)

	tr, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("attach refused: %v", err)
	}
	defer tr.Detach()

	buf := make([]byte, 8)
	// Address 0 is never mapped in a userspace process.
	if err := tr.ReadMemory(0, buf); err == nil {
		t.Fatal("expected an error reading unmapped address 0")
	}
}

//go:build linux && amd64

package injector

import (
	"os/exec"
	"testing"
	"time"

	"github.com/willibrandon/chronogo/pkg/mapenum"
	"github.com/willibrandon/chronogo/pkg/tracer"
	"golang.org/x/sys/unix"
)

func attachSleeper(t *testing.T) (*tracer.Tracer, *exec.Cmd) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("could not spawn helper process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	time.Sleep(20 * time.Millisecond)

	tr, err := tracer.Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("attach refused (likely missing ptrace permission in this environment): %v", err)
	}
	return tr, cmd
}

func TestNewInjectorFindsVdsoSyscall(t *testing.T) {
	tr, _ := attachSleeper(t)
	defer tr.Detach()

	in, err := New(tr, mapenum.NewEnumerator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if in.SyscallAddr() == 0 {
		t.Fatal("expected a nonzero syscall address")
	}
}

func TestInjectBrkQuery(t *testing.T) {
	tr, _ := attachSleeper(t)
	defer tr.Detach()

	in, err := New(tr, mapenum.NewEnumerator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	brk, err := in.Brk(0)
	if err != nil {
		t.Fatalf("Brk query: %v", err)
	}
	if brk == 0 {
		t.Fatal("expected a nonzero program break")
	}
}

func TestMmapAnonAndMunmapRoundTrip(t *testing.T) {
	tr, _ := attachSleeper(t)
	defer tr.Detach()

	in, err := New(tr, mapenum.NewEnumerator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	addr, err := in.MmapAnon(0, pageSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MmapAnon: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected a nonzero mapping address")
	}

	if err := in.Munmap(addr, pageSize); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
}

func TestInjectGetpidMatchesDonorPid(t *testing.T) {
	tr, cmd := attachSleeper(t)
	defer tr.Detach()

	in, err := New(tr, mapenum.NewEnumerator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ret, err := in.Inject(unix.SYS_GETPID)
	if err != nil {
		t.Fatalf("Inject getpid: %v", err)
	}
	if ret != int64(cmd.Process.Pid) {
		t.Fatalf("getpid returned %d, want donor pid %d", ret, cmd.Process.Pid)
	}
}

func TestInjectRejectsTooManyArgs(t *testing.T) {
	tr, _ := attachSleeper(t)
	defer tr.Detach()

	in, err := New(tr, mapenum.NewEnumerator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = in.Inject(unix.SYS_GETPID, 1, 2, 3, 4, 5, 6, 7)
	if err == nil {
		t.Fatal("expected an error for more than six syscall arguments")
	}
}

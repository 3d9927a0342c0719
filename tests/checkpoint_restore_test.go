//go:build linux && amd64

package tests

import (
	"bytes"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/pkg/rehydrator"
)

// spawnAndWait starts cmd and gives it a moment to reach steady state
// before a caller attaches to it, skipping the test outright when the
// process can't even be started in this environment.
func spawnAndWait(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if err := cmd.Start(); err != nil {
		t.Skipf("could not spawn target process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	time.Sleep(50 * time.Millisecond)
}

// TestCountingScriptSurvivesDumpAndRestore covers the counts-to-10
// scenario: a shell script that prints an increasing sequence of
// lines is dumped partway through, then restored, and the restored
// process must be a distinct, still-running process rather than one
// that immediately exits.
func TestCountingScriptSurvivesDumpAndRestore(t *testing.T) {
	cmd := exec.Command("sh", "-c", `for i in $(seq 1 20); do echo "$i"; sleep 1; done`)
	spawnAndWait(t, cmd)

	r := rehydrator.New()
	var buf bytes.Buffer
	if err := r.Dump(cmd.Process.Pid, &buf, rehydrator.DumpOptions{}); err != nil {
		t.Skipf("dump failed (likely missing ptrace permission in this environment): %v", err)
	}

	restored, err := r.Restore(bytes.NewReader(buf.Bytes()), rehydrator.DefaultRestoreOptions())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(func() {
		_ = restored.Process.Kill()
		_, _ = restored.Process.Wait()
	})

	if restored.Process.Pid == 0 || restored.Process.Pid == cmd.Process.Pid {
		t.Fatalf("expected a distinct restored pid, got %d (original %d)", restored.Process.Pid, cmd.Process.Pid)
	}

	time.Sleep(50 * time.Millisecond)
	if err := restored.Process.Signal(unix.Signal(0)); err != nil {
		t.Fatalf("restored process did not survive past resume: %v", err)
	}
}

// TestDumpCapturesFileBackedRegion covers the file-backed-mapping
// scenario: every normal ELF process maps its own executable and its
// shared libraries read-only from a path, so a dump of any such
// process must include at least one RegionFile record with payload
// bytes captured from that mapping.
func TestDumpCapturesFileBackedRegion(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	spawnAndWait(t, cmd)

	r := rehydrator.New()
	var buf bytes.Buffer
	if err := r.Dump(cmd.Process.Pid, &buf, rehydrator.DumpOptions{}); err != nil {
		t.Skipf("dump failed (likely missing ptrace permission in this environment): %v", err)
	}

	_, regions, _, err := rehydrator.DecodeImage(bytes.NewReader(buf.Bytes()), false)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}

	found := false
	for _, reg := range regions {
		if reg.Path != "" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected at least one file-backed region in the dumped image")
	}
}

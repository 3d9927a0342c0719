//go:build linux && amd64

package telefork

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

// TestTeleforkRoundTrip exercises a full local telefork/telepad round
// trip over an in-process pipe: Telefork streams a frozen twin of the
// test binary itself, and Telepad rehydrates it into a second local
// twin. Forking the test binary and trusting Telepad's rehydrated
// process to behave sanely both require real ptrace permission, so
// this is skipped wherever that isn't available, matching the other
// packages' tests.
func TestTeleforkRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		loc Location
		err error
	}
	done := make(chan result, 1)
	go func() {
		loc, err := Telefork(client)
		done <- result{loc, err}
	}()

	pid, err := Telepad(server, 42)
	if err != nil {
		t.Skipf("telepad failed (likely missing ptrace permission in this environment): %v", err)
	}
	if pid == 0 {
		t.Fatal("expected a nonzero rehydrated pid")
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("Telefork: %v", r.err)
	}
	if !r.loc.Forked {
		t.Fatal("expected the original process to observe Forked=true")
	}
}

func TestForkFrozenTracedProducesStoppedChild(t *testing.T) {
	child, woke, _, err := forkFrozenTraced()
	if err != nil {
		t.Skipf("fork/traceme failed (likely missing ptrace permission): %v", err)
	}
	if woke {
		t.Fatal("test process unexpectedly resumed as the forked child")
	}
	if child == 0 {
		t.Fatal("expected a nonzero child pid")
	}
	t.Cleanup(func() {
		_ = unix.Kill(child, unix.SIGKILL)
		_, _ = unix.Wait4(child, nil, 0, nil)
	})
}

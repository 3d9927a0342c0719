//go:build linux && amd64

package rehydrator

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/pkg/image"
	"github.com/willibrandon/chronogo/pkg/injector"
)

// scanFdEntries inspects /proc/<pid>/fd and returns one FdEntry per
// regular-file descriptor, with its current seek offset read from
// /proc/<pid>/fdinfo/<fd>. Pipes, sockets, and device files are
// silently skipped — the restored process inherits the donor's own
// stdio for those.
func scanFdEntries(pid int) ([]image.FdEntry, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rehydrator: reading %s: %w", dir, err)
	}

	var fds []image.FdEntry
	for _, ent := range entries {
		fd, err := strconv.ParseUint(ent.Name(), 10, 32)
		if err != nil {
			continue
		}
		target, err := os.Readlink(dir + "/" + ent.Name())
		if err != nil {
			continue
		}
		// Anonymous kernel objects (pipes, sockets, "memfd:...", etc.)
		// never resolve to a path starting with '/'.
		if !strings.HasPrefix(target, "/") {
			continue
		}
		info, err := os.Stat(target)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		offset, err := readFdOffset(pid, uint32(fd))
		if err != nil {
			offset = 0
		}
		fds = append(fds, image.FdEntry{Fd: uint32(fd), Path: target, Offset: offset})
	}
	return fds, nil
}

// readFdOffset parses the "pos:" line of /proc/<pid>/fdinfo/<fd>.
func readFdOffset(pid int, fd uint32) (uint64, error) {
	path := fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "pos:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		return strconv.ParseUint(fields[1], 10, 64)
	}
	return 0, fmt.Errorf("rehydrator: no pos: line in %s", path)
}

// restoreFdEntry opens fd.Path in the donor, installs it at fd.Fd via
// dup2, seeks to the recorded offset, and closes the temporary
// descriptor left over from open if it differs from fd.Fd.
func restoreFdEntry(in *injector.Injector, fd image.FdEntry) error {
	opened, err := in.Open(fd.Path, unix.O_RDONLY)
	if err != nil {
		return fmt.Errorf("rehydrator: opening %q for fd %d: %w", fd.Path, fd.Fd, err)
	}
	if opened != fd.Fd {
		if err := in.Dup2(opened, fd.Fd); err != nil {
			return fmt.Errorf("rehydrator: installing fd %d: %w", fd.Fd, err)
		}
		if err := in.Close(opened); err != nil {
			return fmt.Errorf("rehydrator: closing temporary fd %d: %w", opened, err)
		}
	}
	if err := in.Lseek(fd.Fd, fd.Offset); err != nil {
		return fmt.Errorf("rehydrator: seeking fd %d to %d: %w", fd.Fd, fd.Offset, err)
	}
	return nil
}

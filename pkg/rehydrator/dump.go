//go:build linux && amd64

package rehydrator

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/internal/diag"
	"github.com/willibrandon/chronogo/pkg/image"
	"github.com/willibrandon/chronogo/pkg/mapenum"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// Dump captures pid's register state, memory regions, and known file
// descriptors into an image written to w.
func (r *Rehydrator) Dump(pid int, w io.Writer, opts DumpOptions) error {
	tr, err := tracer.Attach(pid)
	if err != nil {
		return err
	}
	detached := false
	defer func() {
		if !detached {
			_ = tr.Detach()
		}
	}()

	if err := r.DumpTraced(tr, w, opts); err != nil {
		return err
	}

	if !opts.LeaveRunning {
		// PTRACE_DETACH restarts the tracee, so queue a SIGSTOP first:
		// the target takes it as soon as it is released and stays
		// stopped until the caller signals it to continue.
		if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
			return err
		}
	}

	if err := tr.Detach(); err != nil {
		return err
	}
	detached = true
	return nil
}

// DumpTraced writes an image for an already ptrace-stopped target to
// w. It is the primitive Dump wraps with attach/detach bookkeeping;
// pkg/telefork calls it directly against a locally forked twin that
// was never PTRACE_ATTACHed in the first place (it arrived stopped
// via its own PTRACE_TRACEME).
func (r *Rehydrator) DumpTraced(tr *tracer.Tracer, w io.Writer, opts DumpOptions) error {
	pid := tr.Pid()
	r.enum.Invalidate(pid)

	regs, err := tr.GetRegs()
	if err != nil {
		return err
	}

	regions, err := r.enum.Enumerate(pid)
	if err != nil {
		return err
	}

	enc, err := image.NewEncoder(w, opts.Compress)
	if err != nil {
		return err
	}

	hdr := image.Header{
		ArchTag: image.ArchAMD64,
		Regs:    regs,
		BrkAddr: uint64(heapEnd(regions)),
	}
	if err := enc.EncodeHeader(hdr); err != nil {
		return err
	}

	var records []image.RegionRecord
	for _, reg := range regions {
		tag, ok := regionTagFor(reg.Kind)
		if !ok {
			diag.Printf(2, "rehydrator: skipping %s region %#x-%#x\n", diag.Tag(reg.Kind.String()), reg.Start, reg.End)
			continue
		}
		if tag == image.TagRegionVdso && opts.VDSOTeleport {
			// Capture the vDSO's own bytes and replay it as an ordinary
			// anonymous region instead of re-aliasing the restoring
			// kernel's vDSO. Unreliable across kernel builds (the
			// teleported code wasn't actually installed by this host's
			// kernel) but occasionally the only way to restore to a
			// vDSO-incompatible host.
			tag = image.TagRegionAnon
		}

		rec := image.RegionRecord{
			Tag:   tag,
			Start: uint64(reg.Start),
			End:   uint64(reg.End),
			Prot: image.Protection{
				Read:   reg.Perms.Read,
				Write:  reg.Perms.Write,
				Exec:   reg.Perms.Exec,
				Shared: reg.Perms.Shared,
			},
		}
		if tag == image.TagRegionFile {
			rec.Path = reg.Path
			rec.Offset = reg.Offset
		}
		if tag != image.TagRegionVdso {
			payload := make([]byte, reg.Size())
			if err := tr.ReadMemory(reg.Start, payload); err != nil {
				return fmt.Errorf("rehydrator: reading region %#x-%#x: %w", reg.Start, reg.End, err)
			}
			rec.Payload = payload
		}
		records = append(records, rec)
	}

	image.SortRegions(records)
	for _, rec := range records {
		if err := enc.EncodeRegion(rec); err != nil {
			return err
		}
	}

	fds, err := scanFdEntries(pid)
	if err != nil {
		diag.Printf(1, "rehydrator: scanning file descriptors: %v\n", err)
	}
	for _, fd := range fds {
		if err := enc.EncodeFdEntry(fd); err != nil {
			return err
		}
	}

	return enc.Close()
}

// regionTagFor maps a mapenum.Kind to its wire-format region tag.
// Vvar and Vsyscall are intentionally excluded and skipped entirely
// since the restoring kernel reinstalls them itself.
func regionTagFor(k mapenum.Kind) (image.Tag, bool) {
	switch k {
	case mapenum.Anonymous:
		return image.TagRegionAnon, true
	case mapenum.FileBacked:
		return image.TagRegionFile, true
	case mapenum.Stack:
		return image.TagRegionStack, true
	case mapenum.Heap:
		return image.TagRegionHeap, true
	case mapenum.Vdso:
		return image.TagRegionVdso, true
	case mapenum.SharedAnon:
		return image.TagRegionSharedAnon, true
	default:
		return 0, false
	}
}

// heapEnd returns the end address of the [heap] mapping, which on
// Linux is the process's current program break rounded up to a page
// boundary. The original
// telefork tool instead called sbrk(0) in its own process — harmless
// for its self-fork use case, but wrong for a dump of an unrelated
// target pid, which is why the Rehydrator derives it from the
// enumerated maps instead.
func heapEnd(regions []mapenum.MemoryRegion) uintptr {
	for _, r := range regions {
		if r.Kind == mapenum.Heap {
			return r.End
		}
	}
	return 0
}

//go:build linux && amd64

package rehydrator

import (
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/chronogo/internal/diag"
	"github.com/willibrandon/chronogo/pkg/image"
	"github.com/willibrandon/chronogo/pkg/injector"
	"github.com/willibrandon/chronogo/pkg/mapenum"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

// Restore reads an image from r, spawns a donor process, and rebuilds
// the captured address space and registers inside it. On success it
// returns the donor's *exec.Cmd, already detached and resumed as the
// captured process; the caller is expected to Wait() on it to surface
// its eventual exit code.
func (r *Rehydrator) Restore(rd io.Reader, opts RestoreOptions) (*exec.Cmd, error) {
	hdr, regions, fds, err := DecodeImage(rd, opts.Compress)
	if err != nil {
		return nil, err
	}

	cmd, tr, err := spawnDonor(opts.DonorProgram, opts.DonorArgs)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = tr.Detach()
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}()

	if err := r.RestoreInto(tr, hdr, regions, fds); err != nil {
		return nil, err
	}

	if err := tr.Detach(); err != nil {
		return nil, err
	}
	ok = true
	return cmd, nil
}

// DecodeImage reads an image's header, region records, and file
// descriptor entries to completion and checks the region-ordering
// invariant. It is shared by Restore and pkg/telefork's Telepad, both
// of which need the full decoded image before they have a traced
// process ready to rebuild from it.
func DecodeImage(rd io.Reader, compress bool) (image.Header, []image.RegionRecord, []image.FdEntry, error) {
	dec, err := image.NewDecoder(rd, compress)
	if err != nil {
		return image.Header{}, nil, nil, err
	}
	defer dec.Close()

	hdr, err := dec.DecodeHeader()
	if err != nil {
		return image.Header{}, nil, nil, err
	}

	var regions []image.RegionRecord
	var fds []image.FdEntry
	for {
		rec, err := dec.Next()
		if err != nil {
			return image.Header{}, nil, nil, err
		}
		if rec == nil {
			break
		}
		if rec.Region != nil {
			regions = append(regions, *rec.Region)
		}
		if rec.FdEntry != nil {
			fds = append(fds, *rec.FdEntry)
		}
	}
	if !image.RegionsOrdered(regions) {
		return image.Header{}, nil, nil, fmt.Errorf("rehydrator: image region records are not strictly ordered by start address")
	}
	return hdr, regions, fds, nil
}

// RestoreInto hollows out tr's address space and rebuilds it from the
// decoded image pieces, finishing by installing hdr.Regs. It leaves
// tr attached and stopped — Restore detaches it immediately after;
// Telepad sets hdr.Regs.Rax to the value it wants the reawakened
// raise(SIGSTOP) to return before calling RestoreInto, then detaches.
func (r *Rehydrator) RestoreInto(tr *tracer.Tracer, hdr image.Header, regions []image.RegionRecord, fds []image.FdEntry) error {
	donorPid := tr.Pid()
	r.enum.Invalidate(donorPid)
	donorRegions, err := r.enum.Enumerate(donorPid)
	if err != nil {
		return err
	}
	donorVdso := findVdso(donorRegions)
	if donorVdso == nil {
		return fmt.Errorf("rehydrator: donor has no [vdso] mapping")
	}

	in, err := injector.New(tr, r.enum)
	if err != nil {
		return err
	}

	// If the image was captured with VDSOTeleport, the vDSO was
	// recorded as an ordinary anonymous region and there is no
	// TagRegionVdso record here at all — it gets planted back at its
	// recorded address by the normal per-region loop below, via
	// MAP_FIXED, which silently displaces whatever the donor's kernel
	// installed there.
	targetVdso := findVdsoRecord(regions)
	if targetVdso != nil && uintptr(targetVdso.Start) != donorVdso.Start {
		diag.Printf(2, "rehydrator: remapping %s %#x -> %#x\n", diag.Tag("vdso"), donorVdso.Start, targetVdso.Start)
		if err := in.Mremap(donorVdso.Start, donorVdso.Size(), uintptr(targetVdso.Start)); err != nil {
			return err
		}
		if err := in.Relocate(tr, uintptr(targetVdso.Start), donorVdso.Size()); err != nil {
			return err
		}
		r.enum.Invalidate(donorPid)
	}

	donorRegions, err = r.enum.Enumerate(donorPid)
	if err != nil {
		return err
	}
	for _, dr := range donorRegions {
		if dr.Kind == mapenum.Vdso || dr.Kind == mapenum.Vvar || dr.Kind == mapenum.Vsyscall {
			continue
		}
		if err := in.Munmap(dr.Start, dr.Size()); err != nil {
			return fmt.Errorf("rehydrator: clearing donor region %#x-%#x: %w", dr.Start, dr.End, err)
		}
	}
	r.enum.Invalidate(donorPid)

	for _, rec := range regions {
		if rec.Tag == image.TagRegionVdso {
			continue
		}
		length := uintptr(rec.End - rec.Start)
		addr, err := in.MmapAnon(uintptr(rec.Start), length, unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return fmt.Errorf("rehydrator: mapping region %#x-%#x: %w", rec.Start, rec.End, err)
		}
		if len(rec.Payload) > 0 {
			if err := tr.WriteMemory(addr, rec.Payload); err != nil {
				return fmt.Errorf("rehydrator: writing region %#x-%#x payload: %w", rec.Start, rec.End, err)
			}
		}
	}

	for _, rec := range regions {
		if rec.Tag == image.TagRegionVdso {
			continue
		}
		prot := protFlags(rec.Prot)
		if prot == unix.PROT_READ|unix.PROT_WRITE {
			continue
		}
		if err := in.Mprotect(uintptr(rec.Start), uintptr(rec.End-rec.Start), prot); err != nil {
			return fmt.Errorf("rehydrator: protecting region %#x-%#x: %w", rec.Start, rec.End, err)
		}
	}

	for _, fd := range fds {
		if err := restoreFdEntry(in, fd); err != nil {
			return err
		}
	}

	if hdr.BrkAddr != 0 {
		if err := in.RestoreBrk(uintptr(hdr.BrkAddr)); err != nil {
			diag.Warnf("brk restoration failed (known-unreliable on some kernels): %v", err)
		}
	}

	if err := tr.SetRegs(hdr.Regs); err != nil {
		return fmt.Errorf("rehydrator: installing registers: %w", err)
	}
	return nil
}

func findVdso(regions []mapenum.MemoryRegion) *mapenum.MemoryRegion {
	for i := range regions {
		if regions[i].Kind == mapenum.Vdso {
			return &regions[i]
		}
	}
	return nil
}

func findVdsoRecord(regions []image.RegionRecord) *image.RegionRecord {
	for i := range regions {
		if regions[i].Tag == image.TagRegionVdso {
			return &regions[i]
		}
	}
	return nil
}

func protFlags(p image.Protection) int {
	var prot int
	if p.Read {
		prot |= unix.PROT_READ
	}
	if p.Write {
		prot |= unix.PROT_WRITE
	}
	if p.Exec {
		prot |= unix.PROT_EXEC
	}
	return prot
}

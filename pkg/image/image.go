// Package image implements ChronoGo's snapshot wire format: a framed
// sequence of typed records describing a captured process's memory
// regions, registers, and minimal resource set.
package image

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/willibrandon/chronogo/pkg/tracer"
)

// Magic identifies the ChronoGo image format.
const Magic uint32 = 0x43484b49 // "IKHC" little-endian for "CHKI"

// Version is the current format version. A mismatch is a hard error
// on decode.
const Version uint32 = 1

// Tag identifies a record's type in the framed stream.
type Tag byte

const (
	TagHeader Tag = iota + 1
	TagRegionAnon
	TagRegionFile
	TagRegionVdso
	TagRegionStack
	TagRegionHeap
	TagRegionSharedAnon
	TagFdEntry
	TagEnd
)

func (t Tag) String() string {
	switch t {
	case TagHeader:
		return "Header"
	case TagRegionAnon:
		return "RegionAnon"
	case TagRegionFile:
		return "RegionFile"
	case TagRegionVdso:
		return "RegionVdso"
	case TagRegionStack:
		return "RegionStack"
	case TagRegionHeap:
		return "RegionHeap"
	case TagRegionSharedAnon:
		return "RegionSharedAnon"
	case TagFdEntry:
		return "FdEntry"
	case TagEnd:
		return "End"
	default:
		return fmt.Sprintf("Tag(%d)", t)
	}
}

// Protection mirrors MemoryRegion's protection bits on the wire.
type Protection struct {
	Read, Write, Exec, Shared bool
}

func (p Protection) pack() byte {
	var b byte
	if p.Read {
		b |= 1 << 0
	}
	if p.Write {
		b |= 1 << 1
	}
	if p.Exec {
		b |= 1 << 2
	}
	if p.Shared {
		b |= 1 << 3
	}
	return b
}

func unpackProtection(b byte) Protection {
	return Protection{
		Read:   b&(1<<0) != 0,
		Write:  b&(1<<1) != 0,
		Exec:   b&(1<<2) != 0,
		Shared: b&(1<<3) != 0,
	}
}

// Header is the image's first record: format identity plus the
// captured register set and the process-state fields the original
// telefork tool tracked outside of memory and registers.
type Header struct {
	ArchTag uint16 // 1 == x86-64; reserved for future architectures
	Regs    tracer.RegisterSet
	BrkAddr uint64
}

// RegionRecord is a region header plus its payload (payload is nil
// for RegionVdso, which carries the address range and protection
// only).
type RegionRecord struct {
	Tag        Tag
	Start, End uint64
	Prot       Protection
	Path       string // set only for RegionFile
	Offset     uint64 // set only for RegionFile
	Payload    []byte
}

// FdEntry is a minimal file-descriptor resource record.
type FdEntry struct {
	Fd     uint32
	Path   string
	Offset uint64
}

// ArchAMD64 is the only ArchTag value current Rehydrators produce.
const ArchAMD64 uint16 = 1

// SortRegions orders regions by start address, the invariant the
// decoder and rehydrator rely on to reinstate regions in a
// deterministic, non-overlapping sequence.
func SortRegions(regions []RegionRecord) {
	slices.SortFunc(regions, func(a, b RegionRecord) bool {
		return a.Start < b.Start
	})
}

// RegionsOrdered reports whether regions is already sorted by start
// address, with no overlaps.
func RegionsOrdered(regions []RegionRecord) bool {
	for i := 1; i < len(regions); i++ {
		if regions[i].Start < regions[i-1].End {
			return false
		}
	}
	return true
}

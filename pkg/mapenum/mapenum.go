// Package mapenum reads and classifies a target process's virtual
// memory layout from /proc/<pid>/maps.
package mapenum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
)

// Kind classifies a MemoryRegion into a region kind.
type Kind int

const (
	Anonymous Kind = iota
	FileBacked
	Stack
	Heap
	Vdso
	Vvar
	Vsyscall
	SharedAnon
	Special
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "Anonymous"
	case FileBacked:
		return "FileBacked"
	case Stack:
		return "Stack"
	case Heap:
		return "Heap"
	case Vdso:
		return "Vdso"
	case Vvar:
		return "Vvar"
	case Vsyscall:
		return "Vsyscall"
	case SharedAnon:
		return "SharedAnon"
	default:
		return "Special"
	}
}

// Perms is the region's protection bits as read from /proc/<pid>/maps.
type Perms struct {
	Read, Write, Exec, Shared bool
}

// MemoryRegion is a contiguous, page-aligned range of the target's
// address space. It exists only transiently — it is
// never persisted as an object, only as the image codec's records.
type MemoryRegion struct {
	Start, End uintptr
	Perms      Perms
	Kind       Kind
	Path       string // set for FileBacked regions
	Offset     uint64 // file offset, for FileBacked regions
}

// Size returns end-start in bytes.
func (m MemoryRegion) Size() uintptr { return m.End - m.Start }

// Enumerator reads and classifies a process's maps, caching the most
// recent parse per pid so repeated enumeration during one restore
// (vDSO probe, injector bootstrap, listing before clearing) doesn't re-read
// and re-parse /proc/<pid>/maps each time.
type Enumerator struct {
	cache *lru.Cache
}

// NewEnumerator creates an Enumerator with a small per-pid cache.
func NewEnumerator() *Enumerator {
	c, _ := lru.New(32)
	return &Enumerator{cache: c}
}

// Enumerate returns the ordered region list for pid, from cache if
// present. Callers that mutate the target's mappings (the Rehydrator,
// via the Injector) must call Invalidate(pid) afterward.
func (e *Enumerator) Enumerate(pid int) ([]MemoryRegion, error) {
	if v, ok := e.cache.Get(pid); ok {
		return v.([]MemoryRegion), nil
	}
	regions, err := parseMaps(pid)
	if err != nil {
		return nil, err
	}
	e.cache.Add(pid, regions)
	return regions, nil
}

// Invalidate drops any cached parse for pid, forcing the next
// Enumerate call to re-read /proc/<pid>/maps.
func (e *Enumerator) Invalidate(pid int) {
	e.cache.Remove(pid)
}

func parseMaps(pid int) ([]MemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapenum: open %s: %w", path, err)
	}
	defer f.Close()
	return parseMapsReader(f)
}

// parseMapsReader parses the contents of a /proc/<pid>/maps-shaped
// stream. Split out from parseMaps so tests can exercise the parsing
// and classification logic without a real /proc filesystem.
func parseMapsReader(r io.Reader) ([]MemoryRegion, error) {
	var regions []MemoryRegion
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		region, ok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", chronoerr.ErrMapParse, lineNo, err)
		}
		if !ok {
			continue
		}
		regions = append(regions, region)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mapenum: reading maps: %w", err)
	}
	return regions, nil
}

// parseLine parses one /proc/<pid>/maps line:
//
//	start-end perms offset dev inode pathname
func parseLine(line string) (MemoryRegion, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MemoryRegion{}, false, fmt.Errorf("expected at least 5 fields, got %d: %q", len(fields), line)
	}

	addrParts := strings.SplitN(fields[0], "-", 2)
	if len(addrParts) != 2 {
		return MemoryRegion{}, false, fmt.Errorf("malformed address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(addrParts[0], 16, 64)
	if err != nil {
		return MemoryRegion{}, false, fmt.Errorf("malformed start address: %w", err)
	}
	end, err := strconv.ParseUint(addrParts[1], 16, 64)
	if err != nil {
		return MemoryRegion{}, false, fmt.Errorf("malformed end address: %w", err)
	}

	permStr := fields[1]
	if len(permStr) < 4 {
		return MemoryRegion{}, false, fmt.Errorf("malformed perms: %q", permStr)
	}
	perms := Perms{
		Read:   permStr[0] == 'r',
		Write:  permStr[1] == 'w',
		Exec:   permStr[2] == 'x',
		Shared: permStr[3] == 's',
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return MemoryRegion{}, false, fmt.Errorf("malformed offset: %w", err)
	}

	var path string
	if len(fields) >= 6 {
		path = fields[5]
	}

	region := MemoryRegion{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  perms,
		Offset: offset,
	}
	region.Kind, region.Path = classify(path, perms)
	return region, true, nil
}

// classify implements the ordered classification rules.
func classify(path string, perms Perms) (Kind, string) {
	switch path {
	case "[vdso]":
		return Vdso, ""
	case "[vvar]":
		return Vvar, ""
	case "[vsyscall]":
		return Vsyscall, ""
	case "[stack]":
		return Stack, ""
	case "[heap]":
		return Heap, ""
	}
	if path != "" && path[0] != '[' {
		return FileBacked, path
	}
	if perms.Shared {
		return SharedAnon, ""
	}
	return Anonymous, ""
}

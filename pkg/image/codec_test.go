package image

import (
	"bytes"
	"errors"
	"testing"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
	"github.com/willibrandon/chronogo/pkg/tracer"
)

func sampleHeader() Header {
	return Header{
		ArchTag: ArchAMD64,
		Regs: tracer.RegisterSet{
			Rip: 0x00007ffff7a00000,
			Rsp: 0x00007ffffffde000,
			Rax: 42,
		},
		BrkAddr: 0x0000555555560000,
	}
}

func TestRoundTripHeaderAndRegions(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, false)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	hdr := sampleHeader()
	if err := enc.EncodeHeader(hdr); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	heapPayload := bytes.Repeat([]byte{0xAB}, 0x1000)
	if err := enc.EncodeRegion(RegionRecord{
		Tag:     TagRegionHeap,
		Start:   0x1000,
		End:     0x2000,
		Prot:    Protection{Read: true, Write: true},
		Payload: heapPayload,
	}); err != nil {
		t.Fatalf("EncodeRegion heap: %v", err)
	}

	filePayload := bytes.Repeat([]byte{0xCD}, 0x1000)
	if err := enc.EncodeRegion(RegionRecord{
		Tag:     TagRegionFile,
		Start:   0x400000,
		End:     0x401000,
		Prot:    Protection{Read: true, Exec: true},
		Path:    "/usr/bin/sleep",
		Offset:  0,
		Payload: filePayload,
	}); err != nil {
		t.Fatalf("EncodeRegion file: %v", err)
	}

	if err := enc.EncodeRegion(RegionRecord{
		Tag:   TagRegionVdso,
		Start: 0x7ffff7fce000,
		End:   0x7ffff7fd0000,
		Prot:  Protection{Read: true, Exec: true},
	}); err != nil {
		t.Fatalf("EncodeRegion vdso: %v", err)
	}

	if err := enc.EncodeFdEntry(FdEntry{Fd: 3, Path: "/tmp/output.log", Offset: 128}); err != nil {
		t.Fatalf("EncodeFdEntry: %v", err)
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dec, err := NewDecoder(bytes.NewReader(buf.Bytes()), false)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Close()

	gotHdr, err := dec.DecodeHeader()
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if gotHdr != hdr {
		t.Fatalf("header mismatch:\nwant %+v\ngot  %+v", hdr, gotHdr)
	}

	var regions []RegionRecord
	var fds []FdEntry
	for {
		rec, err := dec.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
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

	if len(regions) != 3 {
		t.Fatalf("expected 3 regions, got %d", len(regions))
	}
	if !bytes.Equal(regions[0].Payload, heapPayload) {
		t.Error("heap payload mismatch")
	}
	if regions[1].Path != "/usr/bin/sleep" {
		t.Errorf("expected file path, got %q", regions[1].Path)
	}
	if !bytes.Equal(regions[1].Payload, filePayload) {
		t.Error("file payload mismatch")
	}
	if regions[2].Tag != TagRegionVdso || regions[2].Payload != nil {
		t.Errorf("expected vdso region with no payload, got %+v", regions[2])
	}
	if !RegionsOrdered(regions) {
		t.Error("expected regions to be in start-address order")
	}

	if len(fds) != 1 || fds[0].Path != "/tmp/output.log" || fds[0].Offset != 128 {
		t.Fatalf("unexpected fd entries: %+v", fds)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, true)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	hdr := sampleHeader()
	if err := enc.EncodeHeader(hdr); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dec, err := NewDecoder(bytes.NewReader(buf.Bytes()), true)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Close()

	gotHdr, err := dec.DecodeHeader()
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if gotHdr != hdr {
		t.Fatal("header mismatch after compressed round trip")
	}
	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected End immediately after header, got %+v", rec)
	}
}

func TestDecodeRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, false)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.EncodeHeader(sampleHeader()); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := enc.EncodeRegion(RegionRecord{
		Tag:     TagRegionHeap,
		Start:   0,
		End:     0x1000,
		Payload: make([]byte, 0x1000),
	}); err != nil {
		t.Fatalf("EncodeRegion: %v", err)
	}
	// Deliberately omit Close (no End record) and chop the last few bytes.
	truncated := buf.Bytes()[:buf.Len()-10]

	dec, err := NewDecoder(bytes.NewReader(truncated), false)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Close()

	if _, err := dec.DecodeHeader(); err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	_, err = dec.Next()
	if !errors.Is(err, chronoerr.ErrImageTruncated) {
		t.Fatalf("expected ErrImageTruncated, got %v", err)
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, false)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.EncodeHeader(sampleHeader()); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := enc.writeFrame(Tag(0xEE), []byte("bogus")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dec, err := NewDecoder(bytes.NewReader(buf.Bytes()), false)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Close()
	if _, err := dec.DecodeHeader(); err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	_, err = dec.Next()
	if !errors.Is(err, chronoerr.ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, false)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.EncodeHeader(sampleHeader()); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	corrupted := buf.Bytes()
	// Header frame layout: [tag(1) len(4)] [magic(4) version(4) ...];
	// flip the version field to something this decoder doesn't support.
	corrupted[5+4] = 0xFF

	dec, err := NewDecoder(bytes.NewReader(corrupted), false)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer dec.Close()
	_, err = dec.DecodeHeader()
	if !errors.Is(err, chronoerr.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEncodeRegionRejectsPayloadLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, false)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	err = enc.EncodeRegion(RegionRecord{
		Tag:     TagRegionAnon,
		Start:   0,
		End:     0x1000,
		Payload: make([]byte, 10),
	})
	if err == nil {
		t.Fatal("expected an error for mismatched payload length")
	}
}

package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/willibrandon/chronogo/pkg/chronoerr"
)

// Encoder writes a framed sequence of records to an underlying writer,
// optionally through a zstd compressor.
type Encoder struct {
	raw io.Writer
	zw  *zstd.Encoder
	w   io.Writer
	err error
}

// NewEncoder wraps w. When compress is true, all frames are written
// through a zstd stream; Close must be called to flush it.
func NewEncoder(w io.Writer, compress bool) (*Encoder, error) {
	e := &Encoder{raw: w, w: w}
	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("image: creating compressor: %w", err)
		}
		e.zw = zw
		e.w = zw
	}
	return e, nil
}

// Close flushes and closes the compressor, if any, and emits the
// terminating End record.
func (e *Encoder) Close() error {
	if e.err != nil {
		return e.err
	}
	if err := e.writeFrame(TagEnd, nil); err != nil {
		return err
	}
	if e.zw != nil {
		return e.zw.Close()
	}
	return nil
}

func (e *Encoder) writeFrame(tag Tag, payload []byte) error {
	if e.err != nil {
		return e.err
	}
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := e.w.Write(hdr[:]); err != nil {
		e.err = err
		return err
	}
	if len(payload) > 0 {
		if _, err := e.w.Write(payload); err != nil {
			e.err = err
			return err
		}
	}
	return nil
}

// EncodeHeader writes the image's Header record. Must be called
// exactly once, before any region or fd record.
func (e *Encoder) EncodeHeader(h Header) error {
	regsBytes, err := h.Regs.MarshalBinary()
	if err != nil {
		return fmt.Errorf("image: marshaling registers: %w", err)
	}
	payload := make([]byte, 0, 4+2+len(regsBytes)+8)
	var magicVer [8]byte
	binary.LittleEndian.PutUint32(magicVer[0:4], Magic)
	binary.LittleEndian.PutUint32(magicVer[4:8], Version)
	payload = append(payload, magicVer[:]...)
	var archTag [2]byte
	binary.LittleEndian.PutUint16(archTag[:], h.ArchTag)
	payload = append(payload, archTag[:]...)
	payload = append(payload, regsBytes...)
	var brk [8]byte
	binary.LittleEndian.PutUint64(brk[:], h.BrkAddr)
	payload = append(payload, brk[:]...)
	return e.writeFrame(TagHeader, payload)
}

// regionTag maps a RegionRecord's Tag field to itself; kept as a
// function so callers can't accidentally pass TagHeader/TagFdEntry/TagEnd.
func regionTag(r RegionRecord) (Tag, error) {
	switch r.Tag {
	case TagRegionAnon, TagRegionFile, TagRegionVdso, TagRegionStack, TagRegionHeap, TagRegionSharedAnon:
		return r.Tag, nil
	default:
		return 0, fmt.Errorf("image: %q is not a region tag", r.Tag)
	}
}

// EncodeRegion writes one memory region record. A RegionVdso record
// carries only the address range and protection —
// its Payload is ignored even if callers populate it, since the
// rehydrator always relocates the vDSO rather than replaying bytes.
func (e *Encoder) EncodeRegion(r RegionRecord) error {
	tag, err := regionTag(r)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 8+8+1+8+8+len(r.Path)+len(r.Payload))
	var addrs [17]byte
	binary.LittleEndian.PutUint64(addrs[0:8], r.Start)
	binary.LittleEndian.PutUint64(addrs[8:16], r.End)
	addrs[16] = r.Prot.pack()
	payload = append(payload, addrs[:]...)

	if tag == TagRegionFile {
		var pathLen [4]byte
		binary.LittleEndian.PutUint32(pathLen[:], uint32(len(r.Path)))
		payload = append(payload, pathLen[:]...)
		payload = append(payload, r.Path...)
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], r.Offset)
		payload = append(payload, off[:]...)
	}

	if tag != TagRegionVdso {
		want := r.End - r.Start
		if uint64(len(r.Payload)) != want {
			return fmt.Errorf("image: region payload length %d does not match range size %d", len(r.Payload), want)
		}
		payload = append(payload, r.Payload...)
	}

	return e.writeFrame(tag, payload)
}

// EncodeFdEntry writes one minimal file-descriptor record.
func (e *Encoder) EncodeFdEntry(fd FdEntry) error {
	payload := make([]byte, 0, 4+4+len(fd.Path)+8)
	var fdNum [4]byte
	binary.LittleEndian.PutUint32(fdNum[:], fd.Fd)
	payload = append(payload, fdNum[:]...)
	var pathLen [4]byte
	binary.LittleEndian.PutUint32(pathLen[:], uint32(len(fd.Path)))
	payload = append(payload, pathLen[:]...)
	payload = append(payload, fd.Path...)
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], fd.Offset)
	payload = append(payload, off[:]...)
	return e.writeFrame(TagFdEntry, payload)
}

// Decoder reads a framed record stream written by Encoder.
type Decoder struct {
	raw io.Reader
	zr  *zstd.Decoder
	r   io.Reader
	end bool
}

// NewDecoder wraps r. When compress is true, r is read through a zstd
// decompressor.
func NewDecoder(r io.Reader, compress bool) (*Decoder, error) {
	d := &Decoder{raw: r, r: r}
	if compress {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("image: creating decompressor: %w", err)
		}
		d.zr = zr
		d.r = zr
	}
	return d, nil
}

// Close releases the decompressor, if any.
func (d *Decoder) Close() {
	if d.zr != nil {
		d.zr.Close()
	}
}

// next reads one frame, returning its tag and payload. A truncated
// frame (EOF mid-header or mid-payload) is reported as
// chronoerr.ErrImageTruncated.
func (d *Decoder) next() (Tag, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, fmt.Errorf("%w: missing End record", chronoerr.ErrImageTruncated)
		}
		return 0, nil, fmt.Errorf("%w: reading frame header: %v", chronoerr.ErrImageTruncated, err)
	}
	tag := Tag(hdr[0])
	length := binary.LittleEndian.Uint32(hdr[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return 0, nil, fmt.Errorf("%w: reading payload for %s: %v", chronoerr.ErrImageTruncated, tag, err)
		}
	}
	return tag, payload, nil
}

// DecodeHeader reads and validates the image's Header record. It must
// be called first, before any call to Next.
func (d *Decoder) DecodeHeader() (Header, error) {
	tag, payload, err := d.next()
	if err != nil {
		return Header{}, err
	}
	if tag != TagHeader {
		return Header{}, fmt.Errorf("%w: expected Header, got %s", chronoerr.ErrUnknownRecord, tag)
	}
	if len(payload) < 8+2+8 {
		return Header{}, fmt.Errorf("%w: Header record too short", chronoerr.ErrImageTruncated)
	}
	magic := binary.LittleEndian.Uint32(payload[0:4])
	version := binary.LittleEndian.Uint32(payload[4:8])
	if magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", chronoerr.ErrVersionMismatch, magic)
	}
	if version != Version {
		return Header{}, fmt.Errorf("%w: image version %d, decoder supports %d", chronoerr.ErrVersionMismatch, version, Version)
	}

	h := Header{ArchTag: binary.LittleEndian.Uint16(payload[8:10])}
	regsBytes := payload[10 : len(payload)-8]
	if err := h.Regs.UnmarshalBinary(regsBytes); err != nil {
		return Header{}, fmt.Errorf("image: unmarshaling registers: %w", err)
	}
	h.BrkAddr = binary.LittleEndian.Uint64(payload[len(payload)-8:])
	return h, nil
}

// Record is one decoded region or fd record, tagged by which of its
// fields is populated.
type Record struct {
	Region  *RegionRecord
	FdEntry *FdEntry
}

// Next reads the next record after the Header. It returns (nil, nil)
// once the End record has been consumed; callers should stop looping
// at that point. An unrecognized tag is reported as
// chronoerr.ErrUnknownRecord.
func (d *Decoder) Next() (*Record, error) {
	if d.end {
		return nil, nil
	}
	tag, payload, err := d.next()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagEnd:
		d.end = true
		return nil, nil
	case TagRegionAnon, TagRegionFile, TagRegionVdso, TagRegionStack, TagRegionHeap, TagRegionSharedAnon:
		r, err := decodeRegion(tag, payload)
		if err != nil {
			return nil, err
		}
		return &Record{Region: r}, nil
	case TagFdEntry:
		f, err := decodeFdEntry(payload)
		if err != nil {
			return nil, err
		}
		return &Record{FdEntry: f}, nil
	case TagHeader:
		return nil, fmt.Errorf("%w: unexpected second Header record", chronoerr.ErrUnknownRecord)
	default:
		return nil, chronoerr.UnknownRecordTag(byte(tag))
	}
}

func decodeRegion(tag Tag, payload []byte) (*RegionRecord, error) {
	if len(payload) < 17 {
		return nil, fmt.Errorf("%w: region record too short", chronoerr.ErrImageTruncated)
	}
	r := &RegionRecord{
		Tag:   tag,
		Start: binary.LittleEndian.Uint64(payload[0:8]),
		End:   binary.LittleEndian.Uint64(payload[8:16]),
		Prot:  unpackProtection(payload[16]),
	}
	rest := payload[17:]

	if tag == TagRegionFile {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: file region missing path length", chronoerr.ErrImageTruncated)
		}
		pathLen := binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < pathLen+8 {
			return nil, fmt.Errorf("%w: file region path/offset truncated", chronoerr.ErrImageTruncated)
		}
		r.Path = string(rest[:pathLen])
		rest = rest[pathLen:]
		r.Offset = binary.LittleEndian.Uint64(rest[0:8])
		rest = rest[8:]
	}

	if tag != TagRegionVdso {
		want := r.End - r.Start
		if uint64(len(rest)) != want {
			return nil, fmt.Errorf("%w: region payload length %d does not match range size %d", chronoerr.ErrImageTruncated, len(rest), want)
		}
		r.Payload = rest
	}
	return r, nil
}

func decodeFdEntry(payload []byte) (*FdEntry, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: fd entry too short", chronoerr.ErrImageTruncated)
	}
	fd := &FdEntry{Fd: binary.LittleEndian.Uint32(payload[0:4])}
	pathLen := binary.LittleEndian.Uint32(payload[4:8])
	rest := payload[8:]
	if uint32(len(rest)) < pathLen+8 {
		return nil, fmt.Errorf("%w: fd entry path/offset truncated", chronoerr.ErrImageTruncated)
	}
	fd.Path = string(rest[:pathLen])
	rest = rest[pathLen:]
	fd.Offset = binary.LittleEndian.Uint64(rest[0:8])
	return fd, nil
}

package tracer

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes the register set as NumFields little-endian
// uint64 words in the fixed wire order; all integer fields are
// little-endian.
func (r *RegisterSet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, NumFields*8)
	for i, f := range r.fields() {
		binary.LittleEndian.PutUint64(buf[i*8:], *f)
	}
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *RegisterSet) UnmarshalBinary(data []byte) error {
	if len(data) < NumFields*8 {
		return fmt.Errorf("tracer: short register buffer: got %d bytes, want %d", len(data), NumFields*8)
	}
	for i, f := range r.fields() {
		*f = binary.LittleEndian.Uint64(data[i*8:])
	}
	return nil
}

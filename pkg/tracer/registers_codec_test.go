package tracer

import "testing"

func TestRegisterSetRoundTrip(t *testing.T) {
	want := RegisterSet{
		Rax: 0x1111111111111111,
		Rdi: 0x2222222222222222,
		Rsi: 0x3333333333333333,
		Rip: 0x00007ffff7a00000,
		Rsp: 0x00007ffffffde000,
		FsBase: 0x00007f0000001000,
		GsBase: 0,
	}

	data, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != NumFields*8 {
		t.Fatalf("expected %d bytes, got %d", NumFields*8, len(data))
	}

	var got RegisterSet
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestRegisterSetUnmarshalShortBuffer(t *testing.T) {
	var rs RegisterSet
	if err := rs.UnmarshalBinary(make([]byte, 4)); err == nil {
		t.Fatal("expected error for short buffer, got nil")
	}
}

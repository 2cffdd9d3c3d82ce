package wire

import "testing"

func TestVarULongRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16383, 16384, 1 << 20, 1 << 40, ^uint64(0) >> 1, ^uint64(0)}
	for _, v := range values {
		buf := make([]byte, 16)
		written := EncodeVarULongBits(buf, 0, v)
		got, read, err := DecodeVarULongBits(buf, 0, written)
		if err != nil {
			t.Fatalf("v=%d: unexpected error: %v", v, err)
		}
		if got != v {
			t.Errorf("v=%d: got %d", v, got)
		}
		if read != written {
			t.Errorf("v=%d: read %d bits, wrote %d", v, read, written)
		}
	}
}

func TestVarULongEncodedLength(t *testing.T) {
	cases := []struct {
		v        uint64
		wantBits int
	}{
		{0, 8},
		{127, 8},
		{128, 16},
		{16383, 16},
		{16384, 24},
	}
	for _, c := range cases {
		buf := make([]byte, 16)
		got := EncodeVarULongBits(buf, 0, c.v)
		if got != c.wantBits {
			t.Errorf("v=%d: encoded %d bits, want %d", c.v, got, c.wantBits)
		}
	}
}

func TestDecodeVarULongNotEnoughBytes(t *testing.T) {
	buf := make([]byte, 16)
	EncodeVarULongBits(buf, 0, 16384) // 3 bytes
	if _, _, err := DecodeVarULongBits(buf, 0, 16); err != ErrNotEnoughBytes {
		t.Errorf("expected ErrNotEnoughBytes, got %v", err)
	}
}

func TestZigZagRoundTrip32(t *testing.T) {
	values := []int32{0, 1, -1, 2, -2, 1 << 20, -(1 << 20), 1<<31 - 1, -(1 << 30)}
	for _, v := range values {
		if got := ZigZagDecode32(ZigZagEncode32(v)); got != v {
			t.Errorf("v=%d: got %d", v, got)
		}
	}
}

func TestZigZagRoundTrip64(t *testing.T) {
	values := []int64{0, 1, -1, 1 << 40, -(1 << 40)}
	for _, v := range values {
		if got := ZigZagDecode64(ZigZagEncode64(v)); got != v {
			t.Errorf("v=%d: got %d", v, got)
		}
	}
}

func TestZigZagThroughVarULong(t *testing.T) {
	values := []int64{0, 1, -1, 12345, -12345, 1 << 40, -(1 << 40)}
	for _, v := range values {
		buf := make([]byte, 16)
		n := EncodeVarULongBits(buf, 0, ZigZagEncode64(v))
		u, _, err := DecodeVarULongBits(buf, 0, n)
		if err != nil {
			t.Fatalf("v=%d: %v", v, err)
		}
		if got := ZigZagDecode64(u); got != v {
			t.Errorf("v=%d: got %d", v, got)
		}
	}
}

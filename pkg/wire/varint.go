package wire

// VarULong is a 7-bit-group, little-endian variable-length encoding of an
// unsigned integer: the MSB of every byte except the last is set to
// signal continuation.

// varULongEncodedBits returns the number of bits (always a multiple of 8)
// that EncodeVarULongBits will need to write v.
func varULongEncodedBits(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n * 8
}

// EncodeVarULongBits writes v into buf at bitOffset as a VarULong and
// returns the number of bits written.
func EncodeVarULongBits(buf []byte, bitOffset int, v uint64) int {
	written := 0
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		SetBits(buf, bitOffset+written, 8, uint64(b))
		written += 8
		if v == 0 {
			break
		}
	}
	return written
}

// DecodeVarULongBits reads a VarULong from buf starting at bitOffset, never
// reading past availableBits bits from bitOffset. It returns the decoded
// value and the number of bits consumed.
func DecodeVarULongBits(buf []byte, bitOffset, availableBits int) (value uint64, bitsRead int, err error) {
	shift := uint(0)
	for {
		if bitsRead+8 > availableBits {
			return 0, 0, ErrNotEnoughBytes
		}
		b := byte(GetBits(buf, bitOffset+bitsRead, 8))
		bitsRead += 8
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, bitsRead, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, ErrArgumentOutOfRange
		}
	}
}

// ZigZagEncode32 maps a signed 32-bit integer onto the unsigned range so
// that small-magnitude values (positive or negative) encode to small
// VarULongs.
func ZigZagEncode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

// ZigZagDecode32 is the inverse of ZigZagEncode32.
func ZigZagDecode32(u uint32) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

// ZigZagEncode64 is the 64-bit counterpart of ZigZagEncode32.
func ZigZagEncode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

// ZigZagDecode64 is the inverse of ZigZagEncode64.
func ZigZagDecode64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

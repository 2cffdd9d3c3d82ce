package wire

import "math"

// Message is a fixed-capacity, bit-addressable payload buffer with
// separate read and write bit cursors. It is never shared by two
// concurrent holders: a producer acquires one from a Pool, writes it,
// hands it to a Connection to send, and the Connection releases it back
// to the pool once serialised.
type Message struct {
	buf      []byte
	capBits  int
	limitBit int // header bits + payload cap; writes must not pass this
	readBit  int
	writeBit int

	Kind     HeaderKind
	SeqID    uint16 // valid only when Kind's header carries a sequence id
	MsgID    uint64 // valid only when HasMsgID
	HasMsgID bool

	// NotifyLastRecvSeq/NotifyRecvBitsFirst8/NotifyThisSeq are the three
	// fields packed into a Notify header's 40-bit extension.
	NotifyLastRecvSeq    uint16
	NotifyRecvBitsFirst8 uint8
	NotifyThisSeq        uint16
}

// newMessage allocates a Message sized to the currently configured
// maximum payload plus header allowance.
func newMessage() *Message {
	capBytes := MaxPayloadSize() + MaxHeaderBytes
	return &Message{
		buf:      make([]byte, capBytes),
		capBits:  capBytes * 8,
		limitBit: capBytes * 8,
	}
}

func (m *Message) reset() {
	for i := range m.buf {
		m.buf[i] = 0
	}
	m.limitBit = m.capBits
	m.readBit = 0
	m.writeBit = 0
	m.Kind = 0
	m.SeqID = 0
	m.MsgID = 0
	m.HasMsgID = false
	m.NotifyLastRecvSeq = 0
	m.NotifyRecvBitsFirst8 = 0
	m.NotifyThisSeq = 0
}

// WriteHeader stamps the 4-bit kind tag and zeroes the kind's extension
// bits, positioning the write cursor immediately after them. Extension
// values (sequence id, notify field) are filled in later with
// PatchSeqID/PatchNotifyField once the sender knows them.
func (m *Message) WriteHeader(kind HeaderKind) {
	m.Kind = kind
	SetBits(m.buf, 0, 4, uint64(kind))
	m.writeBit = headerBits(kind)
	// Writes are capped at the configured payload size past the header;
	// the buffer itself is larger to hold inbound frames at the full
	// header allowance. A pooled buffer allocated under an older, larger
	// payload cap clamps to what it can actually hold.
	limit := headerBits(kind) + MaxPayloadSize()*8
	if limit > m.capBits {
		limit = m.capBits
	}
	m.limitBit = limit
}

// WriteMsgID appends the VarULong msg_id immediately after the header.
// Only meaningful for Kind.IsUserMessage().
func (m *Message) WriteMsgID(id uint64) error {
	if err := m.ensureCapacity(varULongEncodedBits(id)); err != nil {
		return err
	}
	m.writeBit += EncodeVarULongBits(m.buf, m.writeBit, id)
	m.MsgID = id
	m.HasMsgID = true
	return nil
}

// PatchSeqID overwrites the 16-bit sequence id extension of a
// reliable-class header (Reliable, Welcome, ClientConnected,
// ClientDisconnected) without moving the write cursor.
func (m *Message) PatchSeqID(seq uint16) {
	SetBits(m.buf, 4, 16, uint64(seq))
	m.SeqID = seq
}

// PatchNotifyField overwrites the 40-bit Notify extension:
// last_recv_seq(16) || recv_bitfield_first_8(8) || this_seq(16).
func (m *Message) PatchNotifyField(lastRecvSeq uint16, first8 uint8, thisSeq uint16) {
	v := uint64(lastRecvSeq) | uint64(first8)<<16 | uint64(thisSeq)<<24
	SetBits(m.buf, 4, 40, v)
	m.NotifyLastRecvSeq = lastRecvSeq
	m.NotifyRecvBitsFirst8 = first8
	m.NotifyThisSeq = thisSeq
}

// Bytes returns the serialised frame: every byte touched by the write
// cursor.
func (m *Message) Bytes() []byte {
	n := BitsToBytes(m.writeBit)
	return m.buf[:n]
}

// ReadBit / WriteBit expose the cursors for tests and the framing codec.
func (m *Message) ReadBit() int  { return m.readBit }
func (m *Message) WriteBit() int { return m.writeBit }

// CopyRemainingInto copies the bits from m's current read cursor to its
// write cursor into dst, appended at dst's current write cursor,
// without advancing m's own read cursor. Used to forward an inbound
// message's payload into an independently addressed outbound message
// (e.g. a server relay rebroadcasting one client's payload to others),
// where re-sending the caller's own Message would wrongly carry its
// sender-specific header.
func (m *Message) CopyRemainingInto(dst *Message) error {
	n := m.remainingReadBits()
	if err := dst.ensureCapacity(n); err != nil {
		return err
	}
	srcBit := m.readBit
	remaining := n
	for remaining > 0 {
		chunk := remaining
		if chunk > 64 {
			chunk = 64
		}
		v := GetBits(m.buf, srcBit, chunk)
		SetBits(dst.buf, dst.writeBit, chunk, v)
		srcBit += chunk
		dst.writeBit += chunk
		remaining -= chunk
	}
	return nil
}

func (m *Message) remainingWriteBits() int {
	return m.limitBit - m.writeBit
}

func (m *Message) remainingReadBits() int {
	return m.writeBit - m.readBit
}

func (m *Message) ensureCapacity(width int) error {
	if width > m.remainingWriteBits() {
		return ErrInsufficientCapacity
	}
	return nil
}

func (m *Message) ensureReadable(width int) error {
	if width > m.remainingReadBits() {
		return ErrNotEnoughBytes
	}
	return nil
}

func (m *Message) putUint(v uint64, width int) error {
	if err := m.ensureCapacity(width); err != nil {
		return err
	}
	SetBits(m.buf, m.writeBit, width, v)
	m.writeBit += width
	return nil
}

func (m *Message) getUint(width int) (uint64, error) {
	if err := m.ensureReadable(width); err != nil {
		return 0, err
	}
	v := GetBits(m.buf, m.readBit, width)
	m.readBit += width
	return v, nil
}

// PutBool writes a single bit.
func (m *Message) PutBool(v bool) error {
	var b uint64
	if v {
		b = 1
	}
	return m.putUint(b, 1)
}

// GetBool reads a single bit.
func (m *Message) GetBool() (bool, error) {
	v, err := m.getUint(1)
	return v != 0, err
}

func (m *Message) PutUint8(v uint8) error   { return m.putUint(uint64(v), 8) }
func (m *Message) PutUint16(v uint16) error { return m.putUint(uint64(v), 16) }
func (m *Message) PutUint32(v uint32) error { return m.putUint(uint64(v), 32) }
func (m *Message) PutUint64(v uint64) error { return m.putUint(v, 64) }

func (m *Message) PutInt8(v int8) error   { return m.putUint(uint64(uint8(v)), 8) }
func (m *Message) PutInt16(v int16) error { return m.putUint(uint64(uint16(v)), 16) }
func (m *Message) PutInt32(v int32) error { return m.putUint(uint64(uint32(v)), 32) }
func (m *Message) PutInt64(v int64) error { return m.putUint(uint64(v), 64) }

func (m *Message) PutFloat32(v float32) error { return m.putUint(uint64(math.Float32bits(v)), 32) }
func (m *Message) PutFloat64(v float64) error { return m.putUint(math.Float64bits(v), 64) }

func (m *Message) GetUint8() (uint8, error) {
	v, err := m.getUint(8)
	return uint8(v), err
}
func (m *Message) GetUint16() (uint16, error) {
	v, err := m.getUint(16)
	return uint16(v), err
}
func (m *Message) GetUint32() (uint32, error) {
	v, err := m.getUint(32)
	return uint32(v), err
}
func (m *Message) GetUint64() (uint64, error) {
	return m.getUint(64)
}

func (m *Message) GetInt8() (int8, error) {
	v, err := m.getUint(8)
	return int8(uint8(v)), err
}
func (m *Message) GetInt16() (int16, error) {
	v, err := m.getUint(16)
	return int16(uint16(v)), err
}
func (m *Message) GetInt32() (int32, error) {
	v, err := m.getUint(32)
	return int32(uint32(v)), err
}
func (m *Message) GetInt64() (int64, error) {
	v, err := m.getUint(64)
	return int64(v), err
}

func (m *Message) GetFloat32() (float32, error) {
	v, err := m.getUint(32)
	return math.Float32frombits(uint32(v)), err
}
func (m *Message) GetFloat64() (float64, error) {
	v, err := m.getUint(64)
	return math.Float64frombits(v), err
}

// PutVarULong writes v as a 7-bit-group VarULong.
func (m *Message) PutVarULong(v uint64) error {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		if err := m.putUint(uint64(b), 8); err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
	}
}

// GetVarULong reads a VarULong.
func (m *Message) GetVarULong() (uint64, error) {
	v, bits, err := DecodeVarULongBits(m.buf, m.readBit, m.remainingReadBits())
	if err != nil {
		return 0, err
	}
	m.readBit += bits
	return v, nil
}

// PutZigZag32 writes a signed 32-bit value as a ZigZag-encoded VarULong.
func (m *Message) PutZigZag32(v int32) error { return m.PutVarULong(uint64(ZigZagEncode32(v))) }

// GetZigZag32 is the inverse of PutZigZag32.
func (m *Message) GetZigZag32() (int32, error) {
	v, err := m.GetVarULong()
	if err != nil {
		return 0, err
	}
	return ZigZagDecode32(uint32(v)), nil
}

// PutZigZag64 writes a signed 64-bit value as a ZigZag-encoded VarULong.
func (m *Message) PutZigZag64(v int64) error { return m.PutVarULong(ZigZagEncode64(v)) }

// GetZigZag64 is the inverse of PutZigZag64.
func (m *Message) GetZigZag64() (int64, error) {
	v, err := m.GetVarULong()
	if err != nil {
		return 0, err
	}
	return ZigZagDecode64(v), nil
}

// PutString writes a UTF-8 string as a VarULong byte length followed by
// its raw bytes.
func (m *Message) PutString(s string) error {
	b := []byte(s)
	if err := m.PutVarULong(uint64(len(b))); err != nil {
		return err
	}
	for _, by := range b {
		if err := m.putUint(uint64(by), 8); err != nil {
			return err
		}
	}
	return nil
}

// GetString reads a UTF-8 string written by PutString.
func (m *Message) GetString() (string, error) {
	n, err := m.GetVarULong()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	for i := range b {
		v, err := m.getUint(8)
		if err != nil {
			return "", err
		}
		b[i] = byte(v)
	}
	return string(b), nil
}

// PutBytes writes a length-prefixed (VarULong) byte array.
func (m *Message) PutBytes(data []byte) error {
	if err := m.PutVarULong(uint64(len(data))); err != nil {
		return err
	}
	for _, b := range data {
		if err := m.putUint(uint64(b), 8); err != nil {
			return err
		}
	}
	return nil
}

// GetBytes reads a byte array written by PutBytes.
func (m *Message) GetBytes() ([]byte, error) {
	n, err := m.GetVarULong()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		v, err := m.getUint(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// PutUint32Array writes a homogeneous array of 32-bit values, optionally
// preceded by a VarULong length prefix.
func (m *Message) PutUint32Array(values []uint32, withLength bool) error {
	if withLength {
		if err := m.PutVarULong(uint64(len(values))); err != nil {
			return err
		}
	}
	for _, v := range values {
		if err := m.putUint(uint64(v), 32); err != nil {
			return err
		}
	}
	return nil
}

// GetUint32Array reads an array written by PutUint32Array. If the array
// was written without a length prefix, n must be supplied by the caller
// (withLength=false, n>=0); otherwise pass n<0 to read the prefix.
func (m *Message) GetUint32Array(n int) ([]uint32, error) {
	if n < 0 {
		v, err := m.GetVarULong()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := m.getUint(32)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// PutFloat32Array writes a homogeneous array of 32-bit floats, optionally
// preceded by a VarULong length prefix.
func (m *Message) PutFloat32Array(values []float32, withLength bool) error {
	if withLength {
		if err := m.PutVarULong(uint64(len(values))); err != nil {
			return err
		}
	}
	for _, v := range values {
		if err := m.PutFloat32(v); err != nil {
			return err
		}
	}
	return nil
}

// GetFloat32Array reads an array written by PutFloat32Array; n<0 reads the
// VarULong length prefix.
func (m *Message) GetFloat32Array(n int) ([]float32, error) {
	if n < 0 {
		v, err := m.GetVarULong()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	out := make([]float32, n)
	for i := range out {
		v, err := m.GetFloat32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// PutBytesLegacy writes data with a 16-bit length prefix instead of a
// VarULong, matching the legacy 2-byte length array format referenced by
// ArgumentOutOfRange: lengths above 2^15-1 are rejected outright.
func (m *Message) PutBytesLegacy(data []byte) error {
	if len(data) > (1<<15)-1 {
		return ErrArgumentOutOfRange
	}
	if err := m.putUint(uint64(uint16(len(data))), 16); err != nil {
		return err
	}
	for _, b := range data {
		if err := m.putUint(uint64(b), 8); err != nil {
			return err
		}
	}
	return nil
}

// GetBytesLegacy reads data written by PutBytesLegacy.
func (m *Message) GetBytesLegacy() ([]byte, error) {
	n, err := m.getUint(16)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		v, err := m.getUint(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

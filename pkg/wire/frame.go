package wire

// Minimum frame sizes below which a frame is malformed and silently
// dropped.
const (
	MinUnreliableBytes = 1 // 4-bit tag, no extension
	MinReliableBytes   = 3 // 4-bit tag + 16-bit sequence id
	MinNotifyBytes     = 6 // 4-bit tag + 40-bit notify field
)

// ParseMessage decodes a raw frame received from the transport into a
// pooled Message, positioning the read cursor immediately after the
// header (and msg_id, for user-message kinds) so the caller can read the
// payload. It returns ErrProtocolViolation for a frame shorter than its
// kind's minimum length or bearing an unknown kind tag.
func ParseMessage(pool *Pool, data []byte) (*Message, error) {
	if len(data) < MinUnreliableBytes {
		return nil, ErrProtocolViolation
	}
	kindVal := GetBits(data, 0, 4)
	if kindVal > uint64(KindClientDisconnected) {
		return nil, ErrProtocolViolation
	}
	kind := HeaderKind(kindVal)

	minBytes := MinUnreliableBytes
	switch kind {
	case KindNotify:
		minBytes = MinNotifyBytes
	case KindReliable, KindWelcome, KindClientConnected, KindClientDisconnected:
		minBytes = MinReliableBytes
	}
	if len(data) < minBytes {
		return nil, ErrProtocolViolation
	}

	m := pool.Acquire(kind)
	if len(data) > len(m.buf) {
		pool.Release(m)
		return nil, ErrProtocolViolation
	}
	copy(m.buf, data)
	m.writeBit = len(data) * 8
	m.readBit = headerBits(kind)

	switch kind {
	case KindReliable, KindWelcome, KindClientConnected, KindClientDisconnected:
		m.SeqID = uint16(GetBits(m.buf, 4, 16))
		if m.SeqID == 0 {
			pool.Release(m)
			return nil, ErrProtocolViolation
		}
	case KindNotify:
		m.NotifyLastRecvSeq = uint16(GetBits(m.buf, 4, 16))
		m.NotifyRecvBitsFirst8 = uint8(GetBits(m.buf, 20, 8))
		m.NotifyThisSeq = uint16(GetBits(m.buf, 28, 16))
		if m.NotifyThisSeq == 0 {
			pool.Release(m)
			return nil, ErrProtocolViolation
		}
	}

	if kind.IsUserMessage() {
		id, err := m.GetVarULong()
		if err != nil {
			pool.Release(m)
			return nil, err
		}
		m.MsgID = id
		m.HasMsgID = true
	}
	return m, nil
}

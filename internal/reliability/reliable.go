package reliability

// ReliableCallbacks receives the outcomes of folding in acknowledgement
// information for the Reliable delivery discipline.
type ReliableCallbacks interface {
	// OnAckConfirmed fires once a sent sequence id is confirmed received
	// by the peer: clear and forget the corresponding pending message.
	OnAckConfirmed(seqID uint16)
	// OnResendRequested fires when a sent sequence id ages out of the
	// tracked ack window without ever being confirmed: the pending
	// message engine should force an immediate resend.
	OnResendRequested(seqID uint16)
}

// ReliableSequencer implements cumulative-plus-selective acknowledgement
// and duplicate suppression for the Reliable delivery discipline.
//
// Receive-side state (LastReceivedSeqID/ReceivedSeqIDs) tracks which
// incoming reliable ids have already been handled; send-side state
// (LastAckedSeqID/AckedSeqIDs) tracks which of our own sent ids the peer
// has confirmed. Position 1 in either bitfield is the entry immediately
// preceding the corresponding reference id; higher positions are older.
type ReliableSequencer struct {
	SequencerBase
}

// ShouldHandle reports whether an incoming reliable message with the
// given sequence id is new and records it as received. A selective ACK
// is owed regardless of the outcome; the caller always emits one.
func (s *ReliableSequencer) ShouldHandle(seqID uint16) bool {
	gap := Gap(seqID, s.LastReceivedSeqID)
	if gap == 0 {
		return false // the current reference itself: duplicate
	}
	if gap > 0 {
		s.ReceivedSeqIDs.ShiftLeft(gap)
		if s.ReceivedSeqIDs.Test(gap) {
			return false
		}
		s.ReceivedSeqIDs.Set(gap)
		s.LastReceivedSeqID = seqID
		return true
	}
	pos := -gap
	if s.ReceivedSeqIDs.Test(pos) {
		return false
	}
	s.ReceivedSeqIDs.Set(pos)
	return true
}

// AckFields returns the values to stamp into an outgoing Ack frame: the
// last received sequence id, and the 16 tracked positions before it.
func (s *ReliableSequencer) AckFields() (lastReceived uint16, bits uint16) {
	return s.LastReceivedSeqID, s.ReceivedSeqIDs.First16()
}

// UpdateReceivedAcks folds in acknowledgement information carried by an
// Ack frame. remoteLastAcked is the peer's highest confirmed sequence
// id; remoteBits are the 16 tracked positions before it.
func (s *ReliableSequencer) UpdateReceivedAcks(remoteLastAcked uint16, remoteBits uint16, cb ReliableCallbacks) {
	gap := Gap(remoteLastAcked, s.LastAckedSeqID)

	switch {
	case gap > 0:
		oldRef := s.LastAckedSeqID
		if fits, overflow := s.AckedSeqIDs.HasCapacityFor(gap); !fits {
			oldCount := s.AckedSeqIDs.Count()
			if overflow > oldCount {
				overflow = oldCount // a gap spanning the whole window evicts everything tracked, no more
			}
			for pos := oldCount - overflow + 1; pos <= oldCount; pos++ {
				seqID := oldRef - uint16(pos)
				if s.AckedSeqIDs.Test(pos) {
					if cb != nil {
						cb.OnAckConfirmed(seqID)
					}
				} else if cb != nil {
					cb.OnResendRequested(seqID)
				}
			}
		}
		s.AckedSeqIDs.ShiftLeft(gap)
		s.AckedSeqIDs.Set(gap) // the previous reference, now historical
		s.LastAckedSeqID = remoteLastAcked

		for i := 0; i < 16; i++ {
			if remoteBits&(1<<uint(i)) == 0 {
				continue
			}
			pos := i + 1
			if s.AckedSeqIDs.Test(pos) {
				continue
			}
			s.AckedSeqIDs.Set(pos)
			if cb != nil {
				cb.OnAckConfirmed(s.LastAckedSeqID - uint16(pos))
			}
		}
		s.AckedSeqIDs.Combine(uint32(remoteBits))

	case gap < 0:
		s.AckedSeqIDs.Set(-gap)

	default:
		s.AckedSeqIDs.Combine(uint32(remoteBits))
	}
}

package reliability

// NotifyCallbacks receives the final delivery verdict for a notify-class
// message this host sent.
type NotifyCallbacks interface {
	OnNotifyResolved(ev NotifyEvent)
}

// NotifyEvent reports whether a previously sent notify message was
// confirmed delivered, or presumed lost.
type NotifyEvent struct {
	SeqID     uint16
	Delivered bool
}

// NotifySequencer implements the single-shot delivered/lost fan-out and
// duplicate suppression for the Notify delivery discipline.
//
// Unlike ReliableSequencer, a notify verdict fires exactly once per sent
// id and is never revisited: the `pending` set tracks sent ids still
// awaiting a verdict, resolved against LastAckedSeqID as acks arrive,
// rather than against the shared AckedSeqIDs bitfield (which Notify
// leaves unused). Receive-side dedup (LastReceivedSeqID/ReceivedSeqIDs)
// reuses the Reliable discipline's position convention, but never
// re-delivers an out-of-order-late arrival.
type NotifySequencer struct {
	SequencerBase
	pending map[uint16]struct{}
}

// NewNotifySequencer returns a ready-to-use NotifySequencer.
func NewNotifySequencer() *NotifySequencer {
	return &NotifySequencer{pending: make(map[uint16]struct{})}
}

// NextOutgoing assigns the next notify sequence id and marks it pending
// a delivery verdict.
func (s *NotifySequencer) NextOutgoing() uint16 {
	id := s.NextSequenceID()
	s.pending[id] = struct{}{}
	return id
}

// OutgoingHeaderFields returns the piggy-backed ack to stamp into an
// outgoing Notify frame's extension: our view of the most recently
// received notify id and the 8 tracked positions before it.
func (s *NotifySequencer) OutgoingHeaderFields() (lastRecv uint16, first8 uint8) {
	return s.LastReceivedSeqID, s.ReceivedSeqIDs.First8()
}

// ShouldHandle reports whether an incoming notify message is new and
// records it as received. Unlike the Reliable discipline, a message
// older than or equal to the current reference is always dropped:
// notify never re-delivers.
func (s *NotifySequencer) ShouldHandle(seqID uint16) bool {
	gap := Gap(seqID, s.LastReceivedSeqID)
	if gap <= 0 {
		return false
	}
	s.ReceivedSeqIDs.ShiftLeft(gap)
	if s.ReceivedSeqIDs.Test(gap) {
		return false
	}
	s.ReceivedSeqIDs.Set(gap)
	s.LastReceivedSeqID = seqID
	return true
}

// notifyBitWindow is how many of the ids preceding remoteLastRecv the
// 8-bit piggy-backed ack field can directly resolve; anything further
// back is presumed lost without consulting bits.
const notifyBitWindow = 8

// UpdateReceivedAcks folds in the peer's piggy-backed notify ack
// (remoteLastRecv/remoteFirst8, its view of notify ids received from
// us). For every pending sent id strictly between the previous
// reference and remoteLastRecv, the nearest notifyBitWindow resolve via
// remoteFirst8 (bit i corresponds to remoteLastRecv-(i+1)); anything
// further back is presumed lost. remoteLastRecv itself always resolves
// delivered.
func (s *NotifySequencer) UpdateReceivedAcks(remoteLastRecv uint16, remoteFirst8 uint8, cb NotifyCallbacks) {
	gap := Gap(remoteLastRecv, s.LastAckedSeqID)
	if gap > 0 {
		for pos := gap - 1; pos >= 1; pos-- {
			id := remoteLastRecv - uint16(pos)
			delivered := pos <= notifyBitWindow && remoteFirst8&(1<<uint(pos-1)) != 0
			s.resolve(id, delivered, cb)
		}
		s.LastAckedSeqID = remoteLastRecv
	}
	s.resolve(remoteLastRecv, true, cb)
}

func (s *NotifySequencer) resolve(seqID uint16, delivered bool, cb NotifyCallbacks) {
	if _, ok := s.pending[seqID]; !ok {
		return
	}
	delete(s.pending, seqID)
	if cb != nil {
		cb.OnNotifyResolved(NotifyEvent{SeqID: seqID, Delivered: delivered})
	}
}

// Pending reports how many sent notify ids are still awaiting a
// verdict, for tests and diagnostics.
func (s *NotifySequencer) Pending() int { return len(s.pending) }

package reliability

import "testing"

func TestReliableShouldHandleInOrder(t *testing.T) {
	var s ReliableSequencer
	for i := uint16(1); i <= 5; i++ {
		if !s.ShouldHandle(i) {
			t.Fatalf("seq %d: expected new", i)
		}
	}
	if s.LastReceivedSeqID != 5 {
		t.Errorf("last received = %d, want 5", s.LastReceivedSeqID)
	}
}

func TestReliableShouldHandleDuplicateRejected(t *testing.T) {
	var s ReliableSequencer
	s.ShouldHandle(10)
	if s.ShouldHandle(10) {
		t.Fatal("duplicate of current reference accepted")
	}
}

func TestReliableShouldHandleOutOfOrderAcceptedOnce(t *testing.T) {
	var s ReliableSequencer
	s.ShouldHandle(10)
	s.ShouldHandle(11)
	s.ShouldHandle(12)

	// 11 arrived already (in-order), 9 is a genuinely new late arrival.
	if s.ShouldHandle(11) {
		t.Fatal("reorder duplicate accepted")
	}
	if !s.ShouldHandle(9) {
		t.Fatal("late but new arrival rejected")
	}
	if s.ShouldHandle(9) {
		t.Fatal("late arrival replayed a second time was accepted")
	}
}

type recordingAckCallbacks struct {
	confirmed       []uint16
	resendRequested []uint16
}

func (r *recordingAckCallbacks) OnAckConfirmed(seqID uint16) {
	r.confirmed = append(r.confirmed, seqID)
}

func (r *recordingAckCallbacks) OnResendRequested(seqID uint16) {
	r.resendRequested = append(r.resendRequested, seqID)
}

func TestReliableUpdateReceivedAcksAdvancesReference(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks
	s.UpdateReceivedAcks(5, 0, &cb)
	if s.LastAckedSeqID != 5 {
		t.Fatalf("last acked = %d, want 5", s.LastAckedSeqID)
	}
	if len(cb.confirmed) != 0 {
		t.Fatalf("unexpected confirmations from bits=0: %v", cb.confirmed)
	}
}

func TestReliableUpdateReceivedAcksSelectiveBits(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks

	// Reference advances to 5; bit 0 (position 1 => seq 4) and bit 2
	// (position 3 => seq 2) are reported received.
	s.UpdateReceivedAcks(5, 0b101, &cb)

	want := map[uint16]bool{4: true, 2: true}
	if len(cb.confirmed) != len(want) {
		t.Fatalf("got %v, want entries matching %v", cb.confirmed, want)
	}
	for _, id := range cb.confirmed {
		if !want[id] {
			t.Errorf("unexpected confirmed id %d", id)
		}
	}
}

func TestReliableUpdateReceivedAcksIdempotent(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks
	s.UpdateReceivedAcks(5, 0b101, &cb)
	cb.confirmed = nil
	s.UpdateReceivedAcks(5, 0b101, &cb)
	if len(cb.confirmed) != 0 {
		t.Fatalf("repeat ack fired again: %v", cb.confirmed)
	}
}

func TestReliableUpdateReceivedAcksNegativeGapMarksOnly(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks
	s.UpdateReceivedAcks(10, 0, &cb)
	cb.confirmed = nil
	s.UpdateReceivedAcks(9, 0xFFFF, &cb)
	if len(cb.confirmed) != 0 || len(cb.resendRequested) != 0 {
		t.Fatalf("negative-gap ack should not fire callbacks: confirmed=%v resend=%v", cb.confirmed, cb.resendRequested)
	}
	if s.LastAckedSeqID != 10 {
		t.Errorf("negative-gap ack moved reference to %d, want 10 unchanged", s.LastAckedSeqID)
	}
	if !s.AckedSeqIDs.Test(1) {
		t.Error("expected position 1 (seq 9) marked acked")
	}
}

func TestReliableAckFieldsReflectReceivedState(t *testing.T) {
	var s ReliableSequencer
	s.ShouldHandle(1)
	s.ShouldHandle(2)
	s.ShouldHandle(3)
	last, bits := s.AckFields()
	if last != 3 {
		t.Errorf("last = %d, want 3", last)
	}
	if bits&0b11 != 0b11 {
		t.Errorf("bits = %016b, want positions 1,2 set", bits)
	}
}

func TestReliableUpdateReceivedAcksEvictionConfirmsSetBits(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks

	// Every tracked position is already set; a gap spanning the whole
	// window evicts all of them, and since each was set, every eviction
	// confirms rather than requests a resend.
	s.LastAckedSeqID = 1
	for i := 1; i <= BitfieldCapacity; i++ {
		s.AckedSeqIDs.Set(i)
	}
	s.UpdateReceivedAcks(1+BitfieldCapacity+5, 0, &cb)
	if len(cb.resendRequested) != 0 {
		t.Fatalf("all evicted positions were set, expected zero resend requests, got %v", cb.resendRequested)
	}
	if len(cb.confirmed) != BitfieldCapacity {
		t.Fatalf("got %d confirmations, want %d", len(cb.confirmed), BitfieldCapacity)
	}
}

func TestReliableUpdateReceivedAcksEvictionRequestsResendForUnset(t *testing.T) {
	var s ReliableSequencer
	var cb recordingAckCallbacks

	// Nothing has ever been marked set; a gap large enough to evict the
	// whole window should request a resend for every evicted id.
	s.LastAckedSeqID = 1
	for i := 0; i < BitfieldCapacity; i++ {
		s.AckedSeqIDs.ShiftLeft(1) // populate count to capacity without setting any bits
	}
	s.UpdateReceivedAcks(1+BitfieldCapacity+5, 0, &cb)
	if len(cb.confirmed) != 0 {
		t.Fatalf("no bits were set, expected zero confirmations, got %v", cb.confirmed)
	}
	if len(cb.resendRequested) != BitfieldCapacity {
		t.Fatalf("got %d resend requests, want %d", len(cb.resendRequested), BitfieldCapacity)
	}
}

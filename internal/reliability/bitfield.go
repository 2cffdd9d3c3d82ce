// Package reliability implements the sequencer bitfields, rolling
// statistics, and pending-message retransmission engine shared by the
// reliable and notify delivery disciplines.
package reliability

// BitfieldCapacity is the fixed width of a Bitfield's sliding window.
const BitfieldCapacity = 32

// Bitfield is a fixed-width sliding window of boolean flags addressed by
// 1-based position: position 1 is the most recently tracked entry,
// higher positions are progressively older. Position 0 is never valid.
type Bitfield struct {
	bits  uint32
	count int // number of positions currently in play, 0..BitfieldCapacity
}

func inRange(pos int) bool {
	return pos >= 1 && pos <= BitfieldCapacity
}

// Test reports whether the flag at pos is set. Out-of-range positions
// report false.
func (b *Bitfield) Test(pos int) bool {
	if !inRange(pos) {
		return false
	}
	return b.bits&(1<<uint(pos-1)) != 0
}

// Set marks the flag at pos. Out-of-range positions are a no-op.
func (b *Bitfield) Set(pos int) {
	if !inRange(pos) {
		return
	}
	b.bits |= 1 << uint(pos-1)
	if pos > b.count {
		b.count = pos
	}
}

// ShiftLeft ages every tracked position by n (the window slides forward
// in time by n steps), returning how many of the oldest entries fell off
// the end of the fixed-width window.
func (b *Bitfield) ShiftLeft(n int) (overflow int) {
	if n <= 0 {
		return 0
	}
	if n >= BitfieldCapacity {
		overflow = b.count
		b.bits = 0
		b.count = 0
		return overflow
	}
	if b.count+n > BitfieldCapacity {
		overflow = b.count + n - BitfieldCapacity
	}
	b.bits <<= uint(n)
	b.count += n
	if b.count > BitfieldCapacity {
		b.count = BitfieldCapacity
	}
	return overflow
}

// TrimTrailingSet drops positions from the newest end (position 1, 2, ...)
// while they are set, shrinking the window. It returns how many were
// trimmed.
func (b *Bitfield) TrimTrailingSet() int {
	trimmed := 0
	for b.count > 0 && b.bits&1 != 0 {
		b.bits >>= 1
		b.count--
		trimmed++
	}
	return trimmed
}

// PopOldest removes the single oldest tracked position (the current
// count) and reports whether it was set.
func (b *Bitfield) PopOldest() bool {
	if b.count == 0 {
		return false
	}
	pos := b.count
	wasSet := b.Test(pos)
	b.bits &^= 1 << uint(pos-1)
	b.count--
	return wasSet
}

// First8 returns the low 8 tracked positions as a byte, position 1 in the
// LSB.
func (b *Bitfield) First8() uint8 { return uint8(b.bits & 0xFF) }

// First16 returns the low 16 tracked positions.
func (b *Bitfield) First16() uint16 { return uint16(b.bits & 0xFFFF) }

// HasCapacityFor reports whether n more positions can be aged in without
// losing any currently tracked entry, and if not, how many would be lost.
func (b *Bitfield) HasCapacityFor(n int) (fits bool, overflow int) {
	if b.count+n <= BitfieldCapacity {
		return true, 0
	}
	return false, b.count + n - BitfieldCapacity
}

// Combine bitwise-ORs other into the window, without changing count.
func (b *Bitfield) Combine(other uint32) {
	b.bits |= other
}

// Count reports how many positions are currently tracked.
func (b *Bitfield) Count() int { return b.count }

// Raw exposes the underlying 32-bit window, for tests and wire packing.
func (b *Bitfield) Raw() uint32 { return b.bits }

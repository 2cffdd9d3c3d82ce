package peer

import (
	"testing"
	"time"
)

func TestSchedulerDrainDueFiresInPriorityOrder(t *testing.T) {
	s := newScheduler()
	var order []int

	s.executeLater(30, func(now time.Time) { order = append(order, 30) })
	s.executeLater(10, func(now time.Time) { order = append(order, 10) })
	s.executeLater(20, func(now time.Time) { order = append(order, 20) })

	s.drainDue(25, time.Unix(0, 0))
	if got := order; len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Fatalf("drainDue(25) fired %v, want [10 20]", got)
	}
	if s.len() != 1 {
		t.Fatalf("len() = %d, want 1 (the priority-30 event still pending)", s.len())
	}

	s.drainDue(30, time.Unix(0, 0))
	if got := order; len(got) != 3 || got[2] != 30 {
		t.Fatalf("drainDue(30) fired %v, want [.. 30]", got)
	}
}

func TestSchedulerBreaksTiesByInsertionOrder(t *testing.T) {
	s := newScheduler()
	var order []string

	s.executeLater(5, func(now time.Time) { order = append(order, "first") })
	s.executeLater(5, func(now time.Time) { order = append(order, "second") })
	s.executeLater(5, func(now time.Time) { order = append(order, "third") })

	s.drainDue(5, time.Unix(0, 0))
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerEventsFiredDuringDrainDoNotRunThisTick(t *testing.T) {
	s := newScheduler()
	fired := 0
	var reschedule func(now time.Time)
	reschedule = func(now time.Time) {
		fired++
		s.executeLater(0, reschedule)
	}
	s.executeLater(0, reschedule)

	s.drainDue(0, time.Unix(0, 0))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (self-rescheduled event must wait for the next drainDue)", fired)
	}
	if s.len() != 1 {
		t.Fatalf("len() = %d, want 1", s.len())
	}

	s.drainDue(0, time.Unix(0, 0))
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 after a second drainDue", fired)
	}
}

func TestSchedulerDrainDueSharesOneWallClockSnapshot(t *testing.T) {
	s := newScheduler()
	wallNow := time.Unix(500, 0)
	var seen []time.Time
	s.executeLater(1, func(now time.Time) { seen = append(seen, now) })
	s.executeLater(2, func(now time.Time) { seen = append(seen, now) })

	s.drainDue(2, wallNow)
	for _, got := range seen {
		if !got.Equal(wallNow) {
			t.Fatalf("event saw now = %v, want shared snapshot %v", got, wallNow)
		}
	}
}

func TestSchedulerLenReportsPendingCount(t *testing.T) {
	s := newScheduler()
	if s.len() != 0 {
		t.Fatalf("len() = %d, want 0 on an empty scheduler", s.len())
	}
	s.executeLater(100, func(now time.Time) {})
	s.executeLater(200, func(now time.Time) {})
	if s.len() != 2 {
		t.Fatalf("len() = %d, want 2", s.len())
	}
}

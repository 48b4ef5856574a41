package twt

import (
	"errors"
	"testing"

	"github.com/danmuck/radioctl/internal/testutil/testlog"
)

func ref(last byte, flow uint8) AgreementRef {
	return AgreementRef{Peer: Addr{0x02, 0, 0, 0, 0, last}, Flow: flow}
}

func TestSchedulerPacksDisjointAgreements(t *testing.T) {
	testlog.Start(t)

	s := NewScheduler()
	const interval = 100000
	var id BucketID
	for i := 0; i < 10; i++ {
		d := testData(interval, 10000)
		got, err := s.Place(ref(byte(i), 0), CmdRequest, &d)
		if err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
		if i == 0 {
			id = got
		} else if got != id {
			t.Fatalf("place %d: bucket %d want %d", i, got, id)
		}
		if want := uint64(i) * 10000; d.WakeTimeUS != want {
			t.Fatalf("place %d: wake %d want %d", i, d.WakeTimeUS, want)
		}
		if s.Overlapping(id) {
			t.Fatalf("place %d: bucket overlaps", i)
		}
	}

	before := s.Buckets()
	d := testData(interval, 1)
	if _, err := s.Place(ref(99, 0), CmdRequest, &d); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot got %v", err)
	}
	after := s.Buckets()
	if len(after) != 1 || len(after[0].Members) != len(before[0].Members) {
		t.Fatalf("failed placement changed bucket: before=%+v after=%+v", before, after)
	}
	for i := range before[0].Members {
		if before[0].Members[i] != after[0].Members[i] {
			t.Fatalf("member %d changed: %+v -> %+v", i, before[0].Members[i], after[0].Members[i])
		}
	}
}

func TestSchedulerFillsGapAfterRemoval(t *testing.T) {
	testlog.Start(t)

	s := NewScheduler()
	var id BucketID
	for i := 0; i < 4; i++ {
		d := testData(40000, 10000)
		got, err := s.Place(ref(byte(i), 1), CmdSuggest, &d)
		if err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
		id = got
	}
	if !s.Remove(id, ref(1, 1)) {
		t.Fatalf("remove failed")
	}
	d := testData(40000, 8000)
	if _, err := s.Place(ref(9, 1), CmdRequest, &d); err != nil {
		t.Fatalf("place into gap: %v", err)
	}
	if d.WakeTimeUS != 10000 {
		t.Fatalf("expected gap at 10000 got %d", d.WakeTimeUS)
	}
	if s.Overlapping(id) {
		t.Fatalf("bucket overlaps after gap fill")
	}
}

func TestSchedulerWrapsAroundInterval(t *testing.T) {
	testlog.Start(t)

	s := NewScheduler()
	d := testData(10000, 2000)
	d.WakeTimeUS = 7000
	id, err := s.Place(ref(1, 0), CmdDemand, &d)
	if err != nil {
		t.Fatalf("demand: %v", err)
	}
	if d.WakeTimeUS != 7000 {
		t.Fatalf("demand moved to %d", d.WakeTimeUS)
	}
	// The only gap starts at the end of the demand and wraps past zero.
	d2 := testData(10000, 5000)
	if _, err := s.Place(ref(2, 0), CmdRequest, &d2); err != nil {
		t.Fatalf("request: %v", err)
	}
	if d2.WakeTimeUS != 9000 {
		t.Fatalf("expected wrap placement at 9000 got %d", d2.WakeTimeUS)
	}
	if s.Overlapping(id) {
		t.Fatalf("wrapped placement overlaps")
	}
	d3 := testData(10000, 4000)
	if _, err := s.Place(ref(3, 0), CmdRequest, &d3); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot got %v", err)
	}
}

func TestSchedulerBucketsOrderedAndDestroyed(t *testing.T) {
	testlog.Start(t)

	s := NewScheduler()
	ids := make(map[uint64]BucketID)
	for i, interval := range []uint64{300000, 100000, 200000} {
		d := testData(interval, 1000)
		id, err := s.Place(ref(byte(i), 0), CmdRequest, &d)
		if err != nil {
			t.Fatalf("place %d: %v", interval, err)
		}
		ids[interval] = id
	}
	got := s.Buckets()
	if len(got) != 3 || got[0].IntervalUS != 100000 || got[1].IntervalUS != 200000 || got[2].IntervalUS != 300000 {
		t.Fatalf("buckets not ordered by interval: %+v", got)
	}
	if !s.Remove(ids[200000], ref(2, 0)) {
		t.Fatalf("remove failed")
	}
	if _, ok := s.Lookup(200000); ok {
		t.Fatalf("empty bucket not destroyed")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 buckets got %d", s.Len())
	}
	if s.Remove(ids[200000], ref(2, 0)) {
		t.Fatalf("remove from destroyed bucket succeeded")
	}
	// A released id is reused for the next new interval.
	d := testData(50000, 1000)
	id, err := s.Place(ref(7, 0), CmdRequest, &d)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if id != ids[200000] {
		t.Fatalf("expected reused id %d got %d", ids[200000], id)
	}
	if b := s.Buckets(); b[0].IntervalUS != 50000 {
		t.Fatalf("new smallest bucket not first: %+v", b)
	}
}

func TestSchedulerValidatesData(t *testing.T) {
	testlog.Start(t)

	s := NewScheduler()
	d := testData(0, 10)
	if _, err := s.Place(ref(1, 0), CmdRequest, &d); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval got %v", err)
	}
	d = testData(1000, 2000)
	if _, err := s.Place(ref(1, 0), CmdRequest, &d); !errors.Is(err, ErrDurationExceedsInterval) {
		t.Fatalf("expected ErrDurationExceedsInterval got %v", err)
	}
	d = testData(1000, 10)
	if _, err := s.Place(ref(1, 0), CmdAccept, &d); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("expected ErrUnsupportedCommand got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("validation failures created buckets")
	}
}

package twt

import (
	"fmt"
	"sort"
)

// BucketID addresses a wake-interval bucket in the scheduler arena. The zero
// value means "not scheduled".
type BucketID int

// Slot is one scheduled service period, offset relative to the bucket's first member.
type Slot struct {
	Ref        AgreementRef
	WakeTimeUS uint64
	DurationUS uint32
}

func (s Slot) end() uint64 {
	return s.WakeTimeUS + uint64(s.DurationUS)
}

type bucket struct {
	interval uint64
	members  []Slot
}

// BucketInfo is a read-only view of one bucket.
type BucketInfo struct {
	ID         BucketID
	IntervalUS uint64
	Members    []Slot
}

// Scheduler groups agreements by wake interval and places new ones into gaps
// between existing service periods. Callers serialize access.
type Scheduler struct {
	buckets []*bucket
	free    []BucketID
	// order holds live bucket ids by ascending interval.
	order []BucketID
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Place schedules d for ref and writes the chosen offset into d.WakeTimeUS.
// DEMAND is appended at its requested offset without gap fitting.
func (s *Scheduler) Place(ref AgreementRef, cmd SetupCommand, d *AgreementData) (BucketID, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	switch cmd {
	case CmdRequest, CmdSuggest:
		id := s.bucketFor(d.WakeIntervalUS)
		b := s.buckets[id-1]
		wake, at, ok := fit(b, d.WakeDurationUS)
		if !ok {
			s.releaseIfEmpty(id)
			return 0, fmt.Errorf("%w: interval=%d duration=%d members=%d", ErrNoSlot, d.WakeIntervalUS, d.WakeDurationUS, len(b.members))
		}
		d.WakeTimeUS = wake
		b.members = insertSlot(b.members, at, Slot{Ref: ref, WakeTimeUS: wake, DurationUS: d.WakeDurationUS})
		return id, nil
	case CmdDemand:
		return s.Adopt(ref, d)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
	}
}

// Adopt appends d at its own offset. Used for peer-dictated schedules.
func (s *Scheduler) Adopt(ref AgreementRef, d *AgreementData) (BucketID, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	id := s.bucketFor(d.WakeIntervalUS)
	b := s.buckets[id-1]
	wake := d.WakeTimeUS % d.WakeIntervalUS
	d.WakeTimeUS = wake
	b.members = append(b.members, Slot{Ref: ref, WakeTimeUS: wake, DurationUS: d.WakeDurationUS})
	return id, nil
}

// fit walks adjacent member pairs cyclically and returns the first offset
// whose gap holds dur, plus the insertion index.
func fit(b *bucket, dur uint32) (uint64, int, bool) {
	n := len(b.members)
	if n == 0 {
		return 0, 0, true
	}
	for i := 0; i < n; i++ {
		first := b.members[i]
		second := b.members[(i+1)%n]
		next := second.WakeTimeUS
		// Keep temporal order across the wrap boundary.
		if next <= first.WakeTimeUS {
			next += b.interval
		}
		if first.end() > next {
			continue
		}
		if next-first.end() >= uint64(dur) {
			return first.end() % b.interval, i + 1, true
		}
	}
	return 0, 0, false
}

func insertSlot(members []Slot, at int, slot Slot) []Slot {
	members = append(members, Slot{})
	copy(members[at+1:], members[at:])
	members[at] = slot
	return members
}

// Remove drops ref from bucket id and destroys the bucket when it empties.
func (s *Scheduler) Remove(id BucketID, ref AgreementRef) bool {
	b := s.get(id)
	if b == nil {
		return false
	}
	for i, m := range b.members {
		if m.Ref == ref {
			b.members = append(b.members[:i], b.members[i+1:]...)
			s.releaseIfEmpty(id)
			return true
		}
	}
	return false
}

// Lookup returns the live bucket for interval.
func (s *Scheduler) Lookup(interval uint64) (BucketID, bool) {
	i := s.search(interval)
	if i < len(s.order) && s.buckets[s.order[i]-1].interval == interval {
		return s.order[i], true
	}
	return 0, false
}

func (s *Scheduler) Len() int {
	return len(s.order)
}

// Buckets snapshots live buckets by ascending interval.
func (s *Scheduler) Buckets() []BucketInfo {
	out := make([]BucketInfo, 0, len(s.order))
	for _, id := range s.order {
		b := s.buckets[id-1]
		out = append(out, BucketInfo{
			ID:         id,
			IntervalUS: b.interval,
			Members:    append([]Slot(nil), b.members...),
		})
	}
	return out
}

// Overlapping reports whether any two service periods in bucket id collide,
// measured from the first member as time reference.
func (s *Scheduler) Overlapping(id BucketID) bool {
	b := s.get(id)
	if b == nil || len(b.members) < 2 {
		return false
	}
	ref := b.members[0].WakeTimeUS
	type span struct{ start, end uint64 }
	spans := make([]span, 0, len(b.members))
	for _, m := range b.members {
		start := (m.WakeTimeUS + b.interval - ref) % b.interval
		spans = append(spans, span{start: start, end: start + uint64(m.DurationUS)})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return true
		}
	}
	last := spans[len(spans)-1]
	return last.end > spans[0].start+b.interval
}

func (s *Scheduler) bucketFor(interval uint64) BucketID {
	i := s.search(interval)
	if i < len(s.order) && s.buckets[s.order[i]-1].interval == interval {
		return s.order[i]
	}
	var id BucketID
	b := &bucket{interval: interval}
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
		s.buckets[id-1] = b
	} else {
		s.buckets = append(s.buckets, b)
		id = BucketID(len(s.buckets))
	}
	s.order = append(s.order, 0)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = id
	return id
}

func (s *Scheduler) search(interval uint64) int {
	return sort.Search(len(s.order), func(i int) bool {
		return s.buckets[s.order[i]-1].interval >= interval
	})
}

func (s *Scheduler) get(id BucketID) *bucket {
	if id <= 0 || int(id) > len(s.buckets) {
		return nil
	}
	return s.buckets[id-1]
}

func (s *Scheduler) releaseIfEmpty(id BucketID) {
	b := s.get(id)
	if b == nil || len(b.members) > 0 {
		return
	}
	s.buckets[id-1] = nil
	s.free = append(s.free, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

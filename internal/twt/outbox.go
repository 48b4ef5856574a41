package twt

import (
	"sort"
	"sync"
	"time"
)

// PendingFrame tracks one outbound setup frame not yet handed to the radio.
type PendingFrame struct {
	Ref      AgreementRef
	Command  SetupCommand
	Teardown bool
	// Assoc frames carry only the element and ride the association response.
	Assoc         bool
	DialogToken   uint8
	Body          []byte
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
	// Seq is assigned by Upsert; a replaced frame gets a new one.
	Seq uint64
}

// Outbox stores pending setup frames by peer/flow. At most one frame is
// pending per flow; a newer frame replaces an unsent one.
type Outbox struct {
	mu    sync.RWMutex
	seq   uint64
	items map[AgreementRef]PendingFrame
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[AgreementRef]PendingFrame),
	}
}

func (o *Outbox) Upsert(item PendingFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	item.Seq = o.seq
	o.items[item.Ref] = item
}

func (o *Outbox) Has(ref AgreementRef) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.items[ref]
	return ok
}

// MarkAttempt records a failed send of the frame with seq. It is a no-op
// when that frame has since been replaced.
func (o *Outbox) MarkAttempt(ref AgreementRef, seq uint64, at time.Time, lastErr error) (PendingFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[ref]
	if !ok || item.Seq != seq {
		return PendingFrame{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = ""
	if lastErr != nil {
		item.LastError = lastErr.Error()
	}
	o.items[ref] = item
	return item, true
}

func (o *Outbox) Remove(ref AgreementRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, ref)
}

// RemoveIf deletes the frame for ref only if it is still the one with seq.
func (o *Outbox) RemoveIf(ref AgreementRef, seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[ref]
	if !ok || item.Seq != seq {
		return false
	}
	delete(o.items, ref)
	return true
}

func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	clear(o.items)
}

func (o *Outbox) Get(ref AgreementRef) (PendingFrame, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[ref]
	return item, ok
}

func (o *Outbox) List() []PendingFrame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingFrame, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return refLess(out[i].Ref, out[j].Ref)
	})
	return out
}

func refLess(a, b AgreementRef) bool {
	for i := range a.Peer {
		if a.Peer[i] != b.Peer[i] {
			return a.Peer[i] < b.Peer[i]
		}
	}
	return a.Flow < b.Flow
}

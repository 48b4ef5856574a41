package twt

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/radioctl/internal/observability"
	"github.com/danmuck/radioctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxStations     = 16
	DefaultMaxWorkAttempts = 3
)

// Firmware installs negotiated agreements. Calls may block on a command
// round trip and are never made under the engine lock.
type Firmware interface {
	Install(ctx context.Context, peer Addr, flow uint8, d AgreementData) error
	Uninstall(ctx context.Context, peer Addr, flow uint8) error
}

// FrameSender transmits a TWT action body to a peer.
type FrameSender interface {
	SendAction(ctx context.Context, peer Addr, body []byte) error
}

type Config struct {
	Role            Role
	MaxStations     int
	Protected       bool
	MaxWorkAttempts int
	Backoff         session.BackoffConfig
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxStations <= 0 {
		c.MaxStations = DefaultMaxStations
	}
	if c.MaxWorkAttempts <= 0 {
		c.MaxWorkAttempts = DefaultMaxWorkAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = session.DefaultConfig().Backoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type flowSlot struct {
	state     State
	data      AgreementData
	bucket    BucketID
	installed bool
	// gen identifies the agreement instance its install work belongs to.
	gen uint64
}

// Station is the per-peer negotiation context.
type Station struct {
	addr  Addr
	flows [MaxFlows]flowSlot
}

func (s *Station) idle() bool {
	for _, f := range s.flows {
		if f.state != NoAgreement {
			return false
		}
	}
	return true
}

// AgreementInfo is a snapshot of one non-idle flow.
type AgreementInfo struct {
	Ref       AgreementRef
	State     State
	Data      AgreementData
	Bucket    BucketID
	Installed bool
}

// Engine negotiates TWT agreements for one interface. All station, bucket and
// event state is guarded by mu; firmware and radio work is deferred to the
// work queue.
type Engine struct {
	cfg Config
	fw  Firmware
	tx  FrameSender

	mu       sync.Mutex
	events   []Event
	deferred []deferredEvent
	stations map[Addr]*Station
	sched    *Scheduler
	token    uint8
	rng      *rand.Rand
	gen      uint64

	workMu sync.Mutex
	work   []Work

	outbox    *Outbox
	eventKick chan struct{}
	workKick  chan struct{}
}

func NewEngine(cfg Config, fw Firmware, tx FrameSender) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		fw:        fw,
		tx:        tx,
		stations:  make(map[Addr]*Station),
		sched:     NewScheduler(),
		rng:       rand.New(rand.NewSource(cfg.Now().UnixNano())),
		outbox:    NewOutbox(),
		eventKick: make(chan struct{}, 1),
		workKick:  make(chan struct{}, 1),
	}
}

func (e *Engine) Role() Role {
	return e.cfg.Role
}

// Enqueue appends ev to the event queue and wakes the event task.
func (e *Engine) Enqueue(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	kick(e.eventKick)
}

// HandleElement queues a setup received from peer in an action frame.
func (e *Engine) HandleElement(peer Addr, token uint8, el Element) error {
	return e.handleElement(peer, token, el, false)
}

// HandleAssocElement queues a setup carried in an association request. The
// response element is kept for TakeAssocResponse.
func (e *Engine) HandleAssocElement(peer Addr, ie []byte) error {
	el, _, err := ParseElementIE(ie)
	if err != nil {
		observability.RecordTWTEvent(EventSetup.String(), "malformed")
		return err
	}
	return e.handleElement(peer, 0, el, true)
}

func (e *Engine) handleElement(peer Addr, token uint8, el Element, assoc bool) error {
	ev := Event{
		Kind:        EventSetup,
		Origin:      OriginPeer,
		Peer:        peer,
		Flow:        el.FlowID(),
		Command:     el.Command(),
		Data:        el.Data(),
		DialogToken: token,
		Assoc:       assoc,
	}
	if err := el.Validate(); err != nil {
		if !errors.Is(err, ErrDisallowedRole) {
			log.Debug().Msgf("twt.Engine.HandleElement peer=%s flow=%d drop: %v", peer, ev.Flow, err)
			observability.RecordTWTEvent(EventSetup.String(), "invalid")
			return err
		}
		ev.Reject = true
		e.Enqueue(ev)
		return err
	}
	e.Enqueue(ev)
	return nil
}

// HandleActionFrame decodes a TWT action body from peer and queues the
// resulting event.
func (e *Engine) HandleActionFrame(peer Addr, body []byte) error {
	a, err := ParseAction(body)
	if err != nil {
		log.Debug().Msgf("twt.Engine.HandleActionFrame peer=%s drop: %v", peer, err)
		observability.RecordTWTEvent("action", "malformed")
		return err
	}
	switch a.Action {
	case ActionSetup:
		return e.HandleElement(peer, a.DialogToken, a.Element)
	default:
		e.Enqueue(Event{Kind: EventTeardown, Origin: OriginPeer, Peer: peer, Flow: a.Flow, All: a.All})
		return nil
	}
}

// HandleFirmwareTeardown queues a teardown the firmware initiated.
func (e *Engine) HandleFirmwareTeardown(peer Addr, flow uint8) {
	e.Enqueue(Event{Kind: EventTeardown, Origin: OriginFirmware, Peer: peer, Flow: flow})
}

// ProcessEvents drains the event queue to completion and returns when the
// next deferred event becomes due (zero if none).
func (e *Engine) ProcessEvents() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.cfg.Now()
	var due []Event
	attempts := make(map[Addr]int)
	rest := e.deferred[:0]
	for _, d := range e.deferred {
		if !d.due.After(now) {
			due = append(due, d.ev)
			if d.attempt > attempts[d.ev.Peer] {
				attempts[d.ev.Peer] = d.attempt
			}
			continue
		}
		rest = append(rest, d)
	}
	e.deferred = rest
	if len(due) > 0 {
		e.events = append(due, e.events...)
	}

	for len(e.events) > 0 {
		ev := e.events[0]
		e.events = e.events[1:]
		if e.isDeferred(ev.Peer) {
			e.deferLocked(ev, 0, now)
			continue
		}
		if err := e.processLocked(ev); errors.Is(err, ErrStationTableFull) {
			e.deferLocked(ev, attempts[ev.Peer]+1, now)
		}
	}
	e.events = nil
	observability.SetTWTAgreements(e.countAgreementsLocked())
	return e.nextDeferredLocked()
}

func (e *Engine) isDeferred(peer Addr) bool {
	for _, d := range e.deferred {
		if d.ev.Peer == peer {
			return true
		}
	}
	return false
}

// deferLocked parks ev behind any earlier deferred event of the same peer.
// attempt 0 means "follow the peer's existing deferral".
func (e *Engine) deferLocked(ev Event, attempt int, now time.Time) {
	due := now
	if attempt == 0 {
		for _, d := range e.deferred {
			if d.ev.Peer == ev.Peer {
				attempt, due = d.attempt, d.due
			}
		}
	} else {
		due = now.Add(e.cfg.Backoff.Delay(attempt, e.rng))
	}
	log.Debug().Msgf("twt.Engine.ProcessEvents defer %s peer=%s flow=%d attempt=%d", ev.Kind, ev.Peer, ev.Flow, attempt)
	observability.RecordTWTEvent(ev.Kind.String(), "deferred")
	e.deferred = append(e.deferred, deferredEvent{ev: ev, attempt: attempt, due: due})
}

func (e *Engine) nextDeferredLocked() time.Time {
	var next time.Time
	for _, d := range e.deferred {
		if next.IsZero() || d.due.Before(next) {
			next = d.due
		}
	}
	return next
}

// Pending reports queued events, deferred events and work items.
func (e *Engine) Pending() (events, deferred, work int) {
	e.mu.Lock()
	events, deferred = len(e.events), len(e.deferred)
	e.mu.Unlock()
	e.workMu.Lock()
	work = len(e.work)
	e.workMu.Unlock()
	return events, deferred, work
}

// Run drives the event task and the work task until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.loop(ctx, e.eventKick, func() time.Time { return e.ProcessEvents() })
	}()
	go func() {
		defer wg.Done()
		e.loop(ctx, e.workKick, func() time.Time { return e.ProcessWork(ctx) })
	}()
	log.Info().Msgf("twt.Engine.Run role=%s", e.cfg.Role)
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) loop(ctx context.Context, wake <-chan struct{}, step func() time.Time) {
	for {
		next := step()
		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(e.cfg.Now()))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Engine) station(peer Addr, create bool) (*Station, error) {
	if st, ok := e.stations[peer]; ok {
		return st, nil
	}
	if !create {
		return nil, ErrNoAgreement
	}
	if len(e.stations) >= e.cfg.MaxStations {
		return nil, ErrStationTableFull
	}
	st := &Station{addr: peer}
	e.stations[peer] = st
	return st, nil
}

func (e *Engine) releaseIfIdle(st *Station) {
	if st.idle() {
		delete(e.stations, st.addr)
	}
}

func (e *Engine) nextToken() uint8 {
	e.token++
	if e.token == 0 {
		e.token = 1
	}
	return e.token
}

// State returns the negotiation state of peer/flow.
func (e *Engine) State(peer Addr, flow uint8) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stations[peer]
	if !ok || flow >= MaxFlows {
		return NoAgreement
	}
	return st.flows[flow].state
}

// Stations returns the number of live station contexts.
func (e *Engine) Stations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stations)
}

func (e *Engine) Agreements() []AgreementInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AgreementInfo
	for addr, st := range e.stations {
		for flow, f := range st.flows {
			if f.state == NoAgreement {
				continue
			}
			out = append(out, AgreementInfo{
				Ref:       AgreementRef{Peer: addr, Flow: uint8(flow)},
				State:     f.state,
				Data:      f.data,
				Bucket:    f.bucket,
				Installed: f.installed,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return refLess(out[i].Ref, out[j].Ref)
	})
	return out
}

func (e *Engine) Buckets() []BucketInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Buckets()
}

// Outbox lists frames waiting for the radio.
func (e *Engine) Outbox() []PendingFrame {
	return e.outbox.List()
}

// TakeAssocResponse returns and clears the element answering an association
// request setup for ref.
func (e *Engine) TakeAssocResponse(ref AgreementRef) ([]byte, bool) {
	item, ok := e.outbox.Get(ref)
	if !ok || !item.Assoc {
		return nil, false
	}
	e.outbox.Remove(ref)
	return item.Body, true
}

func (e *Engine) countAgreementsLocked() int {
	n := 0
	for _, st := range e.stations {
		for _, f := range st.flows {
			if f.state == Agreement {
				n++
			}
		}
	}
	return n
}

// Reset tears down every station and drops queued events, work and frames.
// Agreements the firmware holds are uninstalled; peers are not notified.
// Call it once Run has returned.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	var installed []AgreementRef
	for addr, st := range e.stations {
		for flow, f := range st.flows {
			if f.state == Agreement && f.installed {
				installed = append(installed, AgreementRef{Peer: addr, Flow: uint8(flow)})
			}
		}
	}
	stations := len(e.stations)
	clear(e.stations)
	e.sched = NewScheduler()
	e.events = nil
	e.deferred = nil
	e.mu.Unlock()

	e.workMu.Lock()
	e.work = nil
	e.workMu.Unlock()
	e.outbox.Clear()
	observability.SetTWTAgreements(0)

	sort.Slice(installed, func(i, j int) bool {
		return refLess(installed[i], installed[j])
	})
	var errs []error
	for _, ref := range installed {
		if err := e.fw.Uninstall(ctx, ref.Peer, ref.Flow); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", ref, err))
		}
	}
	log.Info().Msgf("twt.Engine.Reset stations=%d uninstalled=%d failed=%d", stations, len(installed), len(errs))
	return errors.Join(errs...)
}

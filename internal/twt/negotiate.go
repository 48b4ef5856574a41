package twt

import (
	"fmt"

	"github.com/danmuck/radioctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	resultAccepted  = "accepted"
	resultRejected  = "rejected"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultRole      = "role_mismatch"
	resultRemoved   = "removed"
	resultFailed    = "failed"
)

// processLocked applies one event. ErrStationTableFull leaves no side effects
// so the caller can defer the event.
func (e *Engine) processLocked(ev Event) error {
	if ev.Flow >= MaxFlows {
		observability.RecordTWTEvent(ev.Kind.String(), resultIgnored)
		return ErrInvalidFlow
	}
	switch ev.Kind {
	case EventSetup:
		return e.setupLocked(ev)
	case EventTeardown:
		e.teardownLocked(ev)
		return nil
	default:
		return fmt.Errorf("twt: unknown event kind %d", ev.Kind)
	}
}

func (e *Engine) setupLocked(ev Event) error {
	if ev.Reject {
		e.rejectMalformedLocked(ev)
		return nil
	}
	if ev.Origin == OriginPeer {
		want := RoleResponder
		if !ev.Command.IsRequest() {
			want = RoleRequester
		}
		if e.cfg.Role != want {
			log.Warn().Msgf("twt.Engine.setup peer=%s flow=%d cmd=%s discarded: role=%s", ev.Peer, ev.Flow, ev.Command, e.cfg.Role)
			observability.RecordTWTEvent(ev.Kind.String(), resultRole)
			return ErrRoleMismatch
		}
	}
	if ev.Command.IsRequest() {
		return e.considerLocked(ev)
	}
	e.responseLocked(ev)
	return nil
}

// considerLocked runs the responder side for a setup request.
func (e *Engine) considerLocked(ev Event) error {
	ref := ev.Ref()
	st, err := e.station(ev.Peer, true)
	if err != nil {
		return err
	}
	slot := &st.flows[ev.Flow]
	switch {
	case slot.state.Considering():
		log.Debug().Msgf("twt.Engine.consider %s duplicate in %s", ref, slot.state)
		observability.RecordTWTEvent(ev.Kind.String(), resultDuplicate)
		return nil
	case slot.state == Agreement:
		if e.outbox.Has(ref) {
			log.Debug().Msgf("twt.Engine.consider %s retransmitted setup, response queued", ref)
			observability.RecordTWTEvent(ev.Kind.String(), resultDuplicate)
			return nil
		}
		log.Info().Msgf("twt.Engine.consider %s rejected: %v", ref, ErrAgreementActive)
		e.replyLocked(ev, CmdReject, ev.Data)
		observability.RecordTWTEvent(ev.Kind.String(), resultRejected)
		return nil
	}

	slot.state = considerStateFor(ev.Command)
	switch ev.Command {
	case CmdRequest, CmdSuggest:
		data := ev.Data
		id, err := e.sched.Place(ref, ev.Command, &data)
		if err != nil {
			log.Info().Msgf("twt.Engine.consider %s rejected: %v", ref, err)
			slot.state = NoAgreement
			e.replyLocked(ev, CmdReject, ev.Data)
			e.releaseIfIdle(st)
			observability.RecordTWTEvent(ev.Kind.String(), resultRejected)
			return nil
		}
		slot.state = Agreement
		slot.data = data
		slot.bucket = id
		e.replyLocked(ev, CmdAccept, data)
		e.queueInstallLocked(ref, slot)
		log.Info().Msgf(
			"twt.Engine.consider %s accepted interval=%d duration=%d wake=%d bucket=%d",
			ref, data.WakeIntervalUS, data.WakeDurationUS, data.WakeTimeUS, id,
		)
		observability.RecordTWTEvent(ev.Kind.String(), resultAccepted)
	default:
		log.Info().Msgf("twt.Engine.consider %s rejected: %s unsupported", ref, ev.Command)
		slot.state = NoAgreement
		e.replyLocked(ev, CmdReject, ev.Data)
		e.releaseIfIdle(st)
		observability.RecordTWTEvent(ev.Kind.String(), resultRejected)
	}
	return nil
}

// responseLocked runs the requester side for a peer's answer.
func (e *Engine) responseLocked(ev Event) {
	ref := ev.Ref()
	st, ok := e.stations[ev.Peer]
	if !ok || !st.flows[ev.Flow].state.Considering() {
		log.Debug().Msgf("twt.Engine.response %s %s without pending request", ref, ev.Command)
		observability.RecordTWTEvent(ev.Kind.String(), resultIgnored)
		return
	}
	slot := &st.flows[ev.Flow]
	e.outbox.Remove(ref)
	if ev.Command != CmdAccept {
		log.Info().Msgf("twt.Engine.response %s %s, request discarded", ref, ev.Command)
		*slot = flowSlot{}
		e.releaseIfIdle(st)
		observability.RecordTWTEvent(ev.Kind.String(), resultRejected)
		return
	}
	data := ev.Data
	id, err := e.sched.Adopt(ref, &data)
	if err != nil {
		log.Warn().Msgf("twt.Engine.response %s accept unusable: %v", ref, err)
		*slot = flowSlot{}
		e.queueTeardownFrameLocked(ref)
		e.releaseIfIdle(st)
		observability.RecordTWTEvent(ev.Kind.String(), resultFailed)
		return
	}
	slot.state = Agreement
	slot.data = data
	slot.bucket = id
	e.queueInstallLocked(ref, slot)
	log.Info().Msgf("twt.Engine.response %s accepted wake=%d interval=%d", ref, data.WakeTimeUS, data.WakeIntervalUS)
	observability.RecordTWTEvent(ev.Kind.String(), resultAccepted)
}

func (e *Engine) rejectMalformedLocked(ev Event) {
	st, ok := e.stations[ev.Peer]
	if !ok || !st.flows[ev.Flow].state.Considering() {
		observability.RecordTWTEvent(ev.Kind.String(), resultIgnored)
		return
	}
	slot := &st.flows[ev.Flow]
	if slot.bucket != 0 {
		e.sched.Remove(slot.bucket, ev.Ref())
	}
	*slot = flowSlot{}
	e.replyLocked(ev, CmdReject, ev.Data)
	e.releaseIfIdle(st)
	log.Info().Msgf("twt.Engine.setup %s malformed setup during negotiation, rejected", ev.Ref())
	observability.RecordTWTEvent(ev.Kind.String(), resultRejected)
}

func (e *Engine) teardownLocked(ev Event) {
	st, ok := e.stations[ev.Peer]
	if !ok {
		observability.RecordTWTEvent(ev.Kind.String(), resultIgnored)
		return
	}
	flows := []uint8{ev.Flow}
	if ev.All {
		flows = flows[:0]
		for f := uint8(0); f < MaxFlows; f++ {
			flows = append(flows, f)
		}
	}
	removed := 0
	for _, f := range flows {
		if e.dropFlowLocked(st, f, ev.Origin) {
			removed++
		}
	}
	e.releaseIfIdle(st)
	if removed == 0 {
		observability.RecordTWTEvent(ev.Kind.String(), resultIgnored)
		return
	}
	log.Info().Msgf("twt.Engine.teardown peer=%s flow=%d all=%v origin=%s removed=%d", ev.Peer, ev.Flow, ev.All, ev.Origin, removed)
	observability.RecordTWTEvent(ev.Kind.String(), resultRemoved)
}

// dropFlowLocked returns flow to NoAgreement, leaving its bucket and queueing
// the firmware and peer notifications origin calls for.
func (e *Engine) dropFlowLocked(st *Station, flow uint8, origin Origin) bool {
	slot := &st.flows[flow]
	if slot.state == NoAgreement {
		return false
	}
	ref := AgreementRef{Peer: st.addr, Flow: flow}
	wasAgreement := slot.state == Agreement
	if slot.bucket != 0 {
		e.sched.Remove(slot.bucket, ref)
	}
	if wasAgreement && origin != OriginFirmware {
		e.pushWork(Work{Kind: WorkUninstall, Ref: ref, Gen: slot.gen})
	}
	if origin != OriginPeer {
		e.queueTeardownFrameLocked(ref)
	} else {
		e.outbox.Remove(ref)
	}
	*slot = flowSlot{}
	return true
}

// replyLocked queues a setup response for ev.
func (e *Engine) replyLocked(ev Event, cmd SetupCommand, d AgreementData) {
	el, err := NewElement(cmd, ev.Flow, d)
	if err != nil {
		log.Warn().Msgf("twt.Engine.reply %s %s: %v", ev.Ref(), cmd, err)
		return
	}
	item := PendingFrame{
		Ref:         ev.Ref(),
		Command:     cmd,
		DialogToken: ev.DialogToken,
		QueuedAt:    e.cfg.Now(),
		Assoc:       ev.Assoc,
	}
	if ev.Assoc {
		item.Body = el.MarshalIE()
		e.outbox.Upsert(item)
		return
	}
	item.Body = SetupFrame(e.cfg.Protected, ev.DialogToken, el)
	e.outbox.Upsert(item)
	e.pushWork(Work{Kind: WorkTransmit, Ref: item.Ref})
}

func (e *Engine) queueRequestLocked(ref AgreementRef, cmd SetupCommand, d AgreementData) error {
	el, err := NewElement(cmd, ref.Flow, d)
	if err != nil {
		return err
	}
	token := e.nextToken()
	e.outbox.Upsert(PendingFrame{
		Ref:         ref,
		Command:     cmd,
		DialogToken: token,
		Body:        SetupFrame(e.cfg.Protected, token, el),
		QueuedAt:    e.cfg.Now(),
	})
	e.pushWork(Work{Kind: WorkTransmit, Ref: ref})
	return nil
}

func (e *Engine) queueTeardownFrameLocked(ref AgreementRef) {
	e.outbox.Upsert(PendingFrame{
		Ref:      ref,
		Teardown: true,
		Body:     TeardownFrame(e.cfg.Protected, ref.Flow, false),
		QueuedAt: e.cfg.Now(),
	})
	e.pushWork(Work{Kind: WorkTransmit, Ref: ref})
}

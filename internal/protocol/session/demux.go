package session

import (
	"github.com/danmuck/radioctl/internal/observability"
	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// DeliverBytes decodes one inbound control message and routes it.
func (t *Transport) DeliverBytes(b []byte) {
	f, err := frame.Unmarshal(b, t.cfg.Limits)
	if err != nil {
		log.Warn().Msgf("session.Transport.DeliverBytes drop malformed len=%d err=%v", len(b), err)
		return
	}
	t.Deliver(f)
}

// Deliver routes one inbound control message. Events go to the notifier;
// confirmations resolve the pending command when message id and sequence match.
func (t *Transport) Deliver(f frame.Frame) {
	h := f.Header
	switch h.Kind() {
	case frame.KindEvent:
		t.pendMu.Lock()
		n := t.events
		t.pendMu.Unlock()
		if n == nil {
			log.Debug().Msgf("session.Transport.Deliver event id=%#04x dropped: no notifier", h.MessageID)
			return
		}
		n.Notify(f)
		return
	case frame.KindCommand:
		log.Warn().Msgf("session.Transport.Deliver unexpected command frame id=%#04x", h.MessageID)
		return
	}

	t.pendMu.Lock()
	p := t.pending
	if p == nil || p.id != h.CommandID() || p.seq != h.Seq() {
		t.pendMu.Unlock()
		observability.RecordLateResponse()
		if p == nil {
			log.Warn().Msgf(
				"session.Transport.Deliver late response id=%#04x seq=%d: nothing pending",
				h.CommandID(),
				h.Seq(),
			)
		} else {
			log.Warn().Msgf(
				"session.Transport.Deliver late response id=%#04x seq=%d pending id=%#04x seq=%d",
				h.CommandID(),
				h.Seq(),
				p.id,
				p.seq,
			)
		}
		return
	}
	if p.retry != h.Retry() {
		log.Debug().Msgf(
			"session.Transport.Deliver retry mismatch id=%#04x seq=%d got=%d want=%d",
			p.id,
			p.seq,
			h.Retry(),
			p.retry,
		)
	}
	t.pending = nil
	t.pendMu.Unlock()

	p.done <- resolve(p, f.Payload)
}

func resolve(p *pendingCommand, payload []byte) Response {
	status, err := frame.Status(payload)
	if err != nil {
		log.Warn().Msgf("session.resolve id=%#04x seq=%d: %v", p.id, p.seq, err)
		return Response{Result: ResultMalformed}
	}
	body := payload
	if !p.structured {
		body = payload[frame.StatusLen:]
	}
	n := len(body)
	if p.expectLen < n {
		n = p.expectLen
	}
	out := make([]byte, n)
	copy(out, body[:n])
	return Response{Result: int32(status), Payload: out}
}

package twt

import (
	"context"
	"time"

	"github.com/danmuck/radioctl/internal/observability"
	"github.com/rs/zerolog/log"
)

func (e *Engine) pushWork(w Work) {
	e.workMu.Lock()
	e.work = append(e.work, w)
	e.workMu.Unlock()
	kick(e.workKick)
}

// takeDue removes the work items that are due at now, keeping order.
func (e *Engine) takeDue(now time.Time) []Work {
	e.workMu.Lock()
	defer e.workMu.Unlock()
	var due []Work
	rest := e.work[:0]
	for _, w := range e.work {
		if w.NotBefore.After(now) {
			rest = append(rest, w)
			continue
		}
		due = append(due, w)
	}
	e.work = rest
	return due
}

// ProcessWork runs due install, uninstall and transmit items outside the
// engine lock. Failed items are retried with backoff up to MaxWorkAttempts.
// It returns when the next delayed item becomes due (zero if none).
func (e *Engine) ProcessWork(ctx context.Context) time.Time {
	for _, w := range e.takeDue(e.cfg.Now()) {
		if ctx.Err() != nil {
			e.requeue(w)
			continue
		}
		err := e.runWork(ctx, w)
		observability.RecordTWTWork(w.Kind.String(), err == nil)
		if err == nil {
			continue
		}
		w.Attempt++
		if w.Attempt < e.cfg.MaxWorkAttempts {
			e.mu.Lock()
			delay := e.cfg.Backoff.Delay(w.Attempt, e.rng)
			e.mu.Unlock()
			w.NotBefore = e.cfg.Now().Add(delay)
			log.Warn().Msgf("twt.Engine.ProcessWork %s %s attempt=%d retry in %s: %v", w.Kind, w.Ref, w.Attempt, delay, err)
			e.requeue(w)
			continue
		}
		log.Error().Msgf("twt.Engine.ProcessWork %s %s gave up after %d attempts: %v", w.Kind, w.Ref, w.Attempt, err)
		e.abandon(w)
	}
	return e.nextWorkDue()
}

func (e *Engine) requeue(w Work) {
	e.workMu.Lock()
	e.work = append(e.work, w)
	e.workMu.Unlock()
}

func (e *Engine) nextWorkDue() time.Time {
	e.workMu.Lock()
	defer e.workMu.Unlock()
	var next time.Time
	for _, w := range e.work {
		if next.IsZero() || w.NotBefore.Before(next) {
			next = w.NotBefore
		}
	}
	return next
}

func (e *Engine) runWork(ctx context.Context, w Work) error {
	switch w.Kind {
	case WorkInstall:
		if !e.isCurrent(w.Ref, w.Gen) {
			log.Debug().Msgf("twt.Engine.ProcessWork install %s gen=%d skipped: superseded", w.Ref, w.Gen)
			return nil
		}
		if err := e.fw.Install(ctx, w.Ref.Peer, w.Ref.Flow, w.Data); err != nil {
			return err
		}
		e.markInstalled(w.Ref, w.Gen)
		return nil
	case WorkUninstall:
		if e.supersededBy(w.Ref, w.Gen) {
			log.Debug().Msgf("twt.Engine.ProcessWork uninstall %s gen=%d skipped: newer agreement owns the flow", w.Ref, w.Gen)
			return nil
		}
		return e.fw.Uninstall(ctx, w.Ref.Peer, w.Ref.Flow)
	case WorkTransmit:
		item, ok := e.outbox.Get(w.Ref)
		if !ok || e.tx == nil {
			return nil
		}
		err := e.tx.SendAction(ctx, w.Ref.Peer, item.Body)
		if err != nil {
			e.outbox.MarkAttempt(w.Ref, item.Seq, e.cfg.Now(), err)
			return err
		}
		if !e.outbox.RemoveIf(w.Ref, item.Seq) {
			log.Debug().Msgf("twt.Engine.ProcessWork transmit %s replaced while sending", w.Ref)
		}
		return nil
	default:
		return nil
	}
}

// abandon handles a work item that exhausted its attempts. An agreement the
// firmware never took is torn down.
func (e *Engine) abandon(w Work) {
	switch w.Kind {
	case WorkInstall:
		if !e.isCurrent(w.Ref, w.Gen) {
			return
		}
		e.Enqueue(Event{Kind: EventTeardown, Origin: OriginFirmware, Peer: w.Ref.Peer, Flow: w.Ref.Flow})
	case WorkTransmit:
		e.outbox.Remove(w.Ref)
	}
}

// queueInstallLocked stamps slot with a fresh generation and queues its install.
func (e *Engine) queueInstallLocked(ref AgreementRef, slot *flowSlot) {
	e.gen++
	slot.gen = e.gen
	e.pushWork(Work{Kind: WorkInstall, Ref: ref, Data: slot.data, Gen: slot.gen})
}

func (e *Engine) slotLocked(ref AgreementRef) (*flowSlot, bool) {
	st, ok := e.stations[ref.Peer]
	if !ok || ref.Flow >= MaxFlows {
		return nil, false
	}
	return &st.flows[ref.Flow], true
}

// isCurrent reports whether gen is the live agreement on ref.
func (e *Engine) isCurrent(ref AgreementRef, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slotLocked(ref)
	return ok && slot.state == Agreement && slot.gen == gen
}

// supersededBy reports whether a later agreement than gen holds ref.
func (e *Engine) supersededBy(ref AgreementRef, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slotLocked(ref)
	return ok && slot.state == Agreement && slot.gen > gen
}

func (e *Engine) markInstalled(ref AgreementRef, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok := e.slotLocked(ref); ok && slot.state == Agreement && slot.gen == gen {
		slot.installed = true
	}
}

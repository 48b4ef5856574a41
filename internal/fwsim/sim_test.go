package fwsim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/session"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/danmuck/radioctl/internal/testutil/testlog"
	"github.com/danmuck/radioctl/internal/twt"
)

type eventSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (e *eventSink) Notify(f frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
}

func newPair(t *testing.T) (*Sim, *session.Transport, *eventSink) {
	t.Helper()
	sim := New(frame.Limits{})
	sink := &eventSink{}
	tr := session.NewTransport(session.Config{CommandTimeout: 50 * time.Millisecond}, sim, nil, sink)
	sim.Attach(tr.DeliverBytes)
	return sim, tr, sink
}

var peer = twt.Addr{0x02, 0, 0, 0, 0, 0x42}

func installPayload(t *testing.T, flow uint8) []byte {
	t.Helper()
	b, err := tlv.EncodeFields([]tlv.Field{
		tlv.Addr(schema.FieldPeer, peer),
		tlv.U8(schema.FieldFlowID, flow),
		tlv.U64(schema.FieldWakeTime, 8000),
		tlv.U64(schema.FieldWakeInterval, 100000),
		tlv.U32(schema.FieldWakeDuration, 8000),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestSimInstallAndUninstall(t *testing.T) {
	testlog.Start(t)
	sim, tr, _ := newPair(t)
	ctx := context.Background()

	resp, err := tr.Send(ctx, session.Command{ID: schema.CmdTWTInstall, Payload: installPayload(t, 3), ExpectLen: 4})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if resp.Result != 0 {
		t.Fatalf("install status %d", resp.Result)
	}
	got, ok := sim.Agreements()[twt.AgreementRef{Peer: peer, Flow: 3}]
	if !ok || got.WakeTimeUS != 8000 || got.WakeIntervalUS != 100000 || got.WakeDurationUS != 8000 {
		t.Fatalf("unexpected installed agreement %+v ok=%v", got, ok)
	}

	payload, err := tlv.EncodeFields([]tlv.Field{tlv.Addr(schema.FieldPeer, peer), tlv.U8(schema.FieldFlowID, 3)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := tr.Send(ctx, session.Command{ID: schema.CmdTWTUninstall, Payload: payload}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if len(sim.InstalledRefs()) != 0 {
		t.Fatalf("agreement still installed")
	}
}

func TestSimStatusAndMalformed(t *testing.T) {
	testlog.Start(t)
	sim, tr, _ := newPair(t)
	ctx := context.Background()

	sim.SetMode(schema.CmdTWTInstall, Mode{Status: -16})
	resp, err := tr.Send(ctx, session.Command{ID: schema.CmdTWTInstall, Payload: installPayload(t, 1)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Result != -16 || resp.Err() == nil {
		t.Fatalf("expected status -16, got %+v", resp)
	}
	if len(sim.InstalledRefs()) != 0 {
		t.Fatalf("failed command had side effects")
	}

	resp, err = tr.Send(ctx, session.Command{ID: schema.CmdTWTUninstall, Payload: []byte{0x01}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Result != -22 {
		t.Fatalf("expected -22 for malformed payload, got %d", resp.Result)
	}
}

func TestSimAnswersOnRetry(t *testing.T) {
	testlog.Start(t)
	sim, tr, _ := newPair(t)

	sim.SetDefaultMode(Mode{DropAttempts: 1})
	if _, err := tr.Send(context.Background(), session.Command{ID: schema.CmdTWTInstall, Payload: installPayload(t, 0)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	rx := sim.Received()
	if len(rx) != 2 || rx[0].Retry() != 0 || rx[1].Retry() != 1 || rx[0].Seq() != rx[1].Seq() {
		t.Fatalf("expected one retry of the same sequence, got %+v", rx)
	}
}

func TestSimDropAndWrongSeqTimeOut(t *testing.T) {
	testlog.Start(t)

	for _, mode := range []Mode{{Drop: true}, {WrongSeq: true}} {
		sim, tr, _ := newPair(t)
		sim.SetDefaultMode(mode)
		_, err := tr.Send(context.Background(), session.Command{ID: schema.CmdTWTInstall, Payload: installPayload(t, 0)})
		if !errors.Is(err, session.ErrTimeout) {
			t.Fatalf("mode %+v: expected timeout got %v", mode, err)
		}
		sim.Wait()
		if tr.Pending() {
			t.Fatalf("mode %+v: slot left armed", mode)
		}
	}
}

func TestSimDuplicateAnswerIsHarmless(t *testing.T) {
	testlog.Start(t)
	sim, tr, _ := newPair(t)
	sim.SetDefaultMode(Mode{Duplicate: true, Delay: 5 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if _, err := tr.Send(context.Background(), session.Command{ID: schema.CmdTWTInstall, Payload: installPayload(t, uint8(i))}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sim.Wait()
	if len(sim.InstalledRefs()) != 3 {
		t.Fatalf("expected 3 agreements got %v", sim.InstalledRefs())
	}
}

func TestSimInjectEventAndLinkDown(t *testing.T) {
	testlog.Start(t)
	sim, tr, sink := newPair(t)

	if err := sim.Inject(schema.EvPowerSave, []tlv.Field{tlv.Bool(schema.FieldDozing, true)}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	sink.mu.Lock()
	n := len(sink.frames)
	var h frame.Header
	if n > 0 {
		h = sink.frames[0].Header
	}
	sink.mu.Unlock()
	if n != 1 || h.Kind() != frame.KindEvent || h.CommandID() != schema.EvPowerSave {
		t.Fatalf("unexpected events n=%d header=%+v", n, h)
	}

	sim.SetEstablished(false)
	if _, err := tr.Send(context.Background(), session.Command{ID: schema.CmdTWTInstall}); !errors.Is(err, session.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported got %v", err)
	}

	detached := New(frame.DefaultLimits())
	if err := detached.Inject(schema.EvPowerSave, nil); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached got %v", err)
	}
}

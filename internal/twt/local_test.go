package twt

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/radioctl/internal/testutil/testlog"
)

func TestRequesterConfigureAccept(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, RoleRequester, 0)
	ctx := context.Background()

	err := h.engine.Execute(LocalCommand{Op: OpConfigure, Peer: peerA, Flow: 1, Data: testData(100000, 8192)})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := h.engine.State(peerA, 1); got != ConsiderRequest {
		t.Fatalf("state after configure: %s", got)
	}
	h.engine.ProcessWork(ctx)
	sent := h.tx.frames()
	if len(sent) != 1 {
		t.Fatalf("expected setup request on air, got %d frames", len(sent))
	}
	req := parseSent(t, sent[0])
	if req.Element.Command() != CmdRequest || !req.Element.Request() || req.DialogToken == 0 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Element.RequestType&ReqImplicit == 0 {
		t.Fatalf("configure should request an implicit agreement")
	}

	err = h.engine.Execute(LocalCommand{Op: OpConfigure, Peer: peerA, Flow: 1, Data: testData(100000, 8192)})
	if !errors.Is(err, ErrAgreementActive) {
		t.Fatalf("expected ErrAgreementActive while negotiating, got %v", err)
	}

	d := req.Element.Data()
	d.WakeTimeUS = 4096
	accept, err := NewElement(CmdAccept, 1, d)
	if err != nil {
		t.Fatalf("accept element: %v", err)
	}
	if err := h.engine.HandleActionFrame(peerA, SetupFrame(false, req.DialogToken, accept)); err != nil {
		t.Fatalf("handle accept: %v", err)
	}
	h.engine.ProcessEvents()
	if got := h.engine.State(peerA, 1); got != Agreement {
		t.Fatalf("state after accept: %s", got)
	}
	b := h.engine.Buckets()
	if len(b) != 1 || b[0].Members[0].WakeTimeUS != 4096 {
		t.Fatalf("accepted schedule not adopted: %+v", b)
	}
	h.engine.ProcessWork(ctx)
	if len(h.fw.installs) != 1 || h.fw.installData[AgreementRef{Peer: peerA, Flow: 1}].WakeTimeUS != 4096 {
		t.Fatalf("install not issued with peer schedule: %+v", h.fw.installData)
	}

	if err := h.engine.Execute(LocalCommand{Op: OpRemove, Peer: peerA, Flow: 1}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if h.engine.Stations() != 0 || len(h.engine.Buckets()) != 0 {
		t.Fatalf("remove left state behind")
	}
	h.engine.ProcessWork(ctx)
	if len(h.fw.uninstalls) != 1 {
		t.Fatalf("expected uninstall, got %+v", h.fw.uninstalls)
	}
	sent = h.tx.frames()
	td := parseSent(t, sent[len(sent)-1])
	if td.Action != ActionTeardown || td.Flow != 1 || td.All {
		t.Fatalf("expected teardown for flow 1, got %+v", td)
	}

	if err := h.engine.Execute(LocalCommand{Op: OpRemove, Peer: peerA, Flow: 1}); !errors.Is(err, ErrNoAgreement) {
		t.Fatalf("expected ErrNoAgreement got %v", err)
	}
}

func TestRequesterRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, RoleRequester, 0)

	err := h.engine.Execute(LocalCommand{
		Op:      OpConfigureExplicit,
		Peer:    peerB,
		Flow:    6,
		Command: CmdSuggest,
		Data:    testData(200000, 4096),
	})
	if err != nil {
		t.Fatalf("configure explicit: %v", err)
	}
	if got := h.engine.State(peerB, 6); got != ConsiderSuggest {
		t.Fatalf("state: %s", got)
	}
	pending := h.engine.Outbox()
	if len(pending) != 1 {
		t.Fatalf("expected queued suggest, got %+v", pending)
	}
	a, err := ParseAction(pending[0].Body)
	if err != nil {
		t.Fatalf("parse queued frame: %v", err)
	}
	if a.Element.Command() != CmdSuggest || a.Element.RequestType&ReqImplicit != 0 {
		t.Fatalf("expected explicit suggest, got %+v", a.Element)
	}

	reject, err := NewElement(CmdReject, 6, testData(200000, 4096))
	if err != nil {
		t.Fatalf("reject element: %v", err)
	}
	if err := h.engine.HandleElement(peerB, a.DialogToken, reject); err != nil {
		t.Fatalf("handle reject: %v", err)
	}
	h.engine.ProcessEvents()
	if got := h.engine.State(peerB, 6); got != NoAgreement {
		t.Fatalf("state after reject: %s", got)
	}
	if h.engine.Stations() != 0 || len(h.engine.Outbox()) != 0 {
		t.Fatalf("rejected request left state behind")
	}
}

func TestMalformedSetupDuringNegotiationRejected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, RoleRequester, 0)

	if err := h.engine.Execute(LocalCommand{Op: OpConfigure, Peer: peerA, Flow: 2, Data: testData(100000, 8192)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	h.engine.ProcessWork(context.Background())

	bad, err := NewElement(CmdAccept, 2, testData(100000, 8192))
	if err != nil {
		t.Fatalf("element: %v", err)
	}
	bad.RequestType |= ReqRequest
	if err := h.engine.HandleElement(peerA, 1, bad); !errors.Is(err, ErrDisallowedRole) {
		t.Fatalf("expected ErrDisallowedRole got %v", err)
	}
	h.engine.ProcessEvents()
	if got := h.engine.State(peerA, 2); got != NoAgreement {
		t.Fatalf("state after malformed setup: %s", got)
	}
	pending := h.engine.Outbox()
	if len(pending) != 1 || pending[0].Command != CmdReject {
		t.Fatalf("expected REJECT queued, got %+v", pending)
	}
}

func TestLocalCommandRoleAndSlotErrors(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, RoleResponder, 0)

	err := h.engine.Execute(LocalCommand{Op: OpConfigure, Peer: peerA, Flow: 0, Data: testData(100000, 8192)})
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch got %v", err)
	}

	if err := h.engine.Execute(LocalCommand{Op: OpForceInstall, Peer: peerA, Flow: 0, Data: testData(10000, 6000)}); err != nil {
		t.Fatalf("force install: %v", err)
	}
	if got := h.engine.State(peerA, 0); got != Agreement {
		t.Fatalf("force install state: %s", got)
	}
	err = h.engine.Execute(LocalCommand{Op: OpForceInstall, Peer: peerA, Flow: 0, Data: testData(10000, 1000)})
	if !errors.Is(err, ErrAgreementActive) {
		t.Fatalf("expected ErrAgreementActive got %v", err)
	}
	err = h.engine.Execute(LocalCommand{Op: OpForceInstall, Peer: peerB, Flow: 0, Data: testData(10000, 6000)})
	if !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot got %v", err)
	}
	if h.engine.Stations() != 1 {
		t.Fatalf("failed placement kept station B")
	}
	err = h.engine.Execute(LocalCommand{Op: OpForceInstall, Peer: peerB, Flow: 0, Data: testData(1000, 6000)})
	if !errors.Is(err, ErrDurationExceedsInterval) {
		t.Fatalf("expected ErrDurationExceedsInterval got %v", err)
	}
	if err := h.engine.Execute(LocalCommand{Op: OpRemove, Peer: peerA, Flow: MaxFlows}); !errors.Is(err, ErrInvalidFlow) {
		t.Fatalf("expected ErrInvalidFlow got %v", err)
	}

	h.engine.ProcessWork(context.Background())
	if len(h.fw.installs) != 1 {
		t.Fatalf("expected one install got %+v", h.fw.installs)
	}
	// Forced agreements are not negotiated over the air.
	if n := len(h.tx.frames()); n != 0 {
		t.Fatalf("force install transmitted %d frames", n)
	}
}

func TestParseLocalOp(t *testing.T) {
	testlog.Start(t)

	for _, op := range []LocalOp{OpConfigure, OpConfigureExplicit, OpForceInstall, OpRemove} {
		got, err := ParseLocalOp(op.String())
		if err != nil || got != op {
			t.Fatalf("round trip %s: got %v err=%v", op, got, err)
		}
	}
	if _, err := ParseLocalOp("bogus"); err == nil {
		t.Fatalf("expected error for unknown op")
	}
}

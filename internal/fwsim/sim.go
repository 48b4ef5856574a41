package fwsim

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/danmuck/radioctl/internal/twt"
	"github.com/rs/zerolog/log"
)

var ErrNotAttached = errors.New("fwsim: no host attached")

// Mode shapes how the simulator answers one command id.
type Mode struct {
	// Drop never answers.
	Drop bool
	// DropAttempts ignores attempts whose retry counter is below it.
	DropAttempts int
	Delay        time.Duration
	Status       int32
	// Duplicate answers twice.
	Duplicate bool
	// WrongSeq answers with a sequence the host never issued.
	WrongSeq bool
}

// Action is a frame the host asked the firmware to transmit.
type Action struct {
	Peer twt.Addr
	Body []byte
}

// Sim is an in-memory co-processor. It implements session.Link.
type Sim struct {
	mu          sync.Mutex
	limits      frame.Limits
	deliver     func([]byte)
	established bool
	defaultMode Mode
	modes       map[uint16]Mode
	received    []frame.Header
	agreements  map[twt.AgreementRef]twt.AgreementData
	actions     []Action
	wg          sync.WaitGroup
}

func New(limits frame.Limits) *Sim {
	if limits.MaxPayloadBytes <= 0 {
		limits = frame.DefaultLimits()
	}
	return &Sim{
		limits:      limits,
		established: true,
		modes:       make(map[uint16]Mode),
		agreements:  make(map[twt.AgreementRef]twt.AgreementData),
	}
}

// Attach sets where confirmations and events are delivered.
func (s *Sim) Attach(deliver func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *Sim) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *Sim) SetEstablished(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established = v
}

func (s *Sim) SetDefaultMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultMode = m
}

func (s *Sim) SetMode(id uint16, m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[id] = m
}

// WriteFrame accepts one command from the host and schedules its confirmation.
func (s *Sim) WriteFrame(b []byte) error {
	f, err := frame.Unmarshal(b, s.limits)
	if err != nil {
		return err
	}
	h := f.Header

	s.mu.Lock()
	deliver := s.deliver
	mode, ok := s.modes[h.CommandID()]
	if !ok {
		mode = s.defaultMode
	}
	s.received = append(s.received, h)
	status := mode.Status
	if status == 0 && !mode.Drop && int(h.Retry()) >= mode.DropAttempts {
		status = s.applyLocked(h.CommandID(), f.Payload)
	}
	s.mu.Unlock()

	if deliver == nil {
		return ErrNotAttached
	}
	if mode.Drop || int(h.Retry()) < mode.DropAttempts {
		log.Debug().Msgf("fwsim.Sim.WriteFrame drop command=%#04x seq=%d retry=%d", h.CommandID(), h.Seq(), h.Retry())
		return nil
	}

	hostID := h.HostID
	if mode.WrongSeq {
		hostID = frame.HostID(frame.NextSeq(h.Seq()+7), h.Retry())
	}
	conf := frame.Frame{
		Header: frame.Header{
			MessageID: frame.ConfirmID(h.CommandID()),
			TargetID:  h.TargetID,
			HostID:    hostID,
		},
		Payload: frame.AppendStatus(uint32(status), nil),
	}
	raw, err := frame.Marshal(conf, s.limits)
	if err != nil {
		return err
	}
	copies := 1
	if mode.Duplicate {
		copies = 2
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if mode.Delay > 0 {
			time.Sleep(mode.Delay)
		}
		for i := 0; i < copies; i++ {
			deliver(raw)
		}
	}()
	return nil
}

// applyLocked executes the command's side effect and returns its status.
func (s *Sim) applyLocked(id uint16, payload []byte) int32 {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return -22
	}
	if err := schema.ValidateCommand(id, fields); err != nil {
		log.Debug().Msgf("fwsim.Sim.apply command=%#04x: %v", id, err)
		return -22
	}
	peerField, _ := tlv.GetField(fields, schema.FieldPeer)
	peer, _ := tlv.AddrFromBytes(peerField.Value)
	switch id {
	case schema.CmdTWTInstall, schema.CmdTWTUninstall:
		flowField, _ := tlv.GetField(fields, schema.FieldFlowID)
		flow, _ := tlv.U8FromBytes(flowField.Value)
		ref := twt.AgreementRef{Peer: twt.Addr(peer), Flow: flow}
		if id == schema.CmdTWTUninstall {
			delete(s.agreements, ref)
			return 0
		}
		s.agreements[ref] = agreementFrom(fields)
	case schema.CmdTxAction:
		body, _ := tlv.GetField(fields, schema.FieldActionBody)
		s.actions = append(s.actions, Action{Peer: twt.Addr(peer), Body: append([]byte(nil), body.Value...)})
	}
	return 0
}

func agreementFrom(fields []tlv.Field) twt.AgreementData {
	var d twt.AgreementData
	if f, ok := tlv.GetField(fields, schema.FieldWakeTime); ok {
		d.WakeTimeUS, _ = tlv.U64FromBytes(f.Value)
	}
	if f, ok := tlv.GetField(fields, schema.FieldWakeInterval); ok {
		d.WakeIntervalUS, _ = tlv.U64FromBytes(f.Value)
	}
	if f, ok := tlv.GetField(fields, schema.FieldWakeDuration); ok {
		d.WakeDurationUS, _ = tlv.U32FromBytes(f.Value)
	}
	return d
}

// Inject sends an asynchronous event to the host.
func (s *Sim) Inject(id uint16, fields []tlv.Field) error {
	payload, err := tlv.EncodeFields(fields)
	if err != nil {
		return err
	}
	raw, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{MessageID: frame.EventID(id)},
		Payload: payload,
	}, s.limits)
	if err != nil {
		return err
	}
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver == nil {
		return ErrNotAttached
	}
	deliver(raw)
	return nil
}

// Wait blocks until every scheduled confirmation has been delivered.
func (s *Sim) Wait() {
	s.wg.Wait()
}

func (s *Sim) Received() []frame.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Header(nil), s.received...)
}

func (s *Sim) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.actions...)
}

// Agreements copies the installed agreement table.
func (s *Sim) Agreements() map[twt.AgreementRef]twt.AgreementData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[twt.AgreementRef]twt.AgreementData, len(s.agreements))
	for k, v := range s.agreements {
		out[k] = v
	}
	return out
}

// InstalledRefs returns installed agreement refs in a stable order.
func (s *Sim) InstalledRefs() []twt.AgreementRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]twt.AgreementRef, 0, len(s.agreements))
	for k := range s.agreements {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

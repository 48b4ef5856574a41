package radio

import (
	"errors"
	"testing"

	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/danmuck/radioctl/internal/testutil/testlog"
)

func handler(id uint16, name string, fn func([]tlv.Field) error) EventHandler {
	return EventHandler{
		Meta:   HandlerMetadata{EventID: id, Name: name, Description: name + " handler"},
		Handle: fn,
	}
}

func TestRegistryRegisterAndList(t *testing.T) {
	testlog.Start(t)
	r := NewEventRegistry()
	noop := func([]tlv.Field) error { return nil }

	if err := r.Register(handler(schema.EvPowerSave, "power_save", noop)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(handler(schema.EvRxAction, "rx_action", noop)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(handler(schema.EvPowerSave, "again", noop)); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists got %v", err)
	}
	if err := r.Register(EventHandler{Meta: HandlerMetadata{EventID: 9, Name: "x", Description: "y"}}); !errors.Is(err, ErrHandlerNil) {
		t.Fatalf("expected ErrHandlerNil got %v", err)
	}
	if err := r.Register(handler(0, "zero", noop)); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata got %v", err)
	}
	if err := r.Register(handler(frame.EventID(7), "tagged", noop)); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata for tagged id got %v", err)
	}

	list := r.ListMetadata()
	if len(list) != 2 || list[0].EventID != schema.EvRxAction || list[1].EventID != schema.EvPowerSave {
		t.Fatalf("unexpected metadata order %+v", list)
	}
}

func TestRegistryNotifyValidates(t *testing.T) {
	testlog.Start(t)
	r := NewEventRegistry()
	calls := 0
	if err := r.Register(handler(schema.EvPowerSave, "power_save", func(fields []tlv.Field) error {
		calls++
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	good, err := tlv.EncodeFields([]tlv.Field{tlv.Bool(schema.FieldDozing, true)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bad, err := tlv.EncodeFields([]tlv.Field{tlv.U32(schema.FieldDozing, 1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event := func(id uint16, payload []byte) frame.Frame {
		return frame.Frame{Header: frame.Header{MessageID: frame.EventID(id)}, Payload: payload}
	}

	r.Notify(event(schema.EvPowerSave, good))
	r.Notify(event(schema.EvPowerSave, bad))
	r.Notify(event(schema.EvPowerSave, []byte{0xff}))
	r.Notify(event(schema.EvTWTTeardown, good))
	if calls != 1 {
		t.Fatalf("expected exactly one dispatched event, got %d", calls)
	}
}

package radio

import (
	"context"
	"fmt"

	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/session"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/danmuck/radioctl/internal/twt"
)

// Sender is the command path the firmware bridge uses.
type Sender interface {
	Send(ctx context.Context, cmd session.Command) (session.Response, error)
}

// Firmware turns TWT engine work into firmware commands. It implements
// twt.Firmware and twt.FrameSender.
type Firmware struct {
	tx       Sender
	targetID uint16
}

func NewFirmware(tx Sender, targetID uint16) *Firmware {
	return &Firmware{tx: tx, targetID: targetID}
}

func (f *Firmware) Install(ctx context.Context, peer twt.Addr, flow uint8, d twt.AgreementData) error {
	return f.send(ctx, schema.CmdTWTInstall, []tlv.Field{
		tlv.Addr(schema.FieldPeer, peer),
		tlv.U8(schema.FieldFlowID, flow),
		tlv.U64(schema.FieldWakeTime, d.WakeTimeUS),
		tlv.U64(schema.FieldWakeInterval, d.WakeIntervalUS),
		tlv.U32(schema.FieldWakeDuration, d.WakeDurationUS),
		tlv.U8(schema.FieldControl, d.Control),
		tlv.U16(schema.FieldRequestType, d.RequestType),
	})
}

func (f *Firmware) Uninstall(ctx context.Context, peer twt.Addr, flow uint8) error {
	return f.send(ctx, schema.CmdTWTUninstall, []tlv.Field{
		tlv.Addr(schema.FieldPeer, peer),
		tlv.U8(schema.FieldFlowID, flow),
	})
}

// SendAction hands an action frame body to firmware for transmission.
func (f *Firmware) SendAction(ctx context.Context, peer twt.Addr, body []byte) error {
	return f.send(ctx, schema.CmdTxAction, []tlv.Field{
		tlv.Addr(schema.FieldPeer, peer),
		tlv.Bytes(schema.FieldActionBody, body),
	})
}

func (f *Firmware) send(ctx context.Context, id uint16, fields []tlv.Field) error {
	if err := schema.ValidateCommand(id, fields); err != nil {
		return err
	}
	payload, err := tlv.EncodeFields(fields)
	if err != nil {
		return err
	}
	resp, err := f.tx.Send(ctx, session.Command{
		ID:         id,
		TargetID:   f.targetID,
		Payload:    payload,
		ExpectLen:  4,
		Structured: true,
	})
	if err != nil {
		return fmt.Errorf("radio: command %#04x: %w", id, err)
	}
	if resp.Result != 0 {
		return &session.StatusError{Command: id, Status: resp.Result}
	}
	return nil
}

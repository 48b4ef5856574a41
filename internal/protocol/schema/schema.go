package schema

import (
	"fmt"

	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Firmware command ids (request direction, type bits clear).
const (
	CmdTWTInstall   uint16 = 0x0031
	CmdTWTUninstall uint16 = 0x0032
	CmdTxAction     uint16 = 0x0033
)

// Firmware asynchronous event ids (before frame.EventID tagging).
const (
	EvRxAction    uint16 = 0x0001
	EvTWTTeardown uint16 = 0x0002
	EvPowerSave   uint16 = 0x0003
)

// Field IDs from tlv contract.
const (
	FieldPeer         uint16 = 1
	FieldFlowID       uint16 = 2
	FieldWakeTime     uint16 = 3
	FieldWakeInterval uint16 = 4
	FieldWakeDuration uint16 = 5
	FieldControl      uint16 = 6
	FieldRequestType  uint16 = 7

	FieldActionBody uint16 = 100
	FieldReason     uint16 = 101
	FieldDozing     uint16 = 102
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageID uint16
	FieldID   uint16
	Reason    string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_id=%#04x: %s", e.MessageID, e.Reason)
	}
	return fmt.Sprintf("schema: message_id=%#04x field=%d: %s", e.MessageID, e.FieldID, e.Reason)
}

var commandRequirements = map[uint16][]Requirement{
	CmdTWTInstall: {
		{FieldPeer, tlv.TypeAddr},
		{FieldFlowID, tlv.TypeU8},
		{FieldWakeTime, tlv.TypeU64},
		{FieldWakeInterval, tlv.TypeU64},
		{FieldWakeDuration, tlv.TypeU32},
	},
	CmdTWTUninstall: {
		{FieldPeer, tlv.TypeAddr},
		{FieldFlowID, tlv.TypeU8},
	},
	CmdTxAction: {
		{FieldPeer, tlv.TypeAddr},
		{FieldActionBody, tlv.TypeBytes},
	},
}

var eventRequirements = map[uint16][]Requirement{
	EvRxAction: {
		{FieldPeer, tlv.TypeAddr},
		{FieldActionBody, tlv.TypeBytes},
	},
	EvTWTTeardown: {
		{FieldPeer, tlv.TypeAddr},
		{FieldFlowID, tlv.TypeU8},
	},
	EvPowerSave: {
		{FieldDozing, tlv.TypeBool},
	},
}

// ValidateCommand enforces required fields for a firmware command payload.
// Unknown fields are ignored.
func ValidateCommand(id uint16, fields []tlv.Field) error {
	return validate(commandRequirements, id, fields)
}

// ValidateEvent enforces required fields for an asynchronous event payload.
func ValidateEvent(id uint16, fields []tlv.Field) error {
	return validate(eventRequirements, id, fields)
}

func validate(table map[uint16][]Requirement, id uint16, fields []tlv.Field) error {
	log.Trace().Msgf("schema.validate message_id=%#04x fields=%d", id, len(fields))
	reqs, ok := table[id]
	if !ok {
		log.Error().Msgf("schema.validate unknown message_id=%#04x", id)
		return ValidationError{MessageID: id, Reason: "unknown message_id"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf("schema.validate missing field message_id=%#04x field_id=%d", id, req.ID)
			return ValidationError{MessageID: id, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.validate type mismatch message_id=%#04x field_id=%d got=%d want=%d",
				id,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageID: id, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

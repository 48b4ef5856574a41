package twt

import (
	"errors"
	"fmt"
)

const (
	CategoryUnprotectedS1G uint8 = 22
	CategoryProtectedS1G   uint8 = 23

	ActionSetup    uint8 = 6
	ActionTeardown uint8 = 7

	teardownFlowMask uint8 = 0x07
	teardownAll      uint8 = 1 << 7
)

var (
	ErrShortAction     = errors.New("twt: short action frame")
	ErrUnknownCategory = errors.New("twt: unknown action category")
	ErrUnknownAction   = errors.New("twt: unknown TWT action")
)

// ActionFrame is a decoded TWT action frame body (no MAC header).
type ActionFrame struct {
	Category    uint8
	Action      uint8
	DialogToken uint8
	Element     Element
	// Teardown fields.
	Flow uint8
	All  bool
}

func (a ActionFrame) Protected() bool {
	return a.Category == CategoryProtectedS1G
}

// ParseAction decodes a setup or teardown action body. Setup elements are
// parsed but not validated.
func ParseAction(body []byte) (ActionFrame, error) {
	if len(body) < 3 {
		return ActionFrame{}, fmt.Errorf("%w: %d", ErrShortAction, len(body))
	}
	a := ActionFrame{Category: body[0], Action: body[1]}
	if a.Category != CategoryUnprotectedS1G && a.Category != CategoryProtectedS1G {
		return ActionFrame{}, fmt.Errorf("%w: %d", ErrUnknownCategory, a.Category)
	}
	switch a.Action {
	case ActionSetup:
		a.DialogToken = body[2]
		e, _, err := ParseElementIE(body[3:])
		if err != nil {
			return ActionFrame{}, err
		}
		a.Element = e
	case ActionTeardown:
		a.Flow = body[2] & teardownFlowMask
		a.All = body[2]&teardownAll != 0
	default:
		return ActionFrame{}, fmt.Errorf("%w: %d", ErrUnknownAction, a.Action)
	}
	return a, nil
}

func category(protected bool) uint8 {
	if protected {
		return CategoryProtectedS1G
	}
	return CategoryUnprotectedS1G
}

// SetupFrame builds a setup action body carrying e.
func SetupFrame(protected bool, token uint8, e Element) []byte {
	out := []byte{category(protected), ActionSetup, token}
	return append(out, e.MarshalIE()...)
}

// TeardownFrame builds a teardown action body for flow.
func TeardownFrame(protected bool, flow uint8, all bool) []byte {
	b := flow & teardownFlowMask
	if all {
		b |= teardownAll
	}
	return []byte{category(protected), ActionTeardown, b}
}

package twt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ElementID = 216

	ElementMinLen = 10
	ElementMaxLen = 20
	// control + request type + target wake time + min duration + mantissa
	individualLen = 14
)

// Control field bits.
const (
	ControlNDPPaging      uint8 = 1 << 0
	ControlResponderPM    uint8 = 1 << 1
	controlNegShift             = 2
	controlNegMask        uint8 = 0x3 << controlNegShift
	ControlInfoDisabled   uint8 = 1 << 4
	ControlWakeDurUnitTU  uint8 = 1 << 5
	negotiationIndividual uint8 = 0
)

// Request type field bits.
const (
	ReqRequest       uint16 = 1 << 0
	reqCmdShift             = 1
	reqCmdMask       uint16 = 0x7 << reqCmdShift
	ReqTrigger       uint16 = 1 << 4
	ReqImplicit      uint16 = 1 << 5
	ReqUnannounced   uint16 = 1 << 6
	reqFlowShift            = 7
	reqFlowMask      uint16 = 0x7 << reqFlowShift
	reqExpShift             = 10
	reqExpMask       uint16 = 0x1f << reqExpShift
	ReqRAWProtection uint16 = 1 << 15
)

var (
	ErrElementLength         = errors.New("twt: bad element length")
	ErrNDPUnsupported        = errors.New("twt: NDP paging unsupported")
	ErrBroadcastUnsupported  = errors.New("twt: only individual negotiation supported")
	ErrDisallowedRole        = errors.New("twt: setup command not allowed for request role")
	ErrFlowTypeMismatch      = errors.New("twt: explicit agreement with unannounced flow type")
	ErrProtectionUnsupported = errors.New("twt: RAW protection unsupported")
	ErrChannelUnsupported    = errors.New("twt: nonzero TWT channel unsupported")
	ErrNotTWTElement         = errors.New("twt: not a TWT element")
)

// Element is the individual TWT parameter set carried in setup frames and
// association requests.
type Element struct {
	Control         uint8
	RequestType     uint16
	TargetWakeTime  uint64
	MinWakeDuration uint8
	Mantissa        uint16
	Channel         uint8
}

func (e Element) Request() bool {
	return e.RequestType&ReqRequest != 0
}

func (e Element) Command() SetupCommand {
	return SetupCommand((e.RequestType & reqCmdMask) >> reqCmdShift)
}

func (e Element) FlowID() uint8 {
	return uint8((e.RequestType & reqFlowMask) >> reqFlowShift)
}

func (e Element) Exponent() uint8 {
	return uint8((e.RequestType & reqExpMask) >> reqExpShift)
}

func (e Element) NegotiationType() uint8 {
	return (e.Control & controlNegMask) >> controlNegShift
}

func (e Element) WakeIntervalUS() uint64 {
	return DecodeInterval(e.Mantissa, e.Exponent())
}

func (e Element) WakeDurationUS() uint32 {
	return DecodeDuration(e.MinWakeDuration, e.Control&ControlWakeDurUnitTU != 0)
}

// Data converts the element into agreement data.
func (e Element) Data() AgreementData {
	return AgreementData{
		Control:        e.Control,
		RequestType:    e.RequestType,
		WakeTimeUS:     e.TargetWakeTime,
		WakeIntervalUS: e.WakeIntervalUS(),
		WakeDurationUS: e.WakeDurationUS(),
		Mantissa:       e.Mantissa,
		Exponent:       e.Exponent(),
		MinDuration:    e.MinWakeDuration,
		Channel:        e.Channel,
	}
}

// Validate applies the local support rules to a parsed element.
func (e Element) Validate() error {
	if e.Control&ControlNDPPaging != 0 {
		return ErrNDPUnsupported
	}
	if e.NegotiationType() != negotiationIndividual {
		return ErrBroadcastUnsupported
	}
	if e.Request() != e.Command().IsRequest() {
		return fmt.Errorf("%w: request=%v command=%s", ErrDisallowedRole, e.Request(), e.Command())
	}
	if e.RequestType&ReqImplicit == 0 && e.RequestType&ReqUnannounced != 0 {
		return ErrFlowTypeMismatch
	}
	if e.RequestType&ReqRAWProtection != 0 {
		return ErrProtectionUnsupported
	}
	if e.Channel != 0 {
		return ErrChannelUnsupported
	}
	return nil
}

// ParseElement decodes an element body (without id/length octets).
func ParseElement(body []byte) (Element, error) {
	if len(body) < ElementMinLen || len(body) > ElementMaxLen {
		return Element{}, fmt.Errorf("%w: %d", ErrElementLength, len(body))
	}
	if len(body) < individualLen {
		return Element{}, fmt.Errorf("%w: %d bytes, individual parameter set needs %d", ErrElementLength, len(body), individualLen)
	}
	e := Element{
		Control:         body[0],
		RequestType:     binary.LittleEndian.Uint16(body[1:3]),
		TargetWakeTime:  binary.LittleEndian.Uint64(body[3:11]),
		MinWakeDuration: body[11],
		Mantissa:        binary.LittleEndian.Uint16(body[12:14]),
	}
	if len(body) > individualLen {
		e.Channel = body[14]
	}
	return e, nil
}

// ParseElementIE decodes an element including its id and length octets.
func ParseElementIE(ie []byte) (Element, int, error) {
	if len(ie) < 2 {
		return Element{}, 0, fmt.Errorf("%w: %d", ErrElementLength, len(ie))
	}
	if ie[0] != ElementID {
		return Element{}, 0, fmt.Errorf("%w: id=%d", ErrNotTWTElement, ie[0])
	}
	n := int(ie[1])
	if len(ie) < 2+n {
		return Element{}, 0, fmt.Errorf("%w: declared %d have %d", ErrElementLength, n, len(ie)-2)
	}
	e, err := ParseElement(ie[2 : 2+n])
	return e, 2 + n, err
}

// Marshal encodes the element body, always including the channel octet.
func (e Element) Marshal() []byte {
	b := make([]byte, individualLen+1)
	b[0] = e.Control
	binary.LittleEndian.PutUint16(b[1:3], e.RequestType)
	binary.LittleEndian.PutUint64(b[3:11], e.TargetWakeTime)
	b[11] = e.MinWakeDuration
	binary.LittleEndian.PutUint16(b[12:14], e.Mantissa)
	b[14] = e.Channel
	return b
}

// MarshalIE encodes the element with its id and length octets.
func (e Element) MarshalIE() []byte {
	body := e.Marshal()
	return append([]byte{ElementID, byte(len(body))}, body...)
}

// NewElement builds an element advertising d for flow with setup command cmd.
// Trigger and flow type bits are carried over from d.RequestType.
func NewElement(cmd SetupCommand, flow uint8, d AgreementData) (Element, error) {
	if flow >= MaxFlows {
		return Element{}, fmt.Errorf("%w: %d", ErrInvalidFlow, flow)
	}
	mantissa, exp := d.Mantissa, d.Exponent
	if DecodeInterval(mantissa, exp) != d.WakeIntervalUS || mantissa == 0 {
		var err error
		mantissa, exp, err = EncodeInterval(d.WakeIntervalUS)
		if err != nil {
			return Element{}, err
		}
	}
	control := d.Control &^ (ControlNDPPaging | controlNegMask)
	minDur := d.MinDuration
	if DecodeDuration(minDur, control&ControlWakeDurUnitTU != 0) != d.WakeDurationUS {
		units, tu, err := EncodeDuration(d.WakeDurationUS)
		if err != nil {
			return Element{}, err
		}
		minDur = units
		control &^= ControlWakeDurUnitTU
		if tu {
			control |= ControlWakeDurUnitTU
		}
	}
	rt := d.RequestType & (ReqTrigger | ReqImplicit | ReqUnannounced)
	if d.RequestType == 0 {
		rt = ReqImplicit
	}
	if cmd.IsRequest() {
		rt |= ReqRequest
	}
	rt |= uint16(cmd) << reqCmdShift & reqCmdMask
	rt |= uint16(flow) << reqFlowShift & reqFlowMask
	rt |= uint16(exp) << reqExpShift & reqExpMask
	return Element{
		Control:         control,
		RequestType:     rt,
		TargetWakeTime:  d.WakeTimeUS,
		MinWakeDuration: minDur,
		Mantissa:        mantissa,
	}, nil
}

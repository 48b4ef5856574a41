package twt

import (
	"errors"
	"fmt"
	"net"
)

// MaxFlows is the number of flow ids a 3-bit flow field can carry.
const MaxFlows = 8

var (
	ErrInvalidFlow             = errors.New("twt: invalid flow id")
	ErrInvalidInterval         = errors.New("twt: invalid wake interval")
	ErrDurationExceedsInterval = errors.New("twt: wake duration exceeds wake interval")
	ErrNoSlot                  = errors.New("twt: no wake slot available")
	ErrUnsupportedCommand      = errors.New("twt: unsupported setup command")
	ErrRoleMismatch            = errors.New("twt: event not allowed in configured role")
	ErrAgreementActive         = errors.New("twt: agreement active, teardown required first")
	ErrNoAgreement             = errors.New("twt: no agreement for flow")
	ErrStationTableFull        = errors.New("twt: station table full")
)

// ErrnoBadSlot is the errno reported alongside ErrNoSlot to firmware-facing callers.
const ErrnoBadSlot = -57

// Addr is a 48-bit station address.
type Addr [6]byte

func (a Addr) String() string {
	return net.HardwareAddr(a[:]).String()
}

func ParseAddr(s string) (Addr, error) {
	var a Addr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, err
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("twt: address %q is not 48-bit", s)
	}
	copy(a[:], hw)
	return a, nil
}

// State is the negotiation state of one (station, flow).
type State uint8

const (
	NoAgreement State = iota
	ConsiderRequest
	ConsiderSuggest
	ConsiderDemand
	ConsiderGrouping
	Agreement
)

func (s State) String() string {
	switch s {
	case NoAgreement:
		return "no_agreement"
	case ConsiderRequest:
		return "consider_request"
	case ConsiderSuggest:
		return "consider_suggest"
	case ConsiderDemand:
		return "consider_demand"
	case ConsiderGrouping:
		return "consider_grouping"
	case Agreement:
		return "agreement"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) Considering() bool {
	return s >= ConsiderRequest && s <= ConsiderGrouping
}

// SetupCommand is the 3-bit TWT setup command.
type SetupCommand uint8

const (
	CmdRequest SetupCommand = iota
	CmdSuggest
	CmdDemand
	CmdGrouping
	CmdAccept
	CmdAlternate
	CmdDictate
	CmdReject
)

func (c SetupCommand) String() string {
	switch c {
	case CmdRequest:
		return "request"
	case CmdSuggest:
		return "suggest"
	case CmdDemand:
		return "demand"
	case CmdGrouping:
		return "grouping"
	case CmdAccept:
		return "accept"
	case CmdAlternate:
		return "alternate"
	case CmdDictate:
		return "dictate"
	case CmdReject:
		return "reject"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// IsRequest reports whether c is sent by a requesting station.
func (c SetupCommand) IsRequest() bool {
	return c <= CmdGrouping
}

func considerStateFor(c SetupCommand) State {
	switch c {
	case CmdSuggest:
		return ConsiderSuggest
	case CmdDemand:
		return ConsiderDemand
	case CmdGrouping:
		return ConsiderGrouping
	default:
		return ConsiderRequest
	}
}

type Role uint8

const (
	RoleResponder Role = iota
	RoleRequester
)

func (r Role) String() string {
	if r == RoleRequester {
		return "requester"
	}
	return "responder"
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "", "responder", "ap":
		return RoleResponder, nil
	case "requester", "sta":
		return RoleRequester, nil
	default:
		return RoleResponder, fmt.Errorf("twt: unknown role %q", s)
	}
}

// AgreementData is the negotiated schedule plus the raw wire parameters it came from.
type AgreementData struct {
	Control        uint8
	RequestType    uint16
	WakeTimeUS     uint64
	WakeIntervalUS uint64
	WakeDurationUS uint32
	Mantissa       uint16
	Exponent       uint8
	MinDuration    uint8
	Channel        uint8
}

// Validate checks the schedule is placeable.
func (d AgreementData) Validate() error {
	if d.WakeIntervalUS == 0 {
		return ErrInvalidInterval
	}
	if uint64(d.WakeDurationUS) > d.WakeIntervalUS {
		return fmt.Errorf("%w: duration=%d interval=%d", ErrDurationExceedsInterval, d.WakeDurationUS, d.WakeIntervalUS)
	}
	return nil
}

// AgreementRef names one flow of one station.
type AgreementRef struct {
	Peer Addr
	Flow uint8
}

func (r AgreementRef) String() string {
	return fmt.Sprintf("%s/%d", r.Peer, r.Flow)
}

package twt

import "time"

type EventKind uint8

const (
	EventSetup EventKind = iota + 1
	EventTeardown
)

func (k EventKind) String() string {
	switch k {
	case EventSetup:
		return "setup"
	case EventTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Origin records who produced an event.
type Origin uint8

const (
	OriginPeer Origin = iota
	OriginLocal
	OriginFirmware
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginFirmware:
		return "firmware"
	default:
		return "peer"
	}
}

// Event is one queued setup or teardown. It is consumed exactly once by
// ProcessEvents.
type Event struct {
	Kind        EventKind
	Origin      Origin
	Peer        Addr
	Flow        uint8
	Command     SetupCommand
	Data        AgreementData
	DialogToken uint8
	// All applies a teardown to every flow of Peer.
	All bool
	// Assoc marks a setup carried in an association request.
	Assoc bool
	// Reject marks a malformed setup that only warrants a REJECT when the
	// flow is mid negotiation.
	Reject bool
}

func (ev Event) Ref() AgreementRef {
	return AgreementRef{Peer: ev.Peer, Flow: ev.Flow}
}

type deferredEvent struct {
	ev      Event
	attempt int
	due     time.Time
}

type WorkKind uint8

const (
	WorkTransmit WorkKind = iota + 1
	WorkInstall
	WorkUninstall
)

func (k WorkKind) String() string {
	switch k {
	case WorkTransmit:
		return "transmit"
	case WorkInstall:
		return "install"
	case WorkUninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// Work is a deferred firmware or radio interaction. Work runs outside the
// engine lock.
type Work struct {
	Kind WorkKind
	Ref  AgreementRef
	Data AgreementData
	// Gen is the agreement instance an install or uninstall was queued for.
	Gen       uint64
	Attempt   int
	NotBefore time.Time
}

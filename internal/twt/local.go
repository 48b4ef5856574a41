package twt

import (
	"fmt"

	"github.com/danmuck/radioctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// LocalOp is a locally issued agreement command.
type LocalOp uint8

const (
	OpConfigure LocalOp = iota + 1
	OpConfigureExplicit
	OpForceInstall
	OpRemove
)

func (o LocalOp) String() string {
	switch o {
	case OpConfigure:
		return "configure"
	case OpConfigureExplicit:
		return "configure_explicit"
	case OpForceInstall:
		return "force_install"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func ParseLocalOp(s string) (LocalOp, error) {
	switch s {
	case "configure":
		return OpConfigure, nil
	case "configure_explicit":
		return OpConfigureExplicit, nil
	case "force_install":
		return OpForceInstall, nil
	case "remove":
		return OpRemove, nil
	default:
		return 0, fmt.Errorf("twt: unknown local op %q", s)
	}
}

// LocalCommand configures or removes an agreement on behalf of a local user.
type LocalCommand struct {
	Op   LocalOp
	Peer Addr
	Flow uint8
	Data AgreementData
	// Command is the setup command for OpConfigureExplicit. Zero means REQUEST.
	Command SetupCommand
}

// Execute applies cmd synchronously under the engine lock. Firmware and radio
// side effects are queued as work.
func (e *Engine) Execute(cmd LocalCommand) error {
	if cmd.Flow >= MaxFlows {
		return fmt.Errorf("%w: %d", ErrInvalidFlow, cmd.Flow)
	}
	e.mu.Lock()
	err := e.executeLocked(cmd)
	if err == nil {
		observability.SetTWTAgreements(e.countAgreementsLocked())
	}
	e.mu.Unlock()

	result := resultAccepted
	if err != nil {
		result = resultRejected
	}
	observability.RecordTWTEvent("local_"+cmd.Op.String(), result)
	if err != nil {
		log.Info().Msgf("twt.Engine.Execute %s %s/%d: %v", cmd.Op, cmd.Peer, cmd.Flow, err)
	}
	return err
}

func (e *Engine) executeLocked(cmd LocalCommand) error {
	ref := AgreementRef{Peer: cmd.Peer, Flow: cmd.Flow}
	switch cmd.Op {
	case OpConfigure, OpConfigureExplicit:
		if e.cfg.Role != RoleRequester {
			return fmt.Errorf("%w: %s needs requester", ErrRoleMismatch, cmd.Op)
		}
		setup := CmdRequest
		data := cmd.Data
		if cmd.Op == OpConfigure {
			data.RequestType |= ReqImplicit
		} else {
			if cmd.Command != 0 {
				setup = cmd.Command
			}
			if !setup.IsRequest() {
				return fmt.Errorf("%w: %s", ErrUnsupportedCommand, setup)
			}
			// Nonzero request type keeps NewElement from defaulting to implicit.
			data.RequestType = data.RequestType&^(ReqImplicit|ReqUnannounced) | ReqRequest
		}
		if err := data.Validate(); err != nil {
			return err
		}
		st, err := e.station(cmd.Peer, true)
		if err != nil {
			return err
		}
		slot := &st.flows[cmd.Flow]
		if slot.state != NoAgreement {
			return fmt.Errorf("%w: %s in %s", ErrAgreementActive, ref, slot.state)
		}
		if err := e.queueRequestLocked(ref, setup, data); err != nil {
			e.releaseIfIdle(st)
			return err
		}
		slot.state = considerStateFor(setup)
		slot.data = data
		return nil

	case OpForceInstall:
		data := cmd.Data
		if err := data.Validate(); err != nil {
			return err
		}
		st, err := e.station(cmd.Peer, true)
		if err != nil {
			return err
		}
		slot := &st.flows[cmd.Flow]
		if slot.state != NoAgreement {
			return fmt.Errorf("%w: %s in %s", ErrAgreementActive, ref, slot.state)
		}
		id, err := e.sched.Place(ref, CmdRequest, &data)
		if err != nil {
			e.releaseIfIdle(st)
			return err
		}
		*slot = flowSlot{state: Agreement, data: data, bucket: id}
		e.queueInstallLocked(ref, slot)
		log.Info().Msgf("twt.Engine.Execute force_install %s wake=%d bucket=%d", ref, data.WakeTimeUS, id)
		return nil

	case OpRemove:
		st, ok := e.stations[cmd.Peer]
		if !ok || st.flows[cmd.Flow].state == NoAgreement {
			return fmt.Errorf("%w: %s", ErrNoAgreement, ref)
		}
		e.dropFlowLocked(st, cmd.Flow, OriginLocal)
		e.releaseIfIdle(st)
		return nil

	default:
		return fmt.Errorf("twt: unknown local op %d", cmd.Op)
	}
}

package radio

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/session"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/danmuck/radioctl/internal/twt"
	"github.com/rs/zerolog/log"
)

// resetTimeout bounds the firmware cleanup after Run stops.
const resetTimeout = 2 * time.Second

// Config wires one co-processor.
type Config struct {
	Name      string
	TargetID  uint16
	Transport session.Config
	TWT       twt.Config
}

// Device is the host-side control plane of one co-processor: the command
// transport, the event router and the TWT engine driving firmware.
type Device struct {
	name      string
	transport *session.Transport
	registry  *EventRegistry
	engine    *twt.Engine
	firmware  *Firmware
	powerSave *session.PowerSaveCounter
	dozing    atomic.Bool
}

// NewDevice builds a device over link. Inbound bytes must be fed to Deliver.
func NewDevice(cfg Config, link session.Link) (*Device, error) {
	d := &Device{
		name:      cfg.Name,
		registry:  NewEventRegistry(),
		powerSave: &session.PowerSaveCounter{},
	}
	d.powerSave.OnChange = func(inhibited bool) {
		log.Trace().Msgf("radio.Device power save device=%s inhibited=%v", d.name, inhibited)
	}
	d.transport = session.NewTransport(cfg.Transport, link, d.powerSave, d.registry)
	d.firmware = NewFirmware(d.transport, cfg.TargetID)
	d.engine = twt.NewEngine(cfg.TWT, d.firmware, d.firmware)
	for _, h := range d.handlers() {
		if err := d.registry.Register(h); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) Name() string                         { return d.name }
func (d *Device) Transport() *session.Transport        { return d.transport }
func (d *Device) Engine() *twt.Engine                  { return d.engine }
func (d *Device) Registry() *EventRegistry             { return d.registry }
func (d *Device) PowerSave() *session.PowerSaveCounter { return d.powerSave }

// Dozing reports the last power-save state the firmware announced.
func (d *Device) Dozing() bool {
	return d.dozing.Load()
}

// Deliver feeds one inbound frame from the link.
func (d *Device) Deliver(b []byte) {
	d.transport.DeliverBytes(b)
}

// Run drives the TWT engine until ctx ends, then clears every agreement
// from the engine and the firmware.
func (d *Device) Run(ctx context.Context) error {
	log.Info().Msgf("radio.Device.Run device=%s role=%s", d.name, d.engine.Role())
	err := d.engine.Run(ctx)

	resetCtx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if rerr := d.engine.Reset(resetCtx); rerr != nil {
		log.Warn().Msgf("radio.Device.Run device=%s reset: %v", d.name, rerr)
	}
	return err
}

func (d *Device) handlers() []EventHandler {
	return []EventHandler{
		{
			Meta: HandlerMetadata{
				EventID:     schema.EvRxAction,
				Name:        "rx_action",
				Description: "TWT action frame received from a peer",
			},
			Handle: d.onRxAction,
		},
		{
			Meta: HandlerMetadata{
				EventID:     schema.EvTWTTeardown,
				Name:        "twt_teardown",
				Description: "firmware dropped an installed agreement",
			},
			Handle: d.onTeardown,
		},
		{
			Meta: HandlerMetadata{
				EventID:     schema.EvPowerSave,
				Name:        "power_save",
				Description: "co-processor entered or left power save",
			},
			Handle: d.onPowerSave,
		},
	}
}

func (d *Device) onRxAction(fields []tlv.Field) error {
	peer, err := peerField(fields)
	if err != nil {
		return err
	}
	body, _ := tlv.GetField(fields, schema.FieldActionBody)
	return d.engine.HandleActionFrame(peer, body.Value)
}

func (d *Device) onTeardown(fields []tlv.Field) error {
	peer, err := peerField(fields)
	if err != nil {
		return err
	}
	f, _ := tlv.GetField(fields, schema.FieldFlowID)
	flow, err := tlv.U8FromBytes(f.Value)
	if err != nil {
		return err
	}
	d.engine.HandleFirmwareTeardown(peer, flow)
	return nil
}

func (d *Device) onPowerSave(fields []tlv.Field) error {
	f, _ := tlv.GetField(fields, schema.FieldDozing)
	dozing, err := tlv.BoolFromBytes(f.Value)
	if err != nil {
		return err
	}
	if d.dozing.Swap(dozing) != dozing {
		log.Info().Msgf("radio.Device power save device=%s dozing=%v", d.name, dozing)
	}
	return nil
}

func peerField(fields []tlv.Field) (twt.Addr, error) {
	f, ok := tlv.GetField(fields, schema.FieldPeer)
	if !ok {
		return twt.Addr{}, fmt.Errorf("radio: missing peer field")
	}
	a, err := tlv.AddrFromBytes(f.Value)
	return twt.Addr(a), err
}

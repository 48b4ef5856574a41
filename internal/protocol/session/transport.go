package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/radioctl/internal/observability"
	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotSupported   = errors.New("session: device not supported")
	ErrTimeout        = errors.New("session: command timed out")
	ErrScopeEnded     = errors.New("session: command scope already ended")
	ErrInvalidCommand = errors.New("session: invalid command")
)

const (
	outcomeOK       = "ok"
	outcomeStatus   = "status"
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

// ResultMalformed is recorded when a matched confirmation has no status word.
const ResultMalformed int32 = -74

// Link is the transmit side of the firmware channel.
type Link interface {
	Established() bool
	WriteFrame(b []byte) error
}

// EventNotifier receives every inbound frame that is not a confirmation.
type EventNotifier interface {
	Notify(f frame.Frame)
}

// Command is one firmware request.
type Command struct {
	ID       uint16
	TargetID uint16
	Payload  []byte
	// ExpectLen bounds how many confirmation bytes are copied back.
	ExpectLen int
	// Structured keeps the status word at the head of Response.Payload.
	Structured bool
	// Timeout overrides Config.CommandTimeout per attempt when positive.
	Timeout time.Duration
}

// Response is the resolved confirmation of a Command.
type Response struct {
	Result  int32
	Payload []byte
}

// Err reports a firmware-side failure status.
func (r Response) Err() error {
	if r.Result == 0 {
		return nil
	}
	return &StatusError{Status: r.Result}
}

// StatusError carries a nonzero firmware status.
type StatusError struct {
	Command uint16
	Status  int32
}

func (e *StatusError) Error() string {
	if e.Command == 0 {
		return fmt.Sprintf("session: firmware status %d", e.Status)
	}
	return fmt.Sprintf("session: command %#04x firmware status %d", e.Command, e.Status)
}

// pendingCommand exists only while a command is in flight.
type pendingCommand struct {
	id         uint16
	seq        uint16
	retry      uint8
	expectLen  int
	structured bool
	done       chan Response
}

// Transport serializes firmware commands for one device.
type Transport struct {
	cfg    Config
	link   Link
	ps     PowerSave
	events EventNotifier

	// cmdMu is held for the lifetime of a Scope; seq is only touched under it.
	cmdMu sync.Mutex
	seq   uint16

	pendMu  sync.Mutex
	pending *pendingCommand
}

func NewTransport(cfg Config, link Link, ps PowerSave, events EventNotifier) *Transport {
	return &Transport{
		cfg:    cfg.WithDefaults(),
		link:   link,
		ps:     ps,
		events: events,
	}
}

func (t *Transport) Config() Config {
	return t.cfg
}

// SetEventNotifier swaps the notifier. Safe before inbound traffic starts.
func (t *Transport) SetEventNotifier(n EventNotifier) {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	t.events = n
}

// Scope is an exclusive command window on the device.
type Scope struct {
	t     *Transport
	ended bool
}

// Begin blocks until no other scope is open on the device.
func (t *Transport) Begin() *Scope {
	t.cmdMu.Lock()
	return &Scope{t: t}
}

func (s *Scope) End() {
	if s.ended {
		return
	}
	s.ended = true
	s.t.cmdMu.Unlock()
}

// Send issues one command inside its own scope.
func (t *Transport) Send(ctx context.Context, cmd Command) (Response, error) {
	s := t.Begin()
	defer s.End()
	return s.Send(ctx, cmd)
}

// Send transmits cmd and blocks until its confirmation arrives, the retry
// budget is exhausted, or ctx is done.
func (s *Scope) Send(ctx context.Context, cmd Command) (Response, error) {
	if s.ended {
		return Response{}, ErrScopeEnded
	}
	t := s.t
	if cmd.ExpectLen < 0 || cmd.ID&frame.KindMask != 0 {
		return Response{}, fmt.Errorf("%w: id=%#04x expect_len=%d", ErrInvalidCommand, cmd.ID, cmd.ExpectLen)
	}
	if t.link == nil || !t.link.Established() {
		return Response{}, ErrNotSupported
	}

	release := inhibitPowerSave(t.ps)
	defer release()

	t.seq = frame.NextSeq(t.seq)
	seq := t.seq
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = t.cfg.CommandTimeout
	}

	start := time.Now()
	p := t.arm(cmd, seq)
	for attempt := 0; attempt < t.cfg.MaxRetry; attempt++ {
		retry := uint8(attempt)
		if attempt > 0 {
			log.Warn().Msgf(
				"session.Scope.Send retry command=%#04x seq=%d attempt=%d/%d",
				cmd.ID,
				seq,
				attempt+1,
				t.cfg.MaxRetry,
			)
			observability.RecordCommandRetry(cmd.ID)
			t.setRetry(p, retry)
		}

		raw, err := frame.Marshal(frame.Frame{
			Header: frame.Header{
				MessageID: cmd.ID,
				TargetID:  cmd.TargetID,
				HostID:    frame.HostID(seq, retry),
			},
			Payload: cmd.Payload,
		}, t.cfg.Limits)
		if err == nil {
			err = t.link.WriteFrame(raw)
		}
		if err != nil {
			t.disarm(p)
			observability.RecordCommand(cmd.ID, outcomeError, time.Since(start))
			return Response{}, fmt.Errorf("session: send command %#04x: %w", cmd.ID, err)
		}

		resp, done, err := t.wait(ctx, p, timeout)
		if err != nil {
			observability.RecordCommand(cmd.ID, outcomeCanceled, time.Since(start))
			return Response{}, err
		}
		if done {
			outcome := outcomeOK
			if resp.Result != 0 {
				outcome = outcomeStatus
			}
			observability.RecordCommand(cmd.ID, outcome, time.Since(start))
			log.Debug().Msgf(
				"session.Scope.Send complete command=%#04x seq=%d attempt=%d result=%d",
				cmd.ID,
				seq,
				attempt+1,
				resp.Result,
			)
			return resp, nil
		}
	}

	if resp, ok := t.disarm(p); ok {
		observability.RecordCommand(cmd.ID, outcomeOK, time.Since(start))
		return resp, nil
	}
	observability.RecordCommand(cmd.ID, outcomeTimeout, time.Since(start))
	log.Error().Msgf(
		"session.Scope.Send timeout command=%#04x seq=%d attempts=%d",
		cmd.ID,
		seq,
		t.cfg.MaxRetry,
	)
	return Response{}, fmt.Errorf("%w: command=%#04x seq=%d attempts=%d", ErrTimeout, cmd.ID, seq, t.cfg.MaxRetry)
}

// wait blocks for one attempt. done=false means the attempt timed out and the
// slot is still armed for the next retry.
func (t *Transport) wait(ctx context.Context, p *pendingCommand, timeout time.Duration) (Response, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.done:
		return resp, true, nil
	case <-timer.C:
		return Response{}, false, nil
	case <-ctx.Done():
		if resp, ok := t.disarm(p); ok {
			return resp, true, nil
		}
		return Response{}, false, fmt.Errorf("session: command %#04x: %w", p.id, ctx.Err())
	}
}

func (t *Transport) arm(cmd Command, seq uint16) *pendingCommand {
	p := &pendingCommand{
		id:         cmd.ID,
		seq:        seq,
		expectLen:  cmd.ExpectLen,
		structured: cmd.Structured,
		done:       make(chan Response, 1),
	}
	t.pendMu.Lock()
	t.pending = p
	t.pendMu.Unlock()
	return p
}

func (t *Transport) setRetry(p *pendingCommand, retry uint8) {
	t.pendMu.Lock()
	p.retry = retry
	t.pendMu.Unlock()
}

// disarm clears the slot if it still holds p. A response that raced the
// terminal path is returned so it is not lost.
func (t *Transport) disarm(p *pendingCommand) (Response, bool) {
	t.pendMu.Lock()
	if t.pending == p {
		t.pending = nil
	}
	t.pendMu.Unlock()
	select {
	case resp := <-p.done:
		return resp, true
	default:
		return Response{}, false
	}
}

// Pending reports whether a command is currently in flight.
func (t *Transport) Pending() bool {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	return t.pending != nil
}

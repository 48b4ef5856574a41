package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen uint16 = 8

	// Top two message id bits classify the frame.
	KindMask    uint16 = 0xC000
	FlagConfirm uint16 = 0x4000
	FlagEvent   uint16 = 0x8000

	// Retry counter occupies the low host id bits, sequence the rest.
	RetryBits        = 2
	RetryMask uint16 = 1<<RetryBits - 1
	SeqMax    uint16 = 1<<(16-RetryBits) - 1

	StatusLen = 4
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortPayload    = errors.New("frame: payload shorter than header length")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortStatus     = errors.New("frame: confirmation missing status")
)

// Kind is the message class encoded in the message id type bits.
type Kind uint8

const (
	KindCommand Kind = iota
	KindConfirm
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindConfirm:
		return "confirm"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the fixed little-endian command header.
type Header struct {
	MessageID uint16
	Length    uint16
	TargetID  uint16
	HostID    uint16
}

func (h Header) Kind() Kind {
	switch {
	case h.MessageID&FlagEvent != 0:
		return KindEvent
	case h.MessageID&FlagConfirm != 0:
		return KindConfirm
	default:
		return KindCommand
	}
}

// CommandID strips the type bits so a confirmation can be compared with its command.
func (h Header) CommandID() uint16 {
	return h.MessageID &^ KindMask
}

func (h Header) Seq() uint16 {
	return h.HostID >> RetryBits
}

func (h Header) Retry() uint8 {
	return uint8(h.HostID & RetryMask)
}

// HostID packs a sequence number and retry counter.
func HostID(seq uint16, retry uint8) uint16 {
	return seq<<RetryBits | uint16(retry)&RetryMask
}

// NextSeq advances a sequence counter, wrapping past SeqMax to 1. Zero is never returned.
func NextSeq(prev uint16) uint16 {
	if prev >= SeqMax {
		return 1
	}
	return prev + 1
}

// Frame is one complete control message.
type Frame struct {
	Header  Header
	Payload []byte
}

// ConfirmID returns the message id a confirmation for commandID carries.
func ConfirmID(commandID uint16) uint16 {
	return commandID&^KindMask | FlagConfirm
}

// EventID returns the message id of an asynchronous event.
func EventID(id uint16) uint16 {
	return id&^KindMask | FlagEvent
}

// Status decodes the leading status word of a confirmation payload.
func Status(payload []byte) (uint32, error) {
	if len(payload) < StatusLen {
		return 0, ErrShortStatus
	}
	return binary.LittleEndian.Uint32(payload[:StatusLen]), nil
}

// AppendStatus builds a confirmation payload from a status word and trailing fields.
func AppendStatus(status uint32, fields []byte) []byte {
	out := make([]byte, StatusLen, StatusLen+len(fields))
	binary.LittleEndian.PutUint32(out, status)
	return append(out, fields...)
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 2048}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrShortPayload
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Marshal(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Marshal encodes f into one buffer, fixing up Length from the payload.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if len(f.Payload) > limits.MaxPayloadBytes || len(f.Payload) > int(^uint16(0)) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.Length = uint16(len(f.Payload))
	out := make([]byte, 0, int(HeaderLen)+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	return append(out, f.Payload...), nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	if len(b) < int(HeaderLen) {
		return Frame{}, ErrShortHeader
	}
	h, err := DecodeHeader(b[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	body := b[HeaderLen:]
	if len(body) < int(h.Length) {
		return Frame{}, ErrShortPayload
	}
	payload := make([]byte, h.Length)
	copy(payload, body)
	return Frame{Header: h, Payload: payload}, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], h.MessageID)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.TargetID)
	binary.LittleEndian.PutUint16(buf[6:8], h.HostID)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(HeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Header{
		MessageID: binary.LittleEndian.Uint16(b[0:2]),
		Length:    binary.LittleEndian.Uint16(b[2:4]),
		TargetID:  binary.LittleEndian.Uint16(b[4:6]),
		HostID:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

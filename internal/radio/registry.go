package radio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/radioctl/internal/protocol/frame"
	"github.com/danmuck/radioctl/internal/protocol/schema"
	"github.com/danmuck/radioctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrHandlerExists   = errors.New("radio: event handler already registered")
	ErrHandlerNil      = errors.New("radio: event handler is nil")
	ErrInvalidMetadata = errors.New("radio: invalid event handler metadata")
)

// HandlerMetadata describes one asynchronous firmware event.
type HandlerMetadata struct {
	EventID     uint16
	Name        string
	Description string
}

// EventHandler consumes a schema-validated event payload.
type EventHandler struct {
	Meta   HandlerMetadata
	Handle func(fields []tlv.Field) error
}

// EventRegistry routes firmware events by id. It implements
// session.EventNotifier.
type EventRegistry struct {
	mu    sync.RWMutex
	items map[uint16]EventHandler
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{items: make(map[uint16]EventHandler)}
}

// ValidateMetadata checks required metadata fields.
func ValidateMetadata(meta HandlerMetadata) error {
	name := strings.TrimSpace(meta.Name)
	desc := strings.TrimSpace(meta.Description)
	if meta.EventID == 0 || name == "" || desc == "" {
		return fmt.Errorf("%w: event id, name, and description are required", ErrInvalidMetadata)
	}
	if meta.EventID&frame.KindMask != 0 {
		return fmt.Errorf("%w: event id %#04x carries type bits", ErrInvalidMetadata, meta.EventID)
	}
	return nil
}

func (r *EventRegistry) Register(h EventHandler) error {
	if h.Handle == nil {
		return ErrHandlerNil
	}
	if err := ValidateMetadata(h.Meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[h.Meta.EventID]; ok {
		return fmt.Errorf("%w: %#04x", ErrHandlerExists, h.Meta.EventID)
	}
	r.items[h.Meta.EventID] = h
	return nil
}

func (r *EventRegistry) Resolve(id uint16) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.items[id]
	return h, ok
}

// ListMetadata returns handler metadata ordered by event id.
func (r *EventRegistry) ListMetadata() []HandlerMetadata {
	r.mu.RLock()
	list := make([]HandlerMetadata, 0, len(r.items))
	for _, h := range r.items {
		list = append(list, h.Meta)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].EventID < list[j].EventID
	})
	return list
}

// Notify decodes and dispatches one event frame. Unknown or malformed events
// are logged and dropped.
func (r *EventRegistry) Notify(f frame.Frame) {
	id := f.Header.CommandID()
	h, ok := r.Resolve(id)
	if !ok {
		log.Debug().Msgf("radio.EventRegistry.Notify unhandled event id=%#04x", id)
		return
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		log.Warn().Msgf("radio.EventRegistry.Notify %s decode: %v", h.Meta.Name, err)
		return
	}
	if err := schema.ValidateEvent(id, fields); err != nil {
		log.Warn().Msgf("radio.EventRegistry.Notify %s: %v", h.Meta.Name, err)
		return
	}
	if err := h.Handle(fields); err != nil {
		log.Warn().Msgf("radio.EventRegistry.Notify %s handler: %v", h.Meta.Name, err)
	}
}

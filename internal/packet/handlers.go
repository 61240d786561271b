package packet

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/bridge/internal/core/domain"
)

// Handler processes the payload of a received packet and produces the ack
// result bytes. Handlers run after replay and signature checks pass.
type Handler interface {
	Handle(ctx context.Context, pkt *domain.Packet) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, pkt *domain.Packet) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
	return f(ctx, pkt)
}

// HandlerRegistry dispatches received packets by payload type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.PayloadType]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[domain.PayloadType]Handler)}
}

// Register installs a handler for a payload type, replacing any existing one.
func (r *HandlerRegistry) Register(t domain.PayloadType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Dispatch routes a packet to its handler.
func (r *HandlerRegistry) Dispatch(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[pkt.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for payload type %q", domain.ErrValidation, pkt.Type)
	}
	return h.Handle(ctx, pkt)
}

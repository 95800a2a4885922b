// Package memory is an in-process SignalBus for tests and single-process
// deployments. Delivery preserves publish order per sender and never echoes
// a message back to its publisher.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const connBuffer = 64

type Hub struct {
	mu    sync.Mutex
	calls map[domain.CallID]map[domain.UserID]*Conn
}

func NewHub() *Hub {
	return &Hub{calls: make(map[domain.CallID]map[domain.UserID]*Conn)}
}

// Join subscribes self to the call channel. Joining twice replaces the
// previous connection.
func (h *Hub) Join(callID domain.CallID, self domain.UserID) *Conn {
	c := &Conn{
		hub:    h,
		callID: callID,
		self:   self,
		ch:     make(chan core.SignalMessage, connBuffer),
	}
	h.mu.Lock()
	if h.calls[callID] == nil {
		h.calls[callID] = make(map[domain.UserID]*Conn)
	}
	if old, ok := h.calls[callID][self]; ok {
		old.closeLocked()
	}
	h.calls[callID][self] = c
	h.mu.Unlock()
	return c
}

// Factory adapts the hub to the session controller's BusFactory.
func (h *Hub) Factory() core.BusFactory {
	return func(_ context.Context, callID domain.CallID, self domain.UserID) (core.SignalBus, error) {
		return h.Join(callID, self), nil
	}
}

func (h *Hub) broadcast(callID domain.CallID, from domain.UserID, msg core.SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for user, c := range h.calls[callID] {
		if user == from || c.closed {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			log.Warn().Str("module", "relay.memory").Str("to", string(user)).Msg("subscriber backpressure, dropping")
		}
	}
}

func (h *Hub) leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.calls[c.callID][c.self]; ok && cur == c {
		delete(h.calls[c.callID], c.self)
	}
	c.closeLocked()
}

// Conn is one participant's handle on the call channel.
type Conn struct {
	hub    *Hub
	callID domain.CallID
	self   domain.UserID

	// guarded by hub.mu
	closed bool
	ch     chan core.SignalMessage
}

func (c *Conn) Publish(_ context.Context, msg core.SignalMessage) error {
	c.hub.mu.Lock()
	closed := c.closed
	c.hub.mu.Unlock()
	if closed {
		return core.ErrBusClosed
	}
	msg.CallID = c.callID
	c.hub.broadcast(c.callID, c.self, msg)
	return nil
}

func (c *Conn) Subscribe() <-chan core.SignalMessage { return c.ch }

func (c *Conn) Close() error {
	c.hub.leave(c)
	return nil
}

func (c *Conn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

package server

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type frame []byte

// wsConn is one participant's signal connection. Frames are queued on send
// and drained by the write pump; a full queue drops the frame rather than
// blocking the broadcaster.
type wsConn struct {
	user domain.UserID
	conn *websocket.Conn
	send chan frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Hub tracks which connection belongs to which participant in which call.
type Hub struct {
	mu    sync.RWMutex
	calls map[domain.CallID]map[domain.UserID]*wsConn
}

func NewHub() *Hub {
	return &Hub{calls: make(map[domain.CallID]map[domain.UserID]*wsConn)}
}

// Add registers the connection. A second connection for the same user in the
// same call replaces the first.
func (h *Hub) Add(callID domain.CallID, c *wsConn) {
	h.mu.Lock()
	if h.calls[callID] == nil {
		h.calls[callID] = make(map[domain.UserID]*wsConn)
	}
	old := h.calls[callID][c.user]
	h.calls[callID][c.user] = c
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (h *Hub) Remove(callID domain.CallID, c *wsConn) {
	h.mu.Lock()
	if cur, ok := h.calls[callID][c.user]; ok && cur == c {
		delete(h.calls[callID], c.user)
		if len(h.calls[callID]) == 0 {
			delete(h.calls, callID)
		}
	}
	h.mu.Unlock()
}

// Broadcast fans a frame out to everyone in the call except the sender.
func (h *Hub) Broadcast(callID domain.CallID, from domain.UserID, f frame) {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.calls[callID]))
	for user, c := range h.calls[callID] {
		if user == from {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.TrySend(f); err != nil {
			log.Warn().Err(err).Str("module", "relay.server").
				Str("to", string(c.user)).Msg("broadcast drop")
		}
	}
}

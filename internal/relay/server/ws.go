package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and relays signal frames between the
// call's participants. The sender identity always comes from the token, never
// from the frame.
func (s *Server) HandleSignal(ctx context.Context, c *gin.Context) {
	user := currentUser(c)
	callID := domain.CallID(c.Query("call_id"))
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	if _, err := s.store.CallByID(c.Request.Context(), callID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "relay.server").Str("user", string(user.ID)).
		Str("call", string(callID)).Msg("new signal connection")

	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}
	conn := &wsConn{
		user: user.ID,
		conn: ws,
		send: make(chan frame, 32),
	}
	s.hub.Add(callID, conn)

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, conn)
	go s.readPump(ctx, cancel, callID, conn)
}

func (s *Server) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := s.cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relay.server").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay.server").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, callID domain.CallID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay.server").Str("user", string(c.user)).Msg("readPump closing")
		s.hub.Remove(callID, c)
		c.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			s.relayFrame(callID, c, data)
		}
	}
}

func (s *Server) relayFrame(callID domain.CallID, c *wsConn, data []byte) {
	var msg core.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "relay.server").Msg("bad signal frame")
		return
	}
	switch msg.Type {
	case core.SignalOffer, core.SignalAnswer, core.SignalCandidate:
	default:
		log.Warn().Str("module", "relay.server").Str("type", string(msg.Type)).Msg("unknown signal")
		return
	}
	msg.From = c.user
	msg.CallID = callID
	out, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("relay marshal")
		return
	}
	s.hub.Broadcast(callID, c.user, out)
}

// Package ws is the websocket SignalBus client. It connects one participant
// to the relay's signal endpoint and pumps frames both ways.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

type Bus struct {
	conn   *websocket.Conn
	callID domain.CallID
	self   domain.UserID

	send chan []byte
	recv chan core.SignalMessage
	done chan struct{}
	once sync.Once
}

// Dial connects to the relay signal endpoint for one call. The token is the
// bearer token issued by the relay's /api/token endpoint.
func Dial(ctx context.Context, baseURL, token string, callID domain.CallID, self domain.UserID) (*Bus, error) {
	u := fmt.Sprintf("%s/ws/signal?call_id=%s", baseURL, callID)
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signal endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signal endpoint: %w", err)
	}

	b := &Bus{
		conn:   conn,
		callID: callID,
		self:   self,
		send:   make(chan []byte, sendBuffer),
		recv:   make(chan core.SignalMessage, sendBuffer),
		done:   make(chan struct{}),
	}
	go b.readPump()
	go b.writePump()
	return b, nil
}

// Factory adapts a relay endpoint to the session controller's BusFactory.
func Factory(baseURL, token string) core.BusFactory {
	return func(ctx context.Context, callID domain.CallID, self domain.UserID) (core.SignalBus, error) {
		return Dial(ctx, baseURL, token, callID, self)
	}
}

func (b *Bus) Publish(ctx context.Context, msg core.SignalMessage) error {
	msg.CallID = b.callID
	msg.From = b.self
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	select {
	case b.send <- data:
		return nil
	case <-b.done:
		return core.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Subscribe() <-chan core.SignalMessage { return b.recv }

func (b *Bus) Close() error {
	b.once.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})
	return nil
}

func (b *Bus) readPump() {
	defer close(b.recv)
	defer b.Close()

	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Str("module", "relay.ws").Err(err).Msg("signal connection lost")
			}
			return
		}
		var msg core.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("module", "relay.ws").Err(err).Msg("malformed signal frame")
			continue
		}
		if msg.From == b.self {
			continue
		}
		select {
		case b.recv <- msg:
		case <-b.done:
			return
		}
	}
}

func (b *Bus) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer b.Close()

	for {
		select {
		case data := <-b.send:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-b.done:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = b.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

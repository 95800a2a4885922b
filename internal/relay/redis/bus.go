// Package redis is a SignalBus over Redis pub/sub, for relays running more
// than one instance. Redis delivers published messages back to the publisher,
// so the bus filters its own sender on receive.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const recvBuffer = 64

func channelName(callID domain.CallID) string {
	return "callkit:signal:" + string(callID)
}

type Bus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	callID  domain.CallID
	self    domain.UserID

	recv chan core.SignalMessage
	done chan struct{}
	once sync.Once
}

// Join subscribes self to the call's signal channel.
func Join(ctx context.Context, client *redis.Client, callID domain.CallID, self domain.UserID) (*Bus, error) {
	channel := channelName(callID)
	pubsub := client.Subscribe(ctx, channel)
	// Receive confirms the subscription before any caller publishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b := &Bus{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		callID:  callID,
		self:    self,
		recv:    make(chan core.SignalMessage, recvBuffer),
		done:    make(chan struct{}),
	}
	go b.consume()
	return b, nil
}

// Factory adapts a Redis client to the session controller's BusFactory.
func Factory(client *redis.Client) core.BusFactory {
	return func(ctx context.Context, callID domain.CallID, self domain.UserID) (core.SignalBus, error) {
		return Join(ctx, client, callID, self)
	}
}

func (b *Bus) Publish(ctx context.Context, msg core.SignalMessage) error {
	select {
	case <-b.done:
		return core.ErrBusClosed
	default:
	}
	msg.CallID = b.callID
	msg.From = b.self
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *Bus) Subscribe() <-chan core.SignalMessage { return b.recv }

func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}

func (b *Bus) consume() {
	defer close(b.recv)
	for m := range b.pubsub.Channel() {
		var msg core.SignalMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.Warn().Str("module", "relay.redis").Err(err).Msg("malformed signal payload")
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

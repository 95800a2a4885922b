package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/hivedesk/callkit/internal/domain"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// SignalMessage is one negotiation step addressed between two participants.
// The relay broadcasts to the whole call; filtering on To is the consumer's
// responsibility.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	CallID    domain.CallID            `json:"call_id"`
	From      domain.UserID            `json:"from"`
	To        domain.UserID            `json:"to"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// SignalBus is a per-call publish/subscribe channel. Publishes are not
// delivered back to the publisher; delivery order per sender follows publish
// order. Owned by the caller; the caller must Close() it.
type SignalBus interface {
	Publish(ctx context.Context, msg SignalMessage) error
	// Subscribe returns the single ordered stream of messages from other
	// participants. The channel is closed when the bus closes.
	Subscribe() <-chan SignalMessage
	Close() error
}

// BusFactory joins the relay channel for one call on behalf of self.
type BusFactory func(ctx context.Context, callID domain.CallID, self domain.UserID) (SignalBus, error)

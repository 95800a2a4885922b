package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/hivedesk/callkit/internal/domain"
)

// RemoteStream is the live media arriving from one remote participant.
// Entries exist from first received track until the owning link closes.
type RemoteStream struct {
	PeerID   domain.UserID
	StreamID string
	Tracks   []*webrtc.TrackRemote
}

// PeerManager owns one negotiated link per remote participant and the
// remote stream map derived from link state. The session controller only
// signals add/remove intent; it never touches a link directly.
type PeerManager interface {
	AddPeer(remote domain.UserID)
	RemovePeer(remote domain.UserID)
	RemoveAllPeers()
	// ReplaceVideoTrack swaps the outbound video on every open link in
	// place, without renegotiation.
	ReplaceVideoTrack(track webrtc.TrackLocal)
	Streams() map[domain.UserID]*RemoteStream
	// OnLinkFailed registers the upward report for links abandoned after
	// retry exhaustion. Never treated as a session-fatal error.
	OnLinkFailed(fn func(domain.UserID))
	OnStream(fn func(*RemoteStream))
	Close()
}

// PeerFactory builds the manager for one call session.
type PeerFactory func(self domain.UserID, callID domain.CallID, bus SignalBus, media MediaSource) PeerManager

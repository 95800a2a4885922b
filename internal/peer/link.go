package peer

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hivedesk/callkit/internal/domain"
)

type linkState string

const (
	linkNew        linkState = "new"
	linkConnecting linkState = "connecting"
	linkConnected  linkState = "connected"
	linkFailed     linkState = "failed"
	linkClosed     linkState = "closed"
)

// link is the in-memory connection object for one remote participant.
// Owned exclusively by the Manager, never persisted.
type link struct {
	remote domain.UserID
	pc     *webrtc.PeerConnection
	state  linkState

	// pending buffers remote candidates that arrived before the remote
	// description; flushed in arrival order once it is set.
	pending []webrtc.ICECandidateInit

	retries int
	retry   *time.Timer
}

func (l *link) stopRetry() {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

func (l *link) live() bool {
	return l.state != linkClosed
}

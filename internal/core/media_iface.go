package core

import "github.com/pion/webrtc/v4"

// MediaSource is what the peer layer needs from the local media session:
// the current outbound tracks to attach. Either may be nil when the matching
// device was denied; links then carry a receive-only transceiver for that
// kind. Track lifecycle stays with the media session, never with peer links.
type MediaSource interface {
	AudioTrack() webrtc.TrackLocal
	// VideoTrack is the currently shareable video: camera by default, the
	// screen capture while sharing.
	VideoTrack() webrtc.TrackLocal
}

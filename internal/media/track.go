package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track pairs a local pion track with an enabled flag and the capture
// teardown hook. Toggling flips the flag only; the track stays attached to
// every link so no renegotiation happens.
type Track struct {
	local   webrtc.TrackLocal
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stop    func()
}

func NewTrack(local webrtc.TrackLocal, kind webrtc.RTPCodecType, stop func()) *Track {
	t := &Track{local: local, kind: kind, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) Local() webrtc.TrackLocal     { return t.local }
func (t *Track) Kind() webrtc.RTPCodecType    { return t.kind }
func (t *Track) Enabled() bool                { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) bool { return t.enabled.Swap(enabled) != enabled }

// Stop releases the underlying capture device. Idempotent.
func (t *Track) Stop() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SyntheticCapturer produces silent/blank static-sample tracks. It keeps the
// negotiation path identical to real capture without touching any device.
type SyntheticCapturer struct {
	streamID string
}

func NewSyntheticCapturer() *SyntheticCapturer {
	return &SyntheticCapturer{streamID: "local-" + uuid.NewString()}
}

func (c *SyntheticCapturer) CaptureAudio(_ context.Context) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(), c.streamID,
	)
	if err != nil {
		return nil, err
	}
	return NewTrack(local, webrtc.RTPCodecTypeAudio, nil), nil
}

func (c *SyntheticCapturer) CaptureVideo(_ context.Context) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+uuid.NewString(), c.streamID,
	)
	if err != nil {
		return nil, err
	}
	return NewTrack(local, webrtc.RTPCodecTypeVideo, nil), nil
}

func (c *SyntheticCapturer) CaptureScreen(_ context.Context) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-"+uuid.NewString(), c.streamID,
	)
	if err != nil {
		return nil, err
	}
	return NewTrack(local, webrtc.RTPCodecTypeVideo, nil), nil
}

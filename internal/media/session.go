// Package media owns local audio/video/screen capture and presents a
// provider-agnostic toggle surface. One Session exists per call session;
// it is constructed explicitly and passed by reference so tests can build
// isolated instances.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Session struct {
	cap    Capturer
	Events *Notifier

	mu        sync.Mutex
	connected bool
	sessionID string
	audio     *Track
	video     *Track
	screen    *Track
}

func NewSession(cap Capturer) *Session {
	return &Session{cap: cap, Events: NewNotifier()}
}

// Connect acquires local audio+video. Partial permission denial is not
// fatal: the session proceeds with whatever succeeded and emits one
// permissionError per missing device. Idempotent while connected.
func (s *Session) Connect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.sessionID = sessionID

	var warnings []Event

	audio, err := s.cap.CaptureAudio(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Str("session", sessionID).Msg("audio capture failed")
		warnings = append(warnings, Event{Kind: EventPermissionError, TrackKind: webrtc.RTPCodecTypeAudio, Err: err})
	} else {
		s.audio = audio
	}

	video, err := s.cap.CaptureVideo(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Str("session", sessionID).Msg("video capture failed")
		warnings = append(warnings, Event{Kind: EventPermissionError, TrackKind: webrtc.RTPCodecTypeVideo, Err: err})
	} else {
		s.video = video
	}

	s.connected = true
	s.mu.Unlock()

	for _, w := range warnings {
		s.Events.Emit(w)
	}
	s.Events.Emit(Event{Kind: EventConnected})
	log.Info().Str("module", "media").Str("session", sessionID).
		Bool("audio", audio != nil).Bool("video", video != nil).Msg("connected")
	return nil
}

// Disconnect releases all local tracks. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	for _, t := range []*Track{s.audio, s.video, s.screen} {
		if t != nil {
			t.Stop()
		}
	}
	s.audio, s.video, s.screen = nil, nil, nil
	s.connected = false
	sid := s.sessionID
	s.mu.Unlock()

	s.Events.Emit(Event{Kind: EventDisconnected})
	log.Info().Str("module", "media").Str("session", sid).Msg("disconnected")
}

// ToggleAudio mutes/unmutes without renegotiating: the track stays attached,
// only its enabled flag flips.
func (s *Session) ToggleAudio(enabled bool) {
	s.mu.Lock()
	t := s.audio
	s.mu.Unlock()
	if t != nil {
		t.SetEnabled(enabled)
	}
	s.Events.Emit(Event{Kind: EventTrackToggled, TrackKind: webrtc.RTPCodecTypeAudio, Enabled: enabled})
}

func (s *Session) ToggleVideo(enabled bool) {
	s.mu.Lock()
	t := s.video
	s.mu.Unlock()
	if t != nil {
		t.SetEnabled(enabled)
	}
	s.Events.Emit(Event{Kind: EventTrackToggled, TrackKind: webrtc.RTPCodecTypeVideo, Enabled: enabled})
}

// ToggleScreen starts or stops screen capture and reports whether the
// session is sharing afterwards. A cancelled picker returns (false, nil)
// with no state change. Starting or stopping emits trackChanged carrying the
// new shareable video track so open links can swap it in place.
func (s *Session) ToggleScreen(ctx context.Context, enabled bool) (bool, error) {
	s.mu.Lock()
	if enabled {
		if s.screen != nil {
			s.mu.Unlock()
			return true, nil
		}
		s.mu.Unlock()
		t, err := s.cap.CaptureScreen(ctx)
		if errors.Is(err, ErrCaptureCancelled) {
			return false, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("screen capture failed")
			s.Events.Emit(Event{Kind: EventPermissionError, TrackKind: webrtc.RTPCodecTypeVideo, Err: err})
			return false, err
		}
		s.mu.Lock()
		s.screen = t
		s.mu.Unlock()
		s.Events.Emit(Event{Kind: EventTrackChanged, Track: t})
		return true, nil
	}

	if s.screen == nil {
		s.mu.Unlock()
		return false, nil
	}
	s.screen.Stop()
	s.screen = nil
	camera := s.video
	s.mu.Unlock()
	s.Events.Emit(Event{Kind: EventTrackChanged, Track: camera})
	return false, nil
}

// AudioTrack implements core.MediaSource.
func (s *Session) AudioTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return nil
	}
	return s.audio.Local()
}

// VideoTrack implements core.MediaSource: screen capture wins over camera
// while sharing.
func (s *Session) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		return s.screen.Local()
	}
	if s.video == nil {
		return nil
	}
	return s.video.Local()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// LocalStream returns the camera/mic tracks for self-view rendering.
func (s *Session) LocalStream() (audio, video *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio, s.video
}

func (s *Session) ScreenStream() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

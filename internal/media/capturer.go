package media

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied signals a denied device. The session degrades to
	// whatever capture succeeded instead of failing the call.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrCaptureCancelled signals the user dismissed the screen picker.
	ErrCaptureCancelled = errors.New("capture cancelled by user")
)

// Capturer acquires local devices. Implementations own the device handles;
// the returned Track's Stop releases them. A pion/mediadevices-backed
// capturer plugs in here on desktop builds; SyntheticCapturer serves
// headless and test use.
type Capturer interface {
	CaptureAudio(ctx context.Context) (*Track, error)
	CaptureVideo(ctx context.Context) (*Track, error)
	CaptureScreen(ctx context.Context) (*Track, error)
}

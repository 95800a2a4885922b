package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventTrackToggled    EventKind = "trackToggled"
	EventTrackChanged    EventKind = "trackChanged"
	EventPermissionError EventKind = "permissionError"
)

// Event is one media lifecycle notification. TrackChanged carries the new
// shareable video track (nil when capture is gone entirely).
type Event struct {
	Kind      EventKind
	TrackKind webrtc.RTPCodecType
	Enabled   bool
	Track     *Track
	Err       error
}

// Notifier is a small on/off/emit fan-out. Registration is keyed so
// re-registering the same key replaces the handler instead of stacking it.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[string]func(Event)
}

func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[string]func(Event))}
}

func (n *Notifier) On(key string, fn func(Event)) {
	n.mu.Lock()
	n.handlers[key] = fn
	n.mu.Unlock()
}

func (n *Notifier) Off(key string) {
	n.mu.Lock()
	delete(n.handlers, key)
	n.mu.Unlock()
}

func (n *Notifier) Emit(ev Event) {
	n.mu.RLock()
	handlers := make([]func(Event), 0, len(n.handlers))
	for _, fn := range n.handlers {
		handlers = append(handlers, fn)
	}
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

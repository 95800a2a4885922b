package session

import (
	"sort"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
	"github.com/hivedesk/callkit/internal/media"
)

// Read-only surface for the rendering layer. Everything returns snapshots;
// nothing here can mutate session state.

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsInCall() bool {
	return c.State() == StateInCall
}

func (c *Controller) CurrentCall() *domain.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil
	}
	cp := *c.call
	return &cp
}

// Participants returns the roster sorted by join time. While in a call the
// local user is always present, synthesized locally if the feed lags.
func (c *Controller) Participants() []domain.Participant {
	c.mu.Lock()
	out := make([]domain.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, *p)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (c *Controller) selfToggles() domain.Toggles {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.roster[c.self.ID]; ok {
		return p.Toggles
	}
	return domain.Toggles{}
}

func (c *Controller) IsMuted() bool         { return c.selfToggles().Muted }
func (c *Controller) IsCameraOff() bool     { return c.selfToggles().CameraOff }
func (c *Controller) IsScreenSharing() bool { return c.selfToggles().ScreenSharing }

func (c *Controller) LocalStream() (audio, video *media.Track) {
	return c.media.LocalStream()
}

func (c *Controller) ScreenStream() *media.Track {
	return c.media.ScreenStream()
}

// RemoteStreams is the sole media output the core exposes to rendering.
func (c *Controller) RemoteStreams() map[domain.UserID]*core.RemoteStream {
	c.mu.Lock()
	peers := c.peers
	c.mu.Unlock()
	if peers == nil {
		return map[domain.UserID]*core.RemoteStream{}
	}
	return peers.Streams()
}

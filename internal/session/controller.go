// Package session owns the call/participant lifecycle on one client and
// drives peer membership from the authoritative roster. It is the only
// writer of call state; the peer and media layers are driven through their
// interfaces and never manipulated past them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
	"github.com/hivedesk/callkit/internal/media"
)

type State string

const (
	StateIdle     State = "idle"
	StateCreating State = "creating"
	StateJoining  State = "joining"
	StateInCall   State = "in_call"
	StateLeaving  State = "leaving"
	StateEnding   State = "ending"
)

const trackChangedKey = "session.trackChanged"

// teardownTimeout caps best-effort writes during leave/end so a hung store
// can never delay releasing local media.
const teardownTimeout = 3 * time.Second

type Controller struct {
	store       core.RecordStore
	busFactory  core.BusFactory
	peerFactory core.PeerFactory
	media       *media.Session
	self        domain.User

	mu         sync.Mutex
	state      State
	call       *domain.Call
	roster     map[domain.UserID]*domain.Participant
	peers      core.PeerManager
	bus        core.SignalBus
	sessCtx    context.Context
	sessCancel context.CancelFunc
	feedCancel func()
}

func NewController(store core.RecordStore, busFactory core.BusFactory, peerFactory core.PeerFactory, med *media.Session, self domain.User) *Controller {
	return &Controller{
		store:       store,
		busFactory:  busFactory,
		peerFactory: peerFactory,
		media:       med,
		self:        self,
		state:       StateIdle,
	}
}

// CreateCall creates the record, inserts the creator as host, promotes the
// call to active and joins it. Any persistence failure aborts cleanly: no
// local in-call state is entered and an already-created record is left
// orphaned rather than retried.
func (c *Controller) CreateCall(ctx context.Context, title, scope string) (*domain.Call, error) {
	if c.self.ID == "" {
		return nil, core.ErrUnauthenticated
	}
	if err := c.transition(StateIdle, StateCreating); err != nil {
		return nil, err
	}

	call, err := domain.NewCall(title, scope, c.self.ID)
	if err != nil {
		c.resetIdle()
		return nil, err
	}
	if err := c.store.CreateCall(ctx, call); err != nil {
		c.resetIdle()
		return nil, fmt.Errorf("create call record: %w", err)
	}
	host := domain.NewParticipant(call.ID, &c.self, domain.RoleHost)
	if err := c.store.AddParticipant(ctx, host); err != nil {
		c.resetIdle()
		return nil, fmt.Errorf("insert host participant: %w", err)
	}
	if err := c.store.SetCallStatus(ctx, call.ID, domain.CallStatusActive); err != nil {
		c.resetIdle()
		return nil, fmt.Errorf("activate call: %w", err)
	}
	call.Status = domain.CallStatusActive

	if err := c.enterCall(ctx, call); err != nil {
		c.resetIdle()
		return nil, err
	}
	log.Info().Str("module", "session").Str("call", string(call.ID)).Str("code", call.JoinCode).Msg("call created")
	return call, nil
}

// CreateMeetingLink takes the record-creation path but stops short of
// joining: no media, no participant row, no subscriptions. The returned
// call carries the shareable join code.
func (c *Controller) CreateMeetingLink(ctx context.Context, title string) (*domain.Call, error) {
	if c.self.ID == "" {
		return nil, core.ErrUnauthenticated
	}
	call, err := domain.NewCall(title, "", c.self.ID)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	log.Info().Str("module", "session").Str("call", string(call.ID)).Str("code", call.JoinCode).Msg("meeting link created")
	return call, nil
}

// JoinCall resolves a join code restricted to non-ended calls and joins.
// Re-joining a call the actor already has a live row in is idempotent.
func (c *Controller) JoinCall(ctx context.Context, code string) (*domain.Call, error) {
	if c.self.ID == "" {
		return nil, core.ErrUnauthenticated
	}
	if err := c.transition(StateIdle, StateJoining); err != nil {
		return nil, err
	}

	norm, err := domain.NormalizeJoinCode(code)
	if err != nil {
		c.resetIdle()
		return nil, core.ErrCallNotFound
	}
	call, err := c.store.CallByCode(ctx, norm)
	if err != nil {
		c.resetIdle()
		return nil, err
	}

	if _, err := c.store.ActiveParticipant(ctx, call.ID, c.self.ID); err != nil {
		if !errors.Is(err, core.ErrCallNotFound) {
			c.resetIdle()
			return nil, fmt.Errorf("look up own participant row: %w", err)
		}
		p := domain.NewParticipant(call.ID, &c.self, domain.RoleParticipant)
		if err := c.store.AddParticipant(ctx, p); err != nil {
			c.resetIdle()
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if call.Status == domain.CallStatusWaiting {
		if err := c.store.SetCallStatus(ctx, call.ID, domain.CallStatusActive); err != nil {
			c.resetIdle()
			return nil, fmt.Errorf("activate call: %w", err)
		}
		call.Status = domain.CallStatusActive
	}

	if err := c.enterCall(ctx, call); err != nil {
		c.resetIdle()
		return nil, err
	}
	log.Info().Str("module", "session").Str("call", string(call.ID)).Msg("joined call")
	return call, nil
}

// enterCall wires bus, peers, media and the roster feed, then flips to
// in_call. On any failure everything already started is torn down again.
func (c *Controller) enterCall(ctx context.Context, call *domain.Call) error {
	sessCtx, sessCancel := context.WithCancel(context.Background())

	bus, err := c.busFactory(sessCtx, call.ID, c.self.ID)
	if err != nil {
		sessCancel()
		return fmt.Errorf("join relay channel: %w", err)
	}
	peers := c.peerFactory(c.self.ID, call.ID, bus, c.media)
	peers.OnLinkFailed(func(remote domain.UserID) {
		log.Warn().Str("module", "session").Str("remote", string(remote)).Msg("peer link abandoned")
	})

	feedCh, feedCancel, err := c.store.SubscribeParticipants(sessCtx, call.ID)
	if err != nil {
		peers.Close()
		_ = bus.Close()
		sessCancel()
		return fmt.Errorf("subscribe roster feed: %w", err)
	}

	loaded, err := c.store.ActiveParticipants(ctx, call.ID)
	if err != nil {
		feedCancel()
		peers.Close()
		_ = bus.Close()
		sessCancel()
		return fmt.Errorf("load roster: %w", err)
	}

	roster := make(map[domain.UserID]*domain.Participant, len(loaded)+1)
	for i := range loaded {
		p := loaded[i]
		if p.Present() {
			roster[p.UserID] = &p
		}
	}
	if _, ok := roster[c.self.ID]; !ok {
		// Feed lag: the user just acted, so presence must never look
		// inconsistent with their own action. A later authoritative event
		// supersedes this entry.
		self := domain.NewParticipant(call.ID, &c.self, domain.RoleParticipant)
		if call.HostID == c.self.ID {
			self.Role = domain.RoleHost
		}
		self.Synthetic = true
		roster[c.self.ID] = self
	}

	_ = c.media.Connect(sessCtx, string(call.ID))
	c.media.Events.On(trackChangedKey, func(ev media.Event) {
		if ev.Kind != media.EventTrackChanged {
			return
		}
		var t webrtc.TrackLocal
		if ev.Track != nil {
			t = ev.Track.Local()
		}
		peers.ReplaceVideoTrack(t)
	})

	c.mu.Lock()
	c.call = call
	c.roster = roster
	c.peers = peers
	c.bus = bus
	c.sessCtx = sessCtx
	c.sessCancel = sessCancel
	c.feedCancel = feedCancel
	c.state = StateInCall
	c.mu.Unlock()

	go c.runFeed(sessCtx, feedCh)
	c.reconcilePeers()
	return nil
}

// LeaveCall marks the local row left on a best-effort basis and then runs
// the unconditional local teardown. A persistence failure never leaves the
// user stuck in a call.
func (c *Controller) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInCall {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	call := c.call
	cancel := c.sessCancel
	c.mu.Unlock()

	// Teardown wins: abandon in-flight negotiation, retries and pending
	// writes before anything else.
	cancel()

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	if err := c.store.MarkLeft(wctx, call.ID, c.self.ID, time.Now()); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("call", string(call.ID)).Msg("mark left failed, cleaning up anyway")
	}
	wcancel()

	c.teardown()
	log.Info().Str("module", "session").Str("call", string(call.ID)).Msg("left call")
	return nil
}

// EndCall marks the call ended and every present participant left as one
// best-effort batch. Host-privileged. Ending the current call performs the
// same unconditional local cleanup as LeaveCall.
func (c *Controller) EndCall(ctx context.Context, callID domain.CallID) error {
	c.mu.Lock()
	current := c.call
	c.mu.Unlock()

	target := callID
	if target == "" {
		if current == nil {
			return core.ErrNotInCall
		}
		target = current.ID
	}

	var hostID domain.UserID
	if current != nil && current.ID == target {
		hostID = current.HostID
	} else {
		rec, err := c.store.CallByID(ctx, target)
		if err != nil {
			return err
		}
		hostID = rec.HostID
	}
	if hostID != c.self.ID {
		return core.ErrNotHost
	}

	endingCurrent := current != nil && current.ID == target
	if endingCurrent {
		c.mu.Lock()
		if c.state != StateInCall {
			endingCurrent = false
		} else {
			c.state = StateEnding
			c.sessCancel()
		}
		c.mu.Unlock()
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	if err := c.store.EndCall(wctx, target, time.Now()); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("call", string(target)).Msg("end call batch failed")
	}
	wcancel()

	if endingCurrent {
		c.teardown()
	}
	log.Info().Str("module", "session").Str("call", string(target)).Msg("call ended")
	return nil
}

// teardown releases everything session-scoped unconditionally and resets to
// idle: all peer links, local media, the relay channel and the roster feed.
func (c *Controller) teardown() {
	c.mu.Lock()
	peers := c.peers
	bus := c.bus
	feedCancel := c.feedCancel
	cancel := c.sessCancel
	c.call = nil
	c.roster = nil
	c.peers = nil
	c.bus = nil
	c.sessCtx = nil
	c.sessCancel = nil
	c.feedCancel = nil
	c.state = StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if peers != nil {
		peers.RemoveAllPeers()
		peers.Close()
	}
	if bus != nil {
		_ = bus.Close()
	}
	if feedCancel != nil {
		feedCancel()
	}
	c.media.Events.Off(trackChangedKey)
	c.media.Disconnect()
}

// runFeed applies roster events strictly in delivery order; no reordering or
// coalescing, since delete-after-insert and insert-after-delete must resolve
// correctly.
func (c *Controller) runFeed(ctx context.Context, ch <-chan core.ParticipantEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.applyEvent(ev)
		}
	}
}

func (c *Controller) applyEvent(ev core.ParticipantEvent) {
	var departed domain.UserID
	selfLeft := false

	c.mu.Lock()
	if c.state != StateInCall {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case core.ParticipantInsert, core.ParticipantUpdate:
		if ev.After == nil {
			break
		}
		if ev.After.Present() {
			c.roster[ev.After.UserID] = ev.After
		} else {
			delete(c.roster, ev.After.UserID)
			departed = ev.After.UserID
		}
	case core.ParticipantDelete:
		if ev.Before == nil {
			break
		}
		delete(c.roster, ev.Before.UserID)
		departed = ev.Before.UserID
	}
	peers := c.peers
	if departed == c.self.ID {
		// The host ended the call (or our row was removed remotely); local
		// state must follow.
		selfLeft = true
	}
	c.mu.Unlock()

	if selfLeft {
		log.Info().Str("module", "session").Msg("own row left remotely, tearing down")
		c.teardown()
		return
	}
	if departed != "" && peers != nil {
		peers.RemovePeer(departed)
	}
	c.reconcilePeers()
}

// reconcilePeers adds a link for every present, non-self roster entry that
// lacks one. AddPeer is idempotent, so rapid churn is harmless.
func (c *Controller) reconcilePeers() {
	c.mu.Lock()
	if c.state != StateInCall || c.peers == nil {
		c.mu.Unlock()
		return
	}
	peers := c.peers
	remotes := make([]domain.UserID, 0, len(c.roster))
	for id, p := range c.roster {
		if id == c.self.ID || !p.Present() {
			continue
		}
		remotes = append(remotes, id)
	}
	c.mu.Unlock()

	for _, id := range remotes {
		peers.AddPeer(id)
	}
}

// ToggleMute flips the local mute state immediately; the participant row is
// updated asynchronously and a write failure never rolls the state back.
func (c *Controller) ToggleMute() {
	t, ok := c.flipToggles(func(t *domain.Toggles) { t.Muted = !t.Muted })
	if !ok {
		return
	}
	c.media.ToggleAudio(!t.Muted)
	c.persistToggles(t)
}

func (c *Controller) ToggleCamera() {
	t, ok := c.flipToggles(func(t *domain.Toggles) { t.CameraOff = !t.CameraOff })
	if !ok {
		return
	}
	c.media.ToggleVideo(!t.CameraOff)
	c.persistToggles(t)
}

// ToggleScreenShare starts or stops screen capture. A cancelled picker is a
// silent no-op. The outbound track swap on open links rides the media
// trackChanged event.
func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInCall {
		c.mu.Unlock()
		return core.ErrNotInCall
	}
	sharing := false
	if p := c.roster[c.self.ID]; p != nil {
		sharing = p.Toggles.ScreenSharing
	}
	c.mu.Unlock()

	now, err := c.media.ToggleScreen(ctx, !sharing)
	if err != nil {
		return err
	}
	if now == sharing {
		return nil
	}
	t, ok := c.flipToggles(func(t *domain.Toggles) { t.ScreenSharing = now })
	if ok {
		c.persistToggles(t)
	}
	return nil
}

// flipToggles mutates the optimistic self roster entry and returns the new
// toggle state.
func (c *Controller) flipToggles(mutate func(*domain.Toggles)) (domain.Toggles, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInCall {
		return domain.Toggles{}, false
	}
	p, ok := c.roster[c.self.ID]
	if !ok {
		return domain.Toggles{}, false
	}
	mutate(&p.Toggles)
	return p.Toggles, true
}

func (c *Controller) persistToggles(t domain.Toggles) {
	c.mu.Lock()
	if c.state != StateInCall {
		c.mu.Unlock()
		return
	}
	ctx := c.sessCtx
	callID := c.call.ID
	c.mu.Unlock()

	go func() {
		if err := c.store.UpdateToggles(ctx, callID, c.self.ID, t); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("call", string(callID)).Msg("persist toggles failed")
		}
	}()
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return core.ErrAlreadyInCall
	}
	c.state = to
	return nil
}

func (c *Controller) resetIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

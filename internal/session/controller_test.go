package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
	"github.com/hivedesk/callkit/internal/media"
	"github.com/hivedesk/callkit/internal/relay/memory"
	"github.com/hivedesk/callkit/internal/store"
)

// fakePeers records membership intent instead of negotiating real links.
type fakePeers struct {
	mu         sync.Mutex
	added      []domain.UserID
	removed    []domain.UserID
	removedAll int
	replaced   []webrtc.TrackLocal
	closed     bool
}

func (f *fakePeers) AddPeer(remote domain.UserID) {
	f.mu.Lock()
	f.added = append(f.added, remote)
	f.mu.Unlock()
}

func (f *fakePeers) RemovePeer(remote domain.UserID) {
	f.mu.Lock()
	f.removed = append(f.removed, remote)
	f.mu.Unlock()
}

func (f *fakePeers) RemoveAllPeers() {
	f.mu.Lock()
	f.removedAll++
	f.mu.Unlock()
}

func (f *fakePeers) ReplaceVideoTrack(track webrtc.TrackLocal) {
	f.mu.Lock()
	f.replaced = append(f.replaced, track)
	f.mu.Unlock()
}

func (f *fakePeers) Streams() map[domain.UserID]*core.RemoteStream {
	return map[domain.UserID]*core.RemoteStream{}
}

func (f *fakePeers) OnLinkFailed(func(domain.UserID)) {}
func (f *fakePeers) OnStream(func(*core.RemoteStream)) {}

func (f *fakePeers) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePeers) addedPeers() []domain.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UserID, len(f.added))
	copy(out, f.added)
	return out
}

func (f *fakePeers) removedPeers() []domain.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UserID, len(f.removed))
	copy(out, f.removed)
	return out
}

func (f *fakePeers) replacedTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(f.replaced))
	copy(out, f.replaced)
	return out
}

// flakyStore delegates to a real store with injectable per-method failures.
type flakyStore struct {
	core.RecordStore
	createCallErr    error
	addPartErr       error
	setStatusErr     error
	markLeftErr      error
	updateTogglesErr error
}

func (f *flakyStore) CreateCall(ctx context.Context, call *domain.Call) error {
	if f.createCallErr != nil {
		return f.createCallErr
	}
	return f.RecordStore.CreateCall(ctx, call)
}

func (f *flakyStore) AddParticipant(ctx context.Context, p *domain.Participant) error {
	if f.addPartErr != nil {
		return f.addPartErr
	}
	return f.RecordStore.AddParticipant(ctx, p)
}

func (f *flakyStore) SetCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	if f.setStatusErr != nil {
		return f.setStatusErr
	}
	return f.RecordStore.SetCallStatus(ctx, id, status)
}

func (f *flakyStore) MarkLeft(ctx context.Context, callID domain.CallID, userID domain.UserID, at time.Time) error {
	if f.markLeftErr != nil {
		return f.markLeftErr
	}
	return f.RecordStore.MarkLeft(ctx, callID, userID, at)
}

func (f *flakyStore) UpdateToggles(ctx context.Context, callID domain.CallID, userID domain.UserID, t domain.Toggles) error {
	if f.updateTogglesErr != nil {
		return f.updateTogglesErr
	}
	return f.RecordStore.UpdateToggles(ctx, callID, userID, t)
}

type fixture struct {
	ctrl  *Controller
	peers *fakePeers
	media *media.Session
}

func newFixture(t *testing.T, st core.RecordStore, hub *memory.Hub, user domain.User) *fixture {
	t.Helper()
	peers := &fakePeers{}
	med := media.NewSession(media.NewSyntheticCapturer())
	factory := func(domain.UserID, domain.CallID, core.SignalBus, core.MediaSource) core.PeerManager {
		return peers
	}
	ctrl := NewController(st, hub.Factory(), factory, med, user)
	t.Cleanup(func() { _ = ctrl.LeaveCall(context.Background()) })
	return &fixture{ctrl: ctrl, peers: peers, media: med}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	return st
}

var (
	alice = domain.User{ID: "alice", Username: "Alice"}
	bob   = domain.User{ID: "bob", Username: "Bob"}
)

func TestCreateCallEntersCall(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)

	call, err := fx.ctrl.CreateCall(context.Background(), "standup", "team")
	require.NoError(t, err)

	assert.True(t, fx.ctrl.IsInCall())
	assert.Equal(t, domain.CallStatusActive, call.Status)
	assert.True(t, fx.media.Connected())

	parts := fx.ctrl.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, alice.ID, parts[0].UserID)
	assert.Equal(t, domain.RoleHost, parts[0].Role)

	stored, err := st.CallByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, stored.Status)
	assert.NotNil(t, stored.StartedAt)
}

func TestCreateCallRequiresAuthentication(t *testing.T) {
	fx := newFixture(t, openStore(t), memory.NewHub(), domain.User{})

	_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestCreateCallAbortsCleanlyOnStoreFailure(t *testing.T) {
	boom := errors.New("db down")
	cases := map[string]*flakyStore{
		"create call": {RecordStore: openStore(t), createCallErr: boom},
		"insert host": {RecordStore: openStore(t), addPartErr: boom},
		"activate":    {RecordStore: openStore(t), setStatusErr: boom},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, st, memory.NewHub(), alice)

			_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
			require.ErrorIs(t, err, boom)
			assert.Equal(t, StateIdle, fx.ctrl.State())
			assert.False(t, fx.media.Connected())

			// A clean abort must allow an immediate retry.
			st.createCallErr, st.addPartErr, st.setStatusErr = nil, nil, nil
			_, err = fx.ctrl.CreateCall(context.Background(), "standup", "")
			require.NoError(t, err)
			assert.True(t, fx.ctrl.IsInCall())
		})
	}
}

func TestCreateMeetingLinkDoesNotJoin(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)

	call, err := fx.ctrl.CreateMeetingLink(context.Background(), "planning")
	require.NoError(t, err)

	assert.Equal(t, StateIdle, fx.ctrl.State())
	assert.False(t, fx.media.Connected())
	assert.NotEmpty(t, call.JoinCode)

	stored, err := st.CallByCode(context.Background(), call.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusWaiting, stored.Status)
	active, err := st.ActiveParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Empty(t, active, "link creation must not insert a participant row")
}

func TestJoinCallBadOrUnknownCode(t *testing.T) {
	fx := newFixture(t, openStore(t), memory.NewHub(), bob)

	_, err := fx.ctrl.JoinCall(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrCallNotFound)

	_, err = fx.ctrl.JoinCall(context.Background(), "ZZZ-999")
	assert.ErrorIs(t, err, core.ErrCallNotFound)

	assert.Equal(t, StateIdle, fx.ctrl.State())
}

func TestJoinCallEndedCodeFails(t *testing.T) {
	st := openStore(t)
	hub := memory.NewHub()
	host := newFixture(t, st, hub, alice)
	call, err := host.ctrl.CreateMeetingLink(context.Background(), "old")
	require.NoError(t, err)
	require.NoError(t, st.EndCall(context.Background(), call.ID, time.Now()))

	guest := newFixture(t, st, hub, bob)
	_, err = guest.ctrl.JoinCall(context.Background(), call.JoinCode)
	assert.ErrorIs(t, err, core.ErrCallNotFound)
}

func TestJoinCallPromotesWaitingCall(t *testing.T) {
	st := openStore(t)
	hub := memory.NewHub()
	host := newFixture(t, st, hub, alice)
	call, err := host.ctrl.CreateMeetingLink(context.Background(), "planning")
	require.NoError(t, err)

	guest := newFixture(t, st, hub, bob)
	joined, err := guest.ctrl.JoinCall(context.Background(), domain.JoinCodePrefix+call.JoinCode)
	require.NoError(t, err)

	assert.True(t, guest.ctrl.IsInCall())
	assert.Equal(t, domain.CallStatusActive, joined.Status)
	stored, err := st.CallByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, stored.Status)
}

func TestJoinCallDoesNotDuplicateOwnRow(t *testing.T) {
	st := openStore(t)
	hub := memory.NewHub()
	host := newFixture(t, st, hub, alice)
	call, err := host.ctrl.CreateMeetingLink(context.Background(), "planning")
	require.NoError(t, err)

	// Simulate a row surviving a crashed previous session.
	p := domain.NewParticipant(call.ID, &bob, domain.RoleParticipant)
	require.NoError(t, st.AddParticipant(context.Background(), p))

	guest := newFixture(t, st, hub, bob)
	_, err = guest.ctrl.JoinCall(context.Background(), call.JoinCode)
	require.NoError(t, err)

	active, err := st.ActiveParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestJoinWhileInCallRejected(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)
	call, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	_, err = fx.ctrl.JoinCall(context.Background(), call.JoinCode)
	assert.ErrorIs(t, err, core.ErrAlreadyInCall)
	assert.True(t, fx.ctrl.IsInCall())
}

func TestLeaveCallCleansUpEvenWhenStoreFails(t *testing.T) {
	st := &flakyStore{RecordStore: openStore(t), markLeftErr: errors.New("db down")}
	fx := newFixture(t, st, memory.NewHub(), alice)
	_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	require.NoError(t, fx.ctrl.LeaveCall(context.Background()))

	assert.Equal(t, StateIdle, fx.ctrl.State())
	assert.False(t, fx.media.Connected())
	fx.peers.mu.Lock()
	assert.Positive(t, fx.peers.removedAll)
	assert.True(t, fx.peers.closed)
	fx.peers.mu.Unlock()
}

func TestLeaveCallWhenIdleIsNoop(t *testing.T) {
	fx := newFixture(t, openStore(t), memory.NewHub(), alice)
	require.NoError(t, fx.ctrl.LeaveCall(context.Background()))
	assert.Equal(t, StateIdle, fx.ctrl.State())
}

func TestEndCallRequiresHost(t *testing.T) {
	st := openStore(t)
	hub := memory.NewHub()
	host := newFixture(t, st, hub, alice)
	call, err := host.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	guest := newFixture(t, st, hub, bob)
	_, err = guest.ctrl.JoinCall(context.Background(), call.JoinCode)
	require.NoError(t, err)

	err = guest.ctrl.EndCall(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrNotHost)
	assert.True(t, guest.ctrl.IsInCall())
}

func TestEndCallPropagatesToAllParticipants(t *testing.T) {
	st := openStore(t)
	hub := memory.NewHub()
	host := newFixture(t, st, hub, alice)
	call, err := host.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	guest := newFixture(t, st, hub, bob)
	_, err = guest.ctrl.JoinCall(context.Background(), call.JoinCode)
	require.NoError(t, err)

	require.NoError(t, host.ctrl.EndCall(context.Background(), ""))

	assert.False(t, host.ctrl.IsInCall())
	require.Eventually(t, func() bool {
		return !guest.ctrl.IsInCall()
	}, 2*time.Second, 10*time.Millisecond, "guest must observe the remote end")
	assert.False(t, guest.media.Connected())

	stored, err := st.CallByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
	active, err := st.ActiveParticipants(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRosterFeedDrivesPeerMembership(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)
	call, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	p := domain.NewParticipant(call.ID, &bob, domain.RoleParticipant)
	require.NoError(t, st.AddParticipant(context.Background(), p))

	require.Eventually(t, func() bool {
		for _, id := range fx.peers.addedPeers() {
			if id == bob.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "insert event must add the peer")
	require.Eventually(t, func() bool {
		return len(fx.ctrl.Participants()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.MarkLeft(context.Background(), call.ID, bob.ID, time.Now()))

	require.Eventually(t, func() bool {
		for _, id := range fx.peers.removedPeers() {
			if id == bob.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "leave event must remove the peer")
	require.Eventually(t, func() bool {
		return len(fx.ctrl.Participants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// feedStore substitutes a hand-fed roster channel so tests can inject event
// kinds the sqlite store never produces, like hard deletes.
type feedStore struct {
	core.RecordStore
	events chan core.ParticipantEvent
}

func (f *feedStore) SubscribeParticipants(context.Context, domain.CallID) (<-chan core.ParticipantEvent, func(), error) {
	return f.events, func() {}, nil
}

func TestDeleteEventRemovesPeer(t *testing.T) {
	st := &feedStore{RecordStore: openStore(t), events: make(chan core.ParticipantEvent, 8)}
	fx := newFixture(t, st, memory.NewHub(), alice)
	call, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	p := domain.NewParticipant(call.ID, &bob, domain.RoleParticipant)
	st.events <- core.ParticipantEvent{Kind: core.ParticipantInsert, After: p}
	st.events <- core.ParticipantEvent{Kind: core.ParticipantDelete, Before: p}

	require.Eventually(t, func() bool {
		for _, id := range fx.peers.removedPeers() {
			if id == bob.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "delete after insert must remove the peer")
	assert.Len(t, fx.ctrl.Participants(), 1)
}

func TestSelfNeverAddedAsPeer(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)
	_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	for _, id := range fx.peers.addedPeers() {
		assert.NotEqual(t, alice.ID, id)
	}
}

func TestToggleMutePersistsBestEffort(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)
	call, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	fx.ctrl.ToggleMute()
	assert.True(t, fx.ctrl.IsMuted())
	audio, _ := fx.media.LocalStream()
	require.NotNil(t, audio)
	assert.False(t, audio.Enabled())

	require.Eventually(t, func() bool {
		p, err := st.ActiveParticipant(context.Background(), call.ID, alice.ID)
		return err == nil && p.Toggles.Muted
	}, 2*time.Second, 10*time.Millisecond, "mute must reach the participant row")

	fx.ctrl.ToggleMute()
	assert.False(t, fx.ctrl.IsMuted())
	assert.True(t, audio.Enabled())
}

func TestTogglePersistFailureKeepsLocalState(t *testing.T) {
	st := &flakyStore{RecordStore: openStore(t), updateTogglesErr: errors.New("db down")}
	fx := newFixture(t, st, memory.NewHub(), alice)
	_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	fx.ctrl.ToggleCamera()
	assert.True(t, fx.ctrl.IsCameraOff())

	// The write fails asynchronously; local state must not roll back.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, fx.ctrl.IsCameraOff())
}

func TestToggleScreenShareSwapsOutboundTrack(t *testing.T) {
	st := openStore(t)
	fx := newFixture(t, st, memory.NewHub(), alice)
	_, err := fx.ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	require.NoError(t, fx.ctrl.ToggleScreenShare(context.Background()))
	assert.True(t, fx.ctrl.IsScreenSharing())
	assert.True(t, fx.media.ScreenSharing())

	replaced := fx.peers.replacedTracks()
	require.Len(t, replaced, 1)
	assert.NotNil(t, replaced[0])

	require.NoError(t, fx.ctrl.ToggleScreenShare(context.Background()))
	assert.False(t, fx.ctrl.IsScreenSharing())
	replaced = fx.peers.replacedTracks()
	require.Len(t, replaced, 2, "stopping must swap the camera back in")
}

func TestToggleScreenShareCancelledPickerIsNoop(t *testing.T) {
	st := openStore(t)
	peers := &fakePeers{}
	med := media.NewSession(cancelledScreenCapturer{})
	factory := func(domain.UserID, domain.CallID, core.SignalBus, core.MediaSource) core.PeerManager {
		return peers
	}
	ctrl := NewController(st, memory.NewHub().Factory(), factory, med, alice)
	t.Cleanup(func() { _ = ctrl.LeaveCall(context.Background()) })
	_, err := ctrl.CreateCall(context.Background(), "standup", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.ToggleScreenShare(context.Background()))
	assert.False(t, ctrl.IsScreenSharing())
	assert.Empty(t, peers.replacedTracks())
}

func TestToggleOutsideCallRejected(t *testing.T) {
	fx := newFixture(t, openStore(t), memory.NewHub(), alice)
	err := fx.ctrl.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, core.ErrNotInCall)
	fx.ctrl.ToggleMute() // must be a silent no-op
	assert.False(t, fx.ctrl.IsMuted())
}

// cancelledScreenCapturer captures camera and mic normally but always
// dismisses the screen picker.
type cancelledScreenCapturer struct{}

func (cancelledScreenCapturer) CaptureAudio(ctx context.Context) (*media.Track, error) {
	return media.NewSyntheticCapturer().CaptureAudio(ctx)
}

func (cancelledScreenCapturer) CaptureVideo(ctx context.Context) (*media.Track, error) {
	return media.NewSyntheticCapturer().CaptureVideo(ctx)
}

func (cancelledScreenCapturer) CaptureScreen(context.Context) (*media.Track, error) {
	return nil, media.ErrCaptureCancelled
}

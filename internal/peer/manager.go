// Package peer maintains one negotiated media connection per remote
// participant (mesh topology) and keeps the remote stream map current.
// Negotiation runs over a SignalBus; the bus broadcasts to the whole call,
// so dropping messages addressed elsewhere happens here.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const publishTimeout = 5 * time.Second

type Config struct {
	ICEServers   []string
	MaxRetries   int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
	}
}

// Factory adapts a Config to the session controller's PeerFactory.
func Factory(cfg Config) core.PeerFactory {
	return func(self domain.UserID, callID domain.CallID, bus core.SignalBus, media core.MediaSource) core.PeerManager {
		return NewManager(cfg, self, callID, bus, media)
	}
}

// Initiator reports whether self initiates the offer toward remote. The
// participant whose identifier sorts lower always offers, so for any pair
// exactly one side initiates without a central coordinator.
func Initiator(self, remote domain.UserID) bool {
	return self < remote
}

type Manager struct {
	self   domain.UserID
	callID domain.CallID
	bus    core.SignalBus
	media  core.MediaSource
	cfg    Config

	mu      sync.Mutex
	links   map[domain.UserID]*link
	streams map[domain.UserID]*core.RemoteStream
	closed  bool

	cbMu         sync.RWMutex
	onLinkFailed func(domain.UserID)
	onStream     func(*core.RemoteStream)
}

func NewManager(cfg Config, self domain.UserID, callID domain.CallID, bus core.SignalBus, media core.MediaSource) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		self:    self,
		callID:  callID,
		bus:     bus,
		media:   media,
		cfg:     cfg,
		links:   make(map[domain.UserID]*link),
		streams: make(map[domain.UserID]*core.RemoteStream),
	}
	go m.consume()
	return m
}

// consume drains the bus in arrival order. One goroutine, so signaling for
// any given remote is applied FIFO.
func (m *Manager) consume() {
	for msg := range m.bus.Subscribe() {
		m.HandleSignal(msg)
	}
}

func (m *Manager) OnLinkFailed(fn func(domain.UserID)) {
	m.cbMu.Lock()
	m.onLinkFailed = fn
	m.cbMu.Unlock()
}

func (m *Manager) OnStream(fn func(*core.RemoteStream)) {
	m.cbMu.Lock()
	m.onStream = fn
	m.cbMu.Unlock()
}

// AddPeer creates a link toward remote and, when self is the initiator,
// begins negotiation. No-op for self or an already-live link, which doubles
// as the guard against duplicate negotiation after rapid roster churn.
func (m *Manager) AddPeer(remote domain.UserID) {
	if remote == m.self {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if l, ok := m.links[remote]; ok && l.live() {
		m.mu.Unlock()
		return
	}
	l, err := m.newLink(remote, 0)
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("create link")
		return
	}
	m.links[remote] = l
	initiate := Initiator(m.self, remote)
	m.mu.Unlock()

	log.Info().Str("module", "peer").Str("remote", string(remote)).Bool("initiator", initiate).Msg("peer added")
	if initiate {
		m.negotiate(remote)
	}
}

// RemovePeer closes and discards the link plus any buffered candidates and
// retry state, and drops the stream-map entry.
func (m *Manager) RemovePeer(remote domain.UserID) {
	m.mu.Lock()
	m.removeLocked(remote)
	m.mu.Unlock()
}

func (m *Manager) RemoveAllPeers() {
	m.mu.Lock()
	for remote := range m.links {
		m.removeLocked(remote)
	}
	m.mu.Unlock()
}

func (m *Manager) removeLocked(remote domain.UserID) {
	l, ok := m.links[remote]
	if !ok {
		return
	}
	l.stopRetry()
	l.state = linkClosed
	l.pending = nil
	if err := l.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("close link")
	}
	delete(m.links, remote)
	delete(m.streams, remote)
	log.Info().Str("module", "peer").Str("remote", string(remote)).Msg("peer removed")
}

// Close tears down every link. The bus is owned and closed by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for remote := range m.links {
		m.removeLocked(remote)
	}
	m.mu.Unlock()
}

// ReplaceVideoTrack swaps the outbound video sender on every open link in
// place. Links are never torn down for a track change: recreating them would
// renegotiate and glitch remote playback.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	pcs := make([]*webrtc.PeerConnection, 0, len(m.links))
	for _, l := range m.links {
		if l.live() {
			pcs = append(pcs, l.pc)
		}
	}
	m.mu.Unlock()

	for _, pc := range pcs {
		for _, sender := range pc.GetSenders() {
			t := sender.Track()
			if t == nil || t.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("replace video track")
			}
		}
	}
}

func (m *Manager) Streams() map[domain.UserID]*core.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]*core.RemoteStream, len(m.streams))
	for id, s := range m.streams {
		cp := *s
		out[id] = &cp
	}
	return out
}

func (m *Manager) webrtcConfig() webrtc.Configuration {
	if len(m.cfg.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.cfg.ICEServers}},
	}
}

// newLink builds the PeerConnection with local tracks attached and lifecycle
// callbacks wired. Caller holds m.mu.
func (m *Manager) newLink(remote domain.UserID, retries int) (*link, error) {
	pc, err := webrtc.NewPeerConnection(m.webrtcConfig())
	if err != nil {
		return nil, err
	}

	if t := m.media.AudioTrack(); t != nil {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("add audio track")
		}
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("add audio transceiver")
	}
	if t := m.media.VideoTrack(); t != nil {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("add video track")
		}
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("add video transceiver")
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.publish(core.SignalMessage{Type: core.SignalCandidate, To: remote, Candidate: &init})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.handleTrack(remote, tr)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.handleConnectionState(remote, st)
	})

	return &link{remote: remote, pc: pc, state: linkNew, retries: retries}, nil
}

func (m *Manager) publish(msg core.SignalMessage) {
	msg.From = m.self
	msg.CallID = m.callID
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("publish signal")
	}
}

func (m *Manager) negotiate(remote domain.UserID) {
	m.mu.Lock()
	l, ok := m.links[remote]
	if !ok || !l.live() {
		m.mu.Unlock()
		return
	}
	offer, err := l.pc.CreateOffer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("create offer")
		return
	}
	l.state = linkConnecting
	sdp := offer.SDP
	m.mu.Unlock()

	m.publish(core.SignalMessage{Type: core.SignalOffer, To: remote, SDP: sdp})
}

// HandleSignal applies one relay message. Messages not addressed to self are
// dropped here because the relay broadcasts call-wide.
func (m *Manager) HandleSignal(msg core.SignalMessage) {
	if msg.To != m.self || msg.From == m.self {
		return
	}
	switch msg.Type {
	case core.SignalOffer:
		m.handleOffer(msg)
	case core.SignalAnswer:
		m.handleAnswer(msg)
	case core.SignalCandidate:
		m.handleCandidate(msg)
	default:
		log.Warn().Str("module", "peer").Str("type", string(msg.Type)).Msg("unknown signal")
	}
}

// ensureLinkLocked returns the live link for remote, creating a passive one
// when signaling outruns the roster.
func (m *Manager) ensureLinkLocked(remote domain.UserID) *link {
	if l, ok := m.links[remote]; ok && l.live() {
		return l
	}
	l, err := m.newLink(remote, 0)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("create link")
		return nil
	}
	m.links[remote] = l
	return l
}

func (m *Manager) handleOffer(msg core.SignalMessage) {
	m.mu.Lock()
	l := m.ensureLinkLocked(msg.From)
	if l == nil {
		m.mu.Unlock()
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("from", string(msg.From)).Msg("set remote offer")
		return
	}
	m.flushPendingLocked(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(answer)
	}
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("from", string(msg.From)).Msg("create answer")
		return
	}
	l.state = linkConnecting
	sdp := answer.SDP
	m.mu.Unlock()

	m.publish(core.SignalMessage{Type: core.SignalAnswer, To: msg.From, SDP: sdp})
}

func (m *Manager) handleAnswer(msg core.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[msg.From]
	if !ok || !l.live() {
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("from", string(msg.From)).Msg("set remote answer")
		return
	}
	m.flushPendingLocked(l)
}

func (m *Manager) handleCandidate(msg core.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ensureLinkLocked(msg.From)
	if l == nil {
		return
	}
	if l.pc.RemoteDescription() == nil {
		// Not applicable yet; keep it, in arrival order, until the remote
		// description lands.
		l.pending = append(l.pending, *msg.Candidate)
		return
	}
	if err := l.pc.AddICECandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("from", string(msg.From)).Msg("add candidate")
	}
}

func (m *Manager) flushPendingLocked(l *link) {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("flush candidate")
		}
	}
	l.pending = nil
}

func (m *Manager) handleTrack(remote domain.UserID, tr *webrtc.TrackRemote) {
	m.mu.Lock()
	rs, ok := m.streams[remote]
	if !ok {
		rs = &core.RemoteStream{PeerID: remote, StreamID: tr.StreamID()}
		m.streams[remote] = rs
	}
	rs.Tracks = append(rs.Tracks, tr)
	snapshot := *rs
	m.mu.Unlock()

	log.Info().Str("module", "peer").Str("remote", string(remote)).
		Str("kind", tr.Kind().String()).Str("stream_id", tr.StreamID()).Msg("remote track")

	m.cbMu.RLock()
	fn := m.onStream
	m.cbMu.RUnlock()
	if fn != nil {
		fn(&snapshot)
	}
}

func (m *Manager) handleConnectionState(remote domain.UserID, st webrtc.PeerConnectionState) {
	log.Info().Str("module", "peer").Str("remote", string(remote)).Str("state", st.String()).Msg("link state")

	m.mu.Lock()
	l, ok := m.links[remote]
	if !ok || !l.live() || m.closed {
		m.mu.Unlock()
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		l.state = linkConnected
		// Reset only here: resetting on connecting would mask a flapping
		// connection.
		l.retries = 0
		m.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		l.state = linkFailed
		if l.retries >= m.cfg.MaxRetries {
			m.removeLocked(remote)
			m.mu.Unlock()
			m.reportFailed(remote)
			return
		}
		l.retries++
		attempt := l.retries
		l.retry = time.AfterFunc(m.cfg.RetryBackoff, func() {
			m.retryLink(remote, attempt)
		})
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

// retryLink closes the failed connection and builds a fresh one carrying the
// retry count forward; the initiator side resends an offer.
func (m *Manager) retryLink(remote domain.UserID, attempt int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	l, ok := m.links[remote]
	if !ok || l.state != linkFailed || l.retries != attempt {
		m.mu.Unlock()
		return
	}
	if err := l.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("close failed link")
	}
	nl, err := m.newLink(remote, l.retries)
	if err != nil {
		delete(m.links, remote)
		delete(m.streams, remote)
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("recreate link")
		m.reportFailed(remote)
		return
	}
	m.links[remote] = nl
	initiate := Initiator(m.self, remote)
	m.mu.Unlock()

	log.Info().Str("module", "peer").Str("remote", string(remote)).Int("attempt", attempt).Msg("retrying link")
	if initiate {
		m.negotiate(remote)
	}
}

// reportFailed surfaces an abandoned link upward. Never session-fatal.
func (m *Manager) reportFailed(remote domain.UserID) {
	log.Warn().Str("module", "peer").Str("remote", string(remote)).Msg("link abandoned after retries")
	m.cbMu.RLock()
	fn := m.onLinkFailed
	m.cbMu.RUnlock()
	if fn != nil {
		fn(remote)
	}
}

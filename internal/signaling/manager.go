// Package signaling exchanges session descriptions and ICE candidates for one call
// over a persisted signal log and a broadcast channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/dedupe"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/rtc"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/signaling")

// Errors returned by the Manager.
var (
	ErrNotInitialized = errors.New("signaling manager not initialized")
	ErrClosed         = errors.New("signaling manager cleaned up")
)

const seenSignalsLimit = 512

// Prometheus metrics.
var (
	signalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_signals_sent_total",
			Help: "The total number of signals written, by delivery leg",
		},
		[]string{"type", "leg", "result"},
	)
	signalsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_signals_handled_total",
			Help: "The total number of received signals, by source and outcome",
		},
		[]string{"type", "source", "result"},
	)
)

// Options collaborators of a Manager.
type Options struct {
	Factory    rtc.Factory
	Devices    rtc.MediaDevices
	Signals    repository.SignalRepository
	Transport  broadcast.Transport
	ICEServers []webrtc.ICEServer
}

type signalHandler func(ctx context.Context, pc rtc.PeerConnection, s models.Signal) error

// Manager owns the peer connection of one call between the local and a remote user.
type Manager struct {
	callID       string
	localUserID  string
	remoteUserID string
	opts         Options
	seen         *dedupe.Set
	handlers     map[models.SignalType]signalHandler

	// serializes description changes between the subscription reader, replay and callers
	negotiation sync.Mutex

	mu          sync.Mutex
	pc          rtc.PeerConnection
	local       *rtc.LocalStream
	remote      *rtc.RemoteStream
	videoSender rtc.Sender
	sub         broadcast.Subscription
	onState     func(webrtc.PeerConnectionState)
	closed      bool
}

// NewManager creates a Manager for a call.
func NewManager(callID, localUserID, remoteUserID string, opts Options) *Manager {
	m := &Manager{
		callID:       callID,
		localUserID:  localUserID,
		remoteUserID: remoteUserID,
		opts:         opts,
		seen:         dedupe.NewSet(seenSignalsLimit),
	}

	m.handlers = map[models.SignalType]signalHandler{
		models.TypeOffer:        m.handleOffer,
		models.TypeAnswer:       m.handleAnswer,
		models.TypeICECandidate: m.handleCandidate,
	}

	return m
}

// CallID id of the call the manager negotiates.
func (m *Manager) CallID() string {
	return m.callID
}

// Initialize acquires local media, builds the peer connection and starts listening for
// signals from the remote user. Signals persisted before the call was joined are replayed.
//
// When capture is refused or no device exists a receive-only peer connection is still
// set up and the *rtc.MediaAccessError is returned along with a nil stream.
func (m *Manager) Initialize(ctx context.Context, c rtc.Constraints) (*rtc.LocalStream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.pc != nil {
		local := m.local
		m.mu.Unlock()
		return local, nil
	}
	m.mu.Unlock()

	local, mediaErr := m.opts.Devices.GetUserMedia(ctx, c)
	if mediaErr != nil {
		if !rtc.IsMediaAccessError(mediaErr) {
			return nil, fmt.Errorf("failed to acquire local media: %w", mediaErr)
		}
		log.Warn("continuing without local media", zap.String("callId", m.callID), zap.Error(mediaErr))
		local = nil
	}

	pc, err := m.opts.Factory.NewPeerConnection(rtc.Config{ICEServers: m.opts.ICEServers})
	if err != nil {
		local.Stop()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	remote := rtc.NewRemoteStream()
	pc.OnTrack(remote.Add)
	pc.OnICECandidate(m.onCandidate)
	pc.OnConnectionStateChange(m.onConnectionStateChange)

	videoSender, err := attachMedia(pc, local, c)
	if err != nil {
		pc.Close()
		local.Stop()
		return nil, err
	}

	channel := broadcast.ChannelName(m.localUserID, m.remoteUserID, m.callID)
	sub, err := m.opts.Transport.Subscribe(ctx, channel)
	if err != nil {
		pc.Close()
		local.Stop()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Close()
		pc.Close()
		local.Stop()
		return nil, ErrClosed
	}
	m.pc = pc
	m.local = local
	m.remote = remote
	m.videoSender = videoSender
	m.sub = sub
	m.mu.Unlock()

	go m.listen(sub)
	m.replay(ctx)

	if mediaErr != nil {
		return nil, mediaErr
	}
	return local, nil
}

func attachMedia(pc rtc.PeerConnection, local *rtc.LocalStream, c rtc.Constraints) (rtc.Sender, error) {
	var videoSender rtc.Sender
	for _, track := range local.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo && videoSender == nil {
			videoSender = sender
		}
	}

	if c.Audio && len(local.AudioTracks()) == 0 {
		if err := pc.AddReceiveOnly(webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to add receive-only audio: %w", err)
		}
	}
	if c.Video && len(local.VideoTracks()) == 0 {
		if err := pc.AddReceiveOnly(webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("failed to add receive-only video: %w", err)
		}
	}

	return videoSender, nil
}

// CreateOffer generates an offer, applies it locally and sends it to the remote user.
func (m *Manager) CreateOffer(ctx context.Context) error {
	pc := m.PeerConnection()
	if pc == nil {
		return ErrNotInitialized
	}

	m.negotiation.Lock()
	defer m.negotiation.Unlock()

	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	err = pc.SetLocalDescription(offer)
	if err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}

	return m.SendSignal(ctx, models.Offer{SDP: offer.SDP})
}

// CreateAnswer applies a remote offer, answers it and sends the answer.
func (m *Manager) CreateAnswer(ctx context.Context, offer models.Offer) error {
	pc := m.PeerConnection()
	if pc == nil {
		return ErrNotInitialized
	}

	m.negotiation.Lock()
	defer m.negotiation.Unlock()

	return m.answer(ctx, pc, offer)
}

func (m *Manager) answer(ctx context.Context, pc rtc.PeerConnection, offer models.Offer) error {
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	err = pc.SetLocalDescription(answer)
	if err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}

	return m.SendSignal(ctx, models.Answer{SDP: answer.SDP})
}

// SendSignal persists the signal and publishes it on the call channel. The two writes
// run independently. Only a persistence failure is returned.
func (m *Manager) SendSignal(ctx context.Context, s models.Signal) error {
	msg, err := models.NewSignalMessage(id.New(), m.callID, m.localUserID, m.remoteUserID, s)
	if err != nil {
		return err
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		m.publish(ctx, msg)
	}()

	err = m.opts.Signals.Save(ctx, msg)
	<-published
	if err != nil {
		signalsSent.WithLabelValues(string(msg.Type), "log", "error").Inc()
		return fmt.Errorf("failed to persist %s: %w", msg, err)
	}

	signalsSent.WithLabelValues(string(msg.Type), "log", "ok").Inc()
	return nil
}

func (m *Manager) publish(ctx context.Context, msg models.SignalMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to serialize signal", zap.Stringer("signal", msg), zap.Error(err))
		return
	}

	channel := broadcast.ChannelName(m.localUserID, m.remoteUserID, m.callID)
	err = m.opts.Transport.Publish(ctx, channel, payload)
	if err != nil {
		signalsSent.WithLabelValues(string(msg.Type), "broadcast", "error").Inc()
		log.Warn("failed to broadcast signal, remote peer will rely on replay", zap.Stringer("signal", msg), zap.Error(err))
		return
	}

	signalsSent.WithLabelValues(string(msg.Type), "broadcast", "ok").Inc()
}

func (m *Manager) onCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		log.Debug("ice gathering complete", zap.String("callId", m.callID))
		return
	}

	candidate := models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := m.SendSignal(context.Background(), candidate); err != nil {
		log.Error("failed to send ice candidate", zap.String("callId", m.callID), zap.Error(err))
	}
}

func (m *Manager) onConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Debug("peer connection state changed", zap.String("callId", m.callID), zap.String("state", state.String()))

	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

func (m *Manager) listen(sub broadcast.Subscription) {
	for payload := range sub.Messages() {
		var msg models.SignalMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn("discarding malformed broadcast message", zap.String("callId", m.callID), zap.Error(err))
			continue
		}
		m.handleSignal(context.Background(), msg, "broadcast")
	}
}

func (m *Manager) replay(ctx context.Context) {
	msgs, err := m.opts.Signals.FindByCall(ctx, m.callID)
	if err != nil {
		log.Error("failed to load persisted signals", zap.String("callId", m.callID), zap.Error(err))
		return
	}

	// Candidates can only be applied once the remote description is in place.
	sort.SliceStable(msgs, func(i, j int) bool {
		return replayRank(msgs[i].Type) < replayRank(msgs[j].Type)
	})

	for _, msg := range msgs {
		m.handleSignal(ctx, msg, "replay")
	}
}

func replayRank(t models.SignalType) int {
	if t == models.TypeICECandidate {
		return 1
	}
	return 0
}

func (m *Manager) handleSignal(ctx context.Context, msg models.SignalMessage, source string) {
	if msg.CallID != m.callID || msg.FromUserID == m.localUserID {
		return
	}
	if msg.ToUserID != "" && msg.ToUserID != m.localUserID {
		return
	}
	if m.seen.Contains(msg.ID) {
		signalsHandled.WithLabelValues(string(msg.Type), source, "duplicate").Inc()
		return
	}

	s, err := msg.Signal()
	if err != nil {
		m.seen.Add(msg.ID)
		signalsHandled.WithLabelValues(string(msg.Type), source, "malformed").Inc()
		log.Warn("discarding undecodable signal", zap.Stringer("signal", msg), zap.Error(err))
		return
	}

	pc := m.PeerConnection()
	if pc == nil {
		return
	}

	m.negotiation.Lock()
	defer m.negotiation.Unlock()

	// Checked again under the lock as the same signal can arrive live and in a replay.
	if m.seen.Contains(msg.ID) {
		signalsHandled.WithLabelValues(string(msg.Type), source, "duplicate").Inc()
		return
	}

	err = m.handlers[s.SignalType()](ctx, pc, s)
	if err != nil && s.SignalType() == models.TypeICECandidate {
		// Candidates may arrive before the remote description and stay unseen until applied.
		signalsHandled.WithLabelValues(string(msg.Type), source, "deferred").Inc()
		log.Debug("ice candidate not applied", zap.Stringer("signal", msg), zap.String("source", source), zap.Error(err))
		return
	}
	if err != nil {
		signalsHandled.WithLabelValues(string(msg.Type), source, "error").Inc()
		log.Warn("failed to apply signal", zap.Stringer("signal", msg), zap.String("source", source), zap.Error(err))
		return
	}

	m.seen.Add(msg.ID)
	signalsHandled.WithLabelValues(string(msg.Type), source, "ok").Inc()
}

func (m *Manager) handleOffer(ctx context.Context, pc rtc.PeerConnection, s models.Signal) error {
	return m.answer(ctx, pc, s.(models.Offer))
}

func (m *Manager) handleAnswer(ctx context.Context, pc rtc.PeerConnection, s models.Signal) error {
	answer := s.(models.Answer)
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
	if err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}

	return nil
}

func (m *Manager) handleCandidate(ctx context.Context, pc rtc.PeerConnection, s models.Signal) error {
	c := s.(models.ICECandidate)
	err := pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}

	return nil
}

// OnConnectionStateChange registers fn for peer connection state changes.
func (m *Manager) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// LocalStream captured local media, nil before Initialize or when capture failed.
func (m *Manager) LocalStream() *rtc.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteStream tracks received from the remote user.
func (m *Manager) RemoteStream() *rtc.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// PeerConnection the underlying peer connection, nil before Initialize.
func (m *Manager) PeerConnection() rtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

// VideoSender sender of the outgoing video track, nil for audio-only sessions.
func (m *Manager) VideoSender() rtc.Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoSender
}

// Cleanup stops local tracks, closes the peer connection and leaves the call channel.
// Safe to call repeatedly and before Initialize.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pc, local, sub := m.pc, m.local, m.sub
	m.mu.Unlock()

	local.Stop()
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Warn("failed to close call channel subscription", zap.String("callId", m.callID), zap.Error(err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warn("failed to close peer connection", zap.String("callId", m.callID), zap.Error(err))
		}
	}
}

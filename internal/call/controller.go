// Package call drives the lifecycle of one call attempt on the local client, reconciling
// peer connection events with status changes of the shared call record.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/rtc"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/call")

// Errors returned by the Controller.
var (
	ErrAlreadyStarted = errors.New("call already started")
	ErrNotActive      = errors.New("no active call")
	ErrNoVideoSender  = errors.New("call has no outgoing video")
	ErrNoLocalTrack   = errors.New("no local track of the requested kind")
	ErrEnded          = errors.New("call ended before it was set up")
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_controller_transitions_total",
		Help: "The total number of local call state transitions",
	},
	[]string{"state"},
)

// State local state of a call.
type State string

// Call states in lifecycle order.
const (
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

func (s State) rank() int {
	switch s {
	case StateRinging:
		return 1
	case StateConnected:
		return 2
	case StateEnded:
		return 3
	}
	return 0
}

// Store call record operations used by the controller.
type Store interface {
	Create(ctx context.Context, call models.CallSession) (models.CallSession, error)
	UpdateStatus(ctx context.Context, callID string, status models.CallStatus) (models.CallSession, bool, error)
	End(ctx context.Context, callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) (models.CallSession, bool, error)
	PruneSignals(ctx context.Context, callID string) error
	SubscribeRecords(ctx context.Context) (broadcast.Subscription, error)
}

// Session signaling and media of a call, implemented by signaling.Manager.
type Session interface {
	Initialize(ctx context.Context, c rtc.Constraints) (*rtc.LocalStream, error)
	CreateOffer(ctx context.Context) error
	LocalStream() *rtc.LocalStream
	RemoteStream() *rtc.RemoteStream
	VideoSender() rtc.Sender
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Cleanup()
}

// SessionFactory creates the Session of a call.
type SessionFactory func(callID, localUserID, remoteUserID string) Session

// Options collaborators and hooks of a Controller.
type Options struct {
	Store      Store
	NewSession SessionFactory
	Devices    rtc.MediaDevices
	// RingTimeout moves an unanswered outgoing call to missed. Zero rings forever.
	RingTimeout   time.Duration
	OnStateChange func(State)
	OnComplete    func(call models.CallSession, duration time.Duration)
}

// Outgoing call to place.
type Outgoing struct {
	RecipientID    string          `json:"recipientId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	CallType       models.CallType `json:"callType,omitempty"`
}

// Controller state machine of a single call attempt: connecting, ringing, connected
// and finally ended. States only move forward.
type Controller struct {
	localUserID string
	opts        Options

	mu          sync.Mutex
	started     bool
	state       State
	call        models.CallSession
	session     Session
	sub         broadcast.Subscription
	connectedAt time.Time
	ringTimer   *time.Timer
	camera      *rtc.LocalTrack
	screen      *rtc.LocalTrack
}

// NewController creates a Controller in state connecting.
func NewController(localUserID string, opts Options) *Controller {
	return &Controller{
		localUserID: localUserID,
		opts:        opts,
		state:       StateConnecting,
	}
}

// StartOutgoing creates the call record, sends an offer and starts ringing.
func (c *Controller) StartOutgoing(ctx context.Context, o Outgoing) error {
	if err := c.claim(); err != nil {
		return err
	}

	call, err := c.opts.Store.Create(ctx, models.CallSession{
		InitiatorID:    c.localUserID,
		RecipientID:    o.RecipientID,
		ConversationID: o.ConversationID,
		CallType:       o.CallType,
	})
	if err != nil {
		c.finish(ctx, models.StatusEnded, false)
		return fmt.Errorf("failed to create call: %w", err)
	}

	session, err := c.attach(ctx, call, call.RecipientID)
	if c.abandoned(ctx, call) {
		return ErrEnded
	}
	if err != nil {
		c.finish(ctx, models.StatusEnded, true)
		return err
	}

	err = c.initialize(ctx, session, call.CallType)
	if c.abandoned(ctx, call) {
		return ErrEnded
	}
	if err != nil {
		c.finish(ctx, models.StatusEnded, true)
		return err
	}

	err = session.CreateOffer(ctx)
	if c.abandoned(ctx, call) {
		return ErrEnded
	}
	if err != nil {
		c.finish(ctx, models.StatusEnded, true)
		return fmt.Errorf("failed to send offer: %w", err)
	}

	c.persist(ctx, models.StatusRinging)
	c.advance(StateRinging)
	c.startRingTimer()
	return nil
}

// AcceptIncoming joins a call surfaced by the incoming call watcher. The stored offer
// is answered while the session replays the signal log.
func (c *Controller) AcceptIncoming(ctx context.Context, call models.CallSession) error {
	if err := c.claim(); err != nil {
		return err
	}

	session, err := c.attach(ctx, call, call.InitiatorID)
	if c.abandoned(ctx, call) {
		return ErrEnded
	}
	if err != nil {
		c.finish(ctx, models.StatusEnded, true)
		return err
	}

	err = c.initialize(ctx, session, call.CallType)
	if c.abandoned(ctx, call) {
		return ErrEnded
	}
	if err != nil {
		c.finish(ctx, models.StatusEnded, true)
		return err
	}

	c.persist(ctx, models.StatusConnected)
	c.advance(StateConnected)
	return nil
}

// HangUp ends the call. Safe in every state and on repeated calls.
func (c *Controller) HangUp(ctx context.Context) {
	c.finish(ctx, models.StatusEnded, true)
}

func (c *Controller) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.state != StateConnecting {
		return ErrAlreadyStarted
	}
	c.started = true
	return nil
}

// attach binds the call and its session to the controller. Returns ErrEnded when the
// call was hung up in the meantime.
func (c *Controller) attach(ctx context.Context, call models.CallSession, remoteUserID string) (Session, error) {
	session := c.opts.NewSession(call.ID, c.localUserID, remoteUserID)
	session.OnConnectionStateChange(c.onPeerState)

	c.mu.Lock()
	c.call = call
	if c.state == StateEnded {
		c.mu.Unlock()
		return nil, ErrEnded
	}
	c.session = session
	c.mu.Unlock()

	sub, err := c.opts.Store.SubscribeRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to call records: %w", err)
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		sub.Close()
		return nil, ErrEnded
	}
	c.sub = sub
	c.mu.Unlock()

	go c.watchRecord(sub, call.ID)
	return session, nil
}

// abandoned reports whether the call ended while a setup step was in flight. The record
// is ended and the signal log pruned again, since finish may have run before the record
// or the session existed.
func (c *Controller) abandoned(ctx context.Context, call models.CallSession) bool {
	if c.State() != StateEnded {
		return false
	}

	_, _, err := c.opts.Store.End(ctx, call.ID, models.StatusEnded, time.Now(), 0)
	if err != nil {
		log.Error("failed to end abandoned call", zap.String("callId", call.ID), zap.Error(err))
		return true
	}
	err = c.opts.Store.PruneSignals(ctx, call.ID)
	if err != nil {
		log.Warn("failed to prune call signals", zap.String("callId", call.ID), zap.Error(err))
	}

	log.Info("call hung up during setup", zap.String("callId", call.ID))
	return true
}

func (c *Controller) initialize(ctx context.Context, session Session, callType models.CallType) error {
	_, err := session.Initialize(ctx, constraints(callType))
	if rtc.IsMediaAccessError(err) {
		log.Warn("continuing call without local media", zap.String("callId", c.Call().ID), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to initialize call session: %w", err)
	}

	return nil
}

func constraints(callType models.CallType) rtc.Constraints {
	return rtc.Constraints{
		Audio: true,
		Video: callType == models.CallTypeVideo,
	}
}

func (c *Controller) onPeerState(state webrtc.PeerConnectionState) {
	ctx := context.Background()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.advance(StateConnected)
		c.persist(ctx, models.StatusConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		log.Info("peer connection lost, ending call", zap.String("callId", c.Call().ID), zap.String("state", state.String()))
		// Cleanup closes the peer connection, which must not happen from its own callback.
		go c.finish(ctx, models.StatusEnded, true)
	}
}

func (c *Controller) watchRecord(sub broadcast.Subscription, callID string) {
	for payload := range sub.Messages() {
		var event models.CallEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Warn("discarding malformed call event", zap.Error(err))
			continue
		}
		if event.Call.ID != callID {
			continue
		}
		c.onRecord(event.Call)
	}
}

func (c *Controller) onRecord(record models.CallSession) {
	switch {
	case record.Status.IsTerminal():
		c.finish(context.Background(), record.Status, false)
	case record.Status == models.StatusConnected && c.State() == StateRinging:
		// The other party answered; the local ICE completion may still be in flight.
		c.advance(StateConnected)
	}
}

func (c *Controller) persist(ctx context.Context, status models.CallStatus) {
	call := c.Call()
	record, _, err := c.opts.Store.UpdateStatus(ctx, call.ID, status)
	if err != nil {
		log.Error("failed to update call status", zap.String("callId", call.ID), zap.String("status", string(status)), zap.Error(err))
		return
	}

	if record.Status == models.StatusConnected {
		c.advance(StateConnected)
	}
}

// advance moves to next if it lies ahead of the current state.
func (c *Controller) advance(next State) bool {
	c.mu.Lock()
	if next.rank() <= c.state.rank() {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if next == StateConnected {
		c.connectedAt = time.Now()
		c.stopRingTimer()
	}
	c.mu.Unlock()

	c.notify(next)
	return true
}

func (c *Controller) notify(state State) {
	transitionsTotal.WithLabelValues(string(state)).Inc()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

// finish moves to ended, optionally writing status to the call record, and releases
// every resource of the call.
func (c *Controller) finish(ctx context.Context, status models.CallStatus, persist bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	c.stopRingTimer()
	var duration time.Duration
	if !c.connectedAt.IsZero() {
		duration = time.Since(c.connectedAt)
	}
	call, session, sub, screen := c.call, c.session, c.sub, c.screen
	c.screen = nil
	c.mu.Unlock()

	c.notify(StateEnded)
	started := session != nil

	if persist && started {
		ended, _, err := c.opts.Store.End(ctx, call.ID, status, time.Now(), int(duration.Seconds()))
		if err != nil {
			log.Error("failed to end call", zap.String("callId", call.ID), zap.Error(err))
		} else {
			call = ended
		}
	}

	if screen != nil {
		screen.Stop()
	}
	if session != nil {
		session.Cleanup()
	}
	if sub != nil {
		sub.Close()
	}

	if persist && started {
		if err := c.opts.Store.PruneSignals(ctx, call.ID); err != nil {
			log.Warn("failed to prune call signals", zap.String("callId", call.ID), zap.Error(err))
		}
	}

	if started && c.opts.OnComplete != nil {
		c.opts.OnComplete(call, duration)
	}
}

func (c *Controller) startRingTimer() {
	if c.opts.RingTimeout <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRinging {
		return
	}

	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
		if c.State() != StateRinging {
			return
		}
		log.Info("call not answered in time", zap.String("callId", c.Call().ID), zap.Duration("timeout", c.opts.RingTimeout))
		c.finish(context.Background(), models.StatusMissed, true)
	})
}

// stopRingTimer must be called with the lock held.
func (c *Controller) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// ToggleMute flips the enabled flag of the local audio tracks and reports whether the
// call is now muted.
func (c *Controller) ToggleMute() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleCamera flips the enabled flag of the local camera and reports whether the camera
// is now off.
func (c *Controller) ToggleCamera() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggle(kind webrtc.RTPCodecType) (bool, error) {
	session := c.activeSession()
	if session == nil {
		return false, ErrNotActive
	}

	local := session.LocalStream()
	tracks := local.AudioTracks()
	if kind == webrtc.RTPCodecTypeVideo {
		tracks = local.VideoTracks()
	}
	if len(tracks) == 0 {
		return false, ErrNoLocalTrack
	}

	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return !enabled, nil
}

// StartScreenShare replaces the outgoing camera track with a display capture. When the
// capture ends on its own the camera is restored.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	session := c.activeSession()
	if session == nil {
		return ErrNotActive
	}
	sender := session.VideoSender()
	if sender == nil {
		return ErrNoVideoSender
	}

	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()
	if sharing {
		return nil
	}

	display, err := c.opts.Devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture display: %w", err)
	}

	camera := sender.Track()
	err = sender.ReplaceTrack(display)
	if err != nil {
		display.Stop()
		return fmt.Errorf("failed to replace camera with display: %w", err)
	}

	c.mu.Lock()
	c.camera = camera
	c.screen = display
	c.mu.Unlock()

	display.OnEnded(func() {
		log.Info("display capture ended, restoring camera", zap.String("callId", c.Call().ID))
		c.restoreCamera(sender, display)
	})
	return nil
}

// StopScreenShare restores the camera track.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	session := c.activeSession()
	if session == nil {
		return ErrNotActive
	}
	sender := session.VideoSender()
	if sender == nil {
		return ErrNoVideoSender
	}

	c.mu.Lock()
	display := c.screen
	c.mu.Unlock()
	if display == nil {
		return nil
	}

	return c.restoreCamera(sender, display)
}

func (c *Controller) restoreCamera(sender rtc.Sender, display *rtc.LocalTrack) error {
	c.mu.Lock()
	if c.screen != display {
		c.mu.Unlock()
		return nil
	}
	c.screen = nil
	camera := c.camera
	c.mu.Unlock()

	display.Stop()
	err := sender.ReplaceTrack(camera)
	if err != nil {
		log.Error("failed to restore camera track", zap.String("callId", c.Call().ID), zap.Error(err))
		return fmt.Errorf("failed to restore camera: %w", err)
	}

	return nil
}

// ScreenSharing reports whether the display capture is being sent.
func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

func (c *Controller) activeSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateEnded {
		return nil
	}
	return c.session
}

// State current local state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Call the call record as last known locally.
func (c *Controller) Call() models.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// Session signaling session of the call, nil before the call started.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

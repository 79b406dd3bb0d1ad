// Package rtctest provides in-memory fakes of the rtc peer connection and media
// device primitives. Fake peer connections negotiate without any network: a
// connection reports connected once it holds both a local and a remote description.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/call-manager/internal/rtc"
)

// Factory creates fake peer connections.
type Factory struct {
	mu    sync.Mutex
	Err   error
	conns []*PeerConnection
}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// NewPeerConnection implements rtc.Factory.
func (f *Factory) NewPeerConnection(cfg rtc.Config) (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	pc := &PeerConnection{
		id:     uuid.NewString(),
		Config: cfg,
		state:  webrtc.PeerConnectionStateNew,
	}
	f.conns = append(f.conns, pc)
	return pc, nil
}

// Created peer connections in creation order.
func (f *Factory) Created() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()

	conns := make([]*PeerConnection, len(f.conns))
	copy(conns, f.conns)
	return conns
}

// PeerConnection fake rtc.PeerConnection.
type PeerConnection struct {
	id     string
	Config rtc.Config

	mu           sync.Mutex
	state        webrtc.PeerConnectionState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	kinds        []webrtc.RTPCodecType
	senders      []*Sender
	candidates   []webrtc.ICECandidateInit
	closeCalls   int
	onCandidate  func(*webrtc.ICECandidateInit)
	onTrack      func(*rtc.RemoteTrack)
	onState      func(webrtc.PeerConnectionState)
	stateUpdates sync.Mutex
}

// CreateOffer implements rtc.PeerConnection.
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, errors.New("peer connection closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp()}, nil
}

// CreateAnswer implements rtc.PeerConnection.
func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp()}, nil
}

func (p *PeerConnection) sdp() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\n", p.id)
	for _, k := range p.kinds {
		fmt.Fprintf(&b, "m=%s\r\n", k.String())
	}
	return b.String()
}

// SetLocalDescription implements rtc.PeerConnection. Gathers one host candidate.
func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.state == webrtc.PeerConnectionStateClosed {
		p.mu.Unlock()
		return errors.New("peer connection closed")
	}
	p.local = &desc
	onCandidate := p.onCandidate
	ready := p.remote != nil
	p.mu.Unlock()

	if onCandidate != nil {
		mid := "0"
		var idx uint16
		candidate := webrtc.ICECandidateInit{
			Candidate:     fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 50000 typ host", p.id),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}
		onCandidate(&candidate)
		onCandidate(nil)
	}

	if ready {
		p.connect()
	}
	return nil
}

// SetRemoteDescription implements rtc.PeerConnection. Announces one remote track per m-line.
func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "" || !strings.HasPrefix(desc.SDP, "v=0") {
		return errors.New("malformed session description")
	}

	p.mu.Lock()
	if p.state == webrtc.PeerConnectionStateClosed {
		p.mu.Unlock()
		return errors.New("peer connection closed")
	}
	if desc.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("answer without local offer")
	}
	p.remote = &desc
	onTrack := p.onTrack
	ready := p.local != nil
	p.mu.Unlock()

	if onTrack != nil {
		for i, line := range strings.Split(desc.SDP, "\r\n") {
			if !strings.HasPrefix(line, "m=") {
				continue
			}
			kind := webrtc.NewRTPCodecType(strings.TrimPrefix(line, "m="))
			onTrack(rtc.NewRemoteTrack(fmt.Sprintf("remote-%d", i), "remote", kind))
		}
	}

	if ready {
		p.connect()
	}
	return nil
}

// AddICECandidate implements rtc.PeerConnection. Fails without a remote description.
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

// AddTrack implements rtc.PeerConnection.
func (p *PeerConnection) AddTrack(track *rtc.LocalTrack) (rtc.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &Sender{track: track}
	p.senders = append(p.senders, s)
	p.kinds = append(p.kinds, track.Kind())
	return s, nil
}

// AddReceiveOnly implements rtc.PeerConnection.
func (p *PeerConnection) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.kinds = append(p.kinds, kind)
	return nil
}

// OnICECandidate implements rtc.PeerConnection.
func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnTrack implements rtc.PeerConnection.
func (p *PeerConnection) OnTrack(fn func(*rtc.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnConnectionStateChange implements rtc.PeerConnection.
func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// ConnectionState implements rtc.PeerConnection.
func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close implements rtc.PeerConnection.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()

	p.SetState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (p *PeerConnection) connect() {
	p.SetState(webrtc.PeerConnectionStateConnecting)
	p.SetState(webrtc.PeerConnectionStateConnected)
}

// SetState moves the connection to state and notifies the state handler, e.g. to
// simulate a failed ICE transport.
func (p *PeerConnection) SetState(state webrtc.PeerConnectionState) {
	p.stateUpdates.Lock()
	defer p.stateUpdates.Unlock()

	p.mu.Lock()
	if p.state == state || p.state == webrtc.PeerConnectionStateClosed {
		p.mu.Unlock()
		return
	}
	p.state = state
	onState := p.onState
	p.mu.Unlock()

	if onState != nil {
		onState(state)
	}
}

// Candidates applied remote candidates.
func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(c, p.candidates)
	return c
}

// Senders added senders.
func (p *PeerConnection) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := make([]*Sender, len(p.senders))
	copy(s, p.senders)
	return s
}

// CloseCalls number of Close invocations.
func (p *PeerConnection) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// RemoteDescription the applied remote description, if any.
func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Sender fake rtc.Sender counting track replacements.
type Sender struct {
	mu       sync.Mutex
	track    *rtc.LocalTrack
	replaced int
	Err      error
}

// Track implements rtc.Sender.
func (s *Sender) Track() *rtc.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// ReplaceTrack implements rtc.Sender.
func (s *Sender) ReplaceTrack(track *rtc.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.track = track
	s.replaced++
	return nil
}

// Replacements number of successful ReplaceTrack calls.
func (s *Sender) Replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Devices rtc.MediaDevices producing sample tracks, with injectable failures.
type Devices struct {
	mu         sync.Mutex
	devices    *rtc.SampleDevices
	UserErr    error
	DisplayErr error
	streams    []*rtc.LocalStream
	displays   []*rtc.LocalTrack
}

// NewDevices creates Devices.
func NewDevices() *Devices {
	return &Devices{devices: rtc.NewSampleDevices()}
}

// DenyAccess makes every capture request fail with a permission error.
func (d *Devices) DenyAccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := &rtc.MediaAccessError{Reason: rtc.ReasonPermissionDenied}
	d.UserErr = err
	d.DisplayErr = err
}

// GetUserMedia implements rtc.MediaDevices.
func (d *Devices) GetUserMedia(ctx context.Context, c rtc.Constraints) (*rtc.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.UserErr != nil {
		return nil, d.UserErr
	}

	s, err := d.devices.GetUserMedia(ctx, c)
	if err != nil {
		return nil, err
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// GetDisplayMedia implements rtc.MediaDevices.
func (d *Devices) GetDisplayMedia(ctx context.Context) (*rtc.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}

	t, err := d.devices.GetDisplayMedia(ctx)
	if err != nil {
		return nil, err
	}
	d.displays = append(d.displays, t)
	return t, nil
}

// Streams captured user media streams.
func (d *Devices) Streams() []*rtc.LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := make([]*rtc.LocalStream, len(d.streams))
	copy(s, d.streams)
	return s
}

// Displays captured display tracks.
func (d *Devices) Displays() []*rtc.LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := make([]*rtc.LocalTrack, len(d.displays))
	copy(t, d.displays)
	return t
}

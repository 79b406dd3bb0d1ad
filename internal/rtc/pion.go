package rtc

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionOptions tuning of the pion ICE agent.
type PionOptions struct {
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	IncludeLoopback     bool
}

// DefaultPionOptions generous ICE timeouts so a short relay or NAT hiccup does not end the call.
func DefaultPionOptions() PionOptions {
	return PionOptions{
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// PionFactory Factory backed by pion/webrtc.
type PionFactory struct {
	api *webrtc.API
}

// NewPionFactory creates a PionFactory with the default codecs and interceptors.
func NewPionFactory(opts PionOptions) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{api: api}, nil
}

// NewPeerConnection creates a pion peer connection.
func (f *PionFactory) NewPeerConnection(cfg Config) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, err
	}

	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) AddTrack(track *LocalTrack) (Sender, error) {
	sender, err := p.pc.AddTrack(track.Local())
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionSender{sender: sender, track: track}, nil
}

func (p *pionPeerConnection) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeerConnection) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}

		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeerConnection) OnTrack(fn func(track *RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("remote track received", zap.String("trackId", tr.ID()), zap.String("kind", tr.Kind().String()))
		fn(newPionRemoteTrack(tr))
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
	mu     sync.Mutex
	track  *LocalTrack
}

func (s *pionSender) Track() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(track *LocalTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		local = track.Local()
	}

	if err := s.sender.ReplaceTrack(local); err != nil {
		return err
	}

	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TrackState ready state of a local track.
type TrackState string

// Track states.
const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// ErrTrackEnded returned when writing to an ended track.
var ErrTrackEnded = errors.New("track ended")

// LocalTrack an outgoing media track with an enabled flag. A disabled track keeps
// its sender but drops media written to it.
type LocalTrack struct {
	local   webrtc.TrackLocal
	label   string
	enabled atomic.Bool

	mu      sync.Mutex
	state   TrackState
	onEnded []func()
	release func()
}

// NewLocalTrack wraps a pion track. Release, if non-nil, is called once when the track ends.
func NewLocalTrack(local webrtc.TrackLocal, label string, release func()) *LocalTrack {
	t := &LocalTrack{
		local:   local,
		label:   label,
		state:   TrackLive,
		release: release,
	}
	t.enabled.Store(true)
	return t
}

// NewSampleTrack creates a track fed with encoded samples: Opus for audio, VP8 for video.
func NewSampleTrack(kind webrtc.RTPCodecType, label string) (*LocalTrack, error) {
	mimeType := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mimeType = webrtc.MimeTypeVP8
	}

	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, uuid.NewString(), "local")
	if err != nil {
		return nil, err
	}

	return NewLocalTrack(local, label, nil), nil
}

// ID track id.
func (t *LocalTrack) ID() string {
	return t.local.ID()
}

// Kind audio or video.
func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

// Label human readable source name, e.g. "camera" or "screen".
func (t *LocalTrack) Label() string {
	return t.label
}

// Local underlying pion track.
func (t *LocalTrack) Local() webrtc.TrackLocal {
	return t.local
}

// Enabled reports whether media written to the track is sent.
func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled toggles sending without renegotiation.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// ReadyState live or ended.
func (t *LocalTrack) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnEnded registers a callback fired when the track is ended by its source.
// Stop does not fire it.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// WriteSample writes an encoded sample to a sample backed track.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.ReadyState() == TrackEnded {
		return ErrTrackEnded
	}
	if !t.Enabled() {
		return nil
	}

	sampleTrack, ok := t.local.(*webrtc.TrackLocalStaticSample)
	if !ok {
		return errors.New("track is not sample based")
	}
	return sampleTrack.WriteSample(s)
}

// WriteRTP writes a packet to an RTP backed track.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if t.ReadyState() == TrackEnded {
		return ErrTrackEnded
	}
	if !t.Enabled() {
		return nil
	}

	rtpTrack, ok := t.local.(*webrtc.TrackLocalStaticRTP)
	if !ok {
		return errors.New("track is not rtp based")
	}
	return rtpTrack.WriteRTP(p)
}

// Stop ends the track locally.
func (t *LocalTrack) Stop() {
	t.end()
}

// End ends the track as if its source went away, firing OnEnded callbacks.
func (t *LocalTrack) End() {
	if !t.end() {
		return
	}

	t.mu.Lock()
	callbacks := make([]func(), len(t.onEnded))
	copy(callbacks, t.onEnded)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (t *LocalTrack) end() bool {
	t.mu.Lock()
	if t.state == TrackEnded {
		t.mu.Unlock()
		return false
	}
	t.state = TrackEnded
	release := t.release
	t.mu.Unlock()

	if release != nil {
		release()
	}
	return true
}

// RemoteTrack an incoming media track.
type RemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	remote   *webrtc.TrackRemote
}

// NewRemoteTrack describes a remote track without a pion backing, used by fakes.
func NewRemoteTrack(id, streamID string, kind webrtc.RTPCodecType) *RemoteTrack {
	return &RemoteTrack{
		id:       id,
		streamID: streamID,
		kind:     kind,
	}
}

func newPionRemoteTrack(tr *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		id:       tr.ID(),
		streamID: tr.StreamID(),
		kind:     tr.Kind(),
		remote:   tr,
	}
}

// ID track id.
func (t *RemoteTrack) ID() string {
	return t.id
}

// StreamID id of the remote stream the track belongs to.
func (t *RemoteTrack) StreamID() string {
	return t.streamID
}

// Kind audio or video.
func (t *RemoteTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

// ReadRTP reads the next packet from the track.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	if t.remote == nil {
		return nil, io.EOF
	}

	p, _, err := t.remote.ReadRTP()
	return p, err
}

// LocalStream local capture tracks.
type LocalStream struct {
	tracks []*LocalTrack
}

// NewLocalStream creates a LocalStream from tracks.
func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

// Tracks all tracks.
func (s *LocalStream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	return s.tracks
}

// AudioTracks audio tracks.
func (s *LocalStream) AudioTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

// VideoTracks video tracks.
func (s *LocalStream) VideoTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

func (s *LocalStream) byKind(kind webrtc.RTPCodecType) []*LocalTrack {
	tracks := make([]*LocalTrack, 0)
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Stop stops every track.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteStream accumulates remote tracks as they arrive.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []*RemoteTrack
}

// NewRemoteStream creates an empty RemoteStream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{
		tracks: make([]*RemoteTrack, 0),
	}
}

// Add appends a track unless one with the same id is present.
func (s *RemoteStream) Add(track *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.ID() == track.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, track)
}

// Tracks snapshot of the received tracks.
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracks := make([]*RemoteTrack, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

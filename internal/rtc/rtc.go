// Package rtc wraps the peer connection and media capture primitives used by the
// signaling manager. The pion implementation is the production backend; rtctest
// provides scripted fakes.
package rtc

import (
	"errors"
	"fmt"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
)

var log = logger.GetDefaultLogger("call-manager/rtc")

// Reasons for a MediaAccessError.
const (
	ReasonPermissionDenied = "permission-denied"
	ReasonNoDevice         = "no-device"
)

// MediaAccessError capture was refused or no device exists.
type MediaAccessError struct {
	Reason string
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return "media access failed: " + e.Reason
	}
	return fmt.Sprintf("media access failed: %s: %v", e.Reason, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// IsMediaAccessError reports whether err is or wraps a MediaAccessError.
func IsMediaAccessError(err error) bool {
	var mediaErr *MediaAccessError
	return errors.As(err, &mediaErr)
}

// Config peer connection configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection(cfg Config) (PeerConnection, error)
}

// PeerConnection the subset of an ICE-capable peer connection used for a call.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track *LocalTrack) (Sender, error)
	AddReceiveOnly(kind webrtc.RTPCodecType) error
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnTrack(fn func(track *RemoteTrack))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Sender outgoing side of a media track.
type Sender interface {
	Track() *LocalTrack
	ReplaceTrack(track *LocalTrack) error
}

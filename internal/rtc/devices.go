package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints which kinds of local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices source of local capture streams.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	GetDisplayMedia(ctx context.Context) (*LocalTrack, error)
}

// SampleDevices MediaDevices producing sample backed tracks that the owner feeds with
// encoded media, e.g. from a file or a synthetic source in a headless client.
type SampleDevices struct{}

// NewSampleDevices creates SampleDevices.
func NewSampleDevices() *SampleDevices {
	return &SampleDevices{}
}

// GetUserMedia creates one track per requested kind.
func (d *SampleDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, &MediaAccessError{Reason: ReasonNoDevice}
	}

	tracks := make([]*LocalTrack, 0, 2)
	if c.Audio {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, "microphone")
		if err != nil {
			return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: err}
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, "camera")
		if err != nil {
			NewLocalStream(tracks...).Stop()
			return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: err}
		}
		tracks = append(tracks, t)
	}

	return NewLocalStream(tracks...), nil
}

// GetDisplayMedia creates a video track for screen content.
func (d *SampleDevices) GetDisplayMedia(ctx context.Context) (*LocalTrack, error) {
	t, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: err}
	}
	return t, nil
}

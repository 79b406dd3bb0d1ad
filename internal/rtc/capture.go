//go:build mediadevices

package rtc

import (
	"context"
	"errors"
	"io"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const captureMTU = 1200

// CaptureDevices MediaDevices backed by local hardware through pion/mediadevices.
// Encoded RTP from each device is pumped into a LocalTrack so the enabled flag and
// track replacement work the same as for sample tracks.
type CaptureDevices struct {
	codecSelector *mediadevices.CodecSelector
}

// NewCaptureDevices creates CaptureDevices encoding VP8 video and Opus audio.
func NewCaptureDevices() (*CaptureDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &CaptureDevices{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// GetUserMedia captures camera and/or microphone.
func (d *CaptureDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, &MediaAccessError{Reason: ReasonNoDevice}
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: errors.New("no media devices found")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: err}
	}

	tracks := make([]*LocalTrack, 0, 2)
	for _, t := range stream.GetTracks() {
		label := "microphone"
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			label = "camera"
		}

		lt, err := pumpTrack(t, label)
		if err != nil {
			for _, st := range stream.GetTracks() {
				st.Close()
			}
			NewLocalStream(tracks...).Stop()
			return nil, &MediaAccessError{Reason: ReasonNoDevice, Err: err}
		}
		tracks = append(tracks, lt)
	}

	return NewLocalStream(tracks...), nil
}

// GetDisplayMedia captures the screen.
func (d *CaptureDevices) GetDisplayMedia(ctx context.Context) (*LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.codecSelector,
	})
	if err != nil {
		return nil, &MediaAccessError{Reason: ReasonPermissionDenied, Err: err}
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &MediaAccessError{Reason: ReasonNoDevice}
	}

	return pumpTrack(tracks[0], "screen")
}

func pumpTrack(t mediadevices.Track, label string) (*LocalTrack, error) {
	mimeType := webrtc.MimeTypeOpus
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		mimeType = webrtc.MimeTypeVP8
	}

	reader, err := t.NewRTPReader(mimeType, rand.Uint32(), captureMTU)
	if err != nil {
		return nil, err
	}

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, uuid.NewString(), "local")
	if err != nil {
		reader.Close()
		return nil, err
	}

	lt := NewLocalTrack(local, label, func() {
		reader.Close()
		t.Close()
	})

	t.OnEnded(func(err error) {
		if err != nil {
			log.Info("capture track ended", zap.String("label", label), zap.Error(err))
		}
		lt.End()
	})

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("capture reader stopped", zap.String("label", label), zap.Error(err))
				}
				return
			}
			for _, p := range pkts {
				if err := lt.WriteRTP(p); errors.Is(err, ErrTrackEnded) {
					release()
					return
				}
			}
			release()
		}
	}()

	return lt, nil
}

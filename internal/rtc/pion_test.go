package rtc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/call-manager/internal/rtc"
	"github.com/stretchr/testify/assert"
)

func TestPionFactory_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE loopback in short mode")
	}
	assert := assert.New(t)

	opts := rtc.DefaultPionOptions()
	opts.IncludeLoopback = true
	factory, err := rtc.NewPionFactory(opts)
	assert.NoError(err)

	offerer, err := factory.NewPeerConnection(rtc.Config{})
	assert.NoError(err)
	defer offerer.Close()
	answerer, err := factory.NewPeerConnection(rtc.Config{})
	assert.NoError(err)
	defer answerer.Close()

	for _, pc := range []rtc.PeerConnection{offerer, answerer} {
		track, err := rtc.NewSampleTrack(webrtc.RTPCodecTypeVideo, "camera")
		assert.NoError(err)
		sender, err := pc.AddTrack(track)
		assert.NoError(err)
		assert.Equal(track, sender.Track())
	}

	offererConnected := awaitConnected(offerer)
	answererConnected := awaitConnected(answerer)

	offererCandidates := bufferCandidates(offerer)
	answererCandidates := bufferCandidates(answerer)

	offer, err := offerer.CreateOffer()
	assert.NoError(err)
	assert.NoError(offerer.SetLocalDescription(offer))

	assert.NoError(answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	assert.NoError(err)
	assert.NoError(answerer.SetLocalDescription(answer))
	assert.NoError(offerer.SetRemoteDescription(answer))

	go offererCandidates.forward(answerer)
	go answererCandidates.forward(offerer)

	for _, connected := range []chan struct{}{offererConnected, answererConnected} {
		select {
		case <-connected:
		case <-time.After(20 * time.Second):
			t.Fatal("timed out waiting for peer connection")
		}
	}

	assert.Equal(webrtc.PeerConnectionStateConnected, offerer.ConnectionState())
	assert.Equal(webrtc.PeerConnectionStateConnected, answerer.ConnectionState())
}

func awaitConnected(pc rtc.PeerConnection) chan struct{} {
	connected := make(chan struct{})
	once := sync.Once{}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})
	return connected
}

type candidateBuffer chan webrtc.ICECandidateInit

func bufferCandidates(pc rtc.PeerConnection) candidateBuffer {
	buf := make(candidateBuffer, 64)
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		select {
		case buf <- *c:
		default:
		}
	})
	return buf
}

func (b candidateBuffer) forward(to rtc.PeerConnection) {
	for c := range b {
		to.AddICECandidate(c)
	}
}

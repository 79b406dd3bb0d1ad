package signaling

import (
	"context"
	"testing"

	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository/repotest"
	"github.com/rtcheap/call-manager/internal/rtc"
	"github.com/rtcheap/call-manager/internal/rtc/rtctest"
	"github.com/stretchr/testify/assert"
)

func TestHandlers_CoverEverySignalType(t *testing.T) {
	m := NewManager("call-1", "alice", "bob", Options{})
	for _, st := range models.SignalTypes() {
		_, ok := m.handlers[st]
		assert.True(t, ok, "missing handler for %s", st)
	}
	assert.Len(t, m.handlers, len(models.SignalTypes()))
}

func TestHandleSignal_Filtering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	factory := rtctest.NewFactory()

	m := NewManager("call-1", "bob", "alice", Options{
		Factory:   factory,
		Devices:   rtctest.NewDevices(),
		Signals:   repotest.NewSignalRepository(),
		Transport: broadcast.NewHub(),
	})
	defer m.Cleanup()

	_, err := m.Initialize(ctx, rtc.Constraints{Audio: true})
	assert.NoError(err)
	pc := factory.Created()[0]

	offer := mustMessage(t, "sig-1", "call-1", "alice", "bob", models.Offer{SDP: "v=0\r\nm=audio\r\n"})
	candidate := mustMessage(t, "sig-2", "call-1", "alice", "bob", models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host"})
	foreignCall := mustMessage(t, "sig-3", "call-2", "alice", "bob", models.ICECandidate{Candidate: "candidate:2"})
	own := mustMessage(t, "sig-4", "call-1", "bob", "alice", models.ICECandidate{Candidate: "candidate:3"})

	m.handleSignal(ctx, offer, "broadcast")
	assert.NotNil(pc.RemoteDescription())

	m.handleSignal(ctx, candidate, "broadcast")
	m.handleSignal(ctx, candidate, "replay")
	m.handleSignal(ctx, foreignCall, "broadcast")
	m.handleSignal(ctx, own, "broadcast")
	assert.Len(pc.Candidates(), 1)

	// A repeated offer must not produce a second answer.
	m.handleSignal(ctx, offer, "replay")
	msgs, err := m.opts.Signals.FindByCall(ctx, "call-1")
	assert.NoError(err)
	answers := 0
	for _, msg := range msgs {
		if msg.Type == models.TypeAnswer {
			answers++
		}
	}
	assert.Equal(1, answers)
}

func TestHandleSignal_EarlyCandidateIsDiscarded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	factory := rtctest.NewFactory()

	m := NewManager("call-1", "alice", "bob", Options{
		Factory:   factory,
		Devices:   rtctest.NewDevices(),
		Signals:   repotest.NewSignalRepository(),
		Transport: broadcast.NewHub(),
	})
	defer m.Cleanup()

	_, err := m.Initialize(ctx, rtc.Constraints{Audio: true})
	assert.NoError(err)

	early := mustMessage(t, "sig-1", "call-1", "bob", "alice", models.ICECandidate{Candidate: "candidate:1"})
	m.handleSignal(ctx, early, "broadcast")
	assert.Len(factory.Created()[0].Candidates(), 0)

	malformed := models.SignalMessage{ID: "sig-2", CallID: "call-1", FromUserID: "bob", ToUserID: "alice", Type: models.TypeAnswer, Payload: []byte("{")}
	m.handleSignal(ctx, malformed, "broadcast")
	assert.Nil(factory.Created()[0].RemoteDescription())
}

func TestHandleSignal_EarlyCandidateAppliedOnReplay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	factory := rtctest.NewFactory()

	m := NewManager("call-1", "alice", "bob", Options{
		Factory:   factory,
		Devices:   rtctest.NewDevices(),
		Signals:   repotest.NewSignalRepository(),
		Transport: broadcast.NewHub(),
	})
	defer m.Cleanup()

	_, err := m.Initialize(ctx, rtc.Constraints{Audio: true})
	assert.NoError(err)
	pc := factory.Created()[0]

	candidate := mustMessage(t, "sig-1", "call-1", "bob", "alice", models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.2 4000 typ host"})
	m.handleSignal(ctx, candidate, "broadcast")
	assert.Len(pc.Candidates(), 0)
	assert.False(m.seen.Contains("sig-1"))

	offer := mustMessage(t, "sig-2", "call-1", "bob", "alice", models.Offer{SDP: "v=0\r\nm=audio\r\n"})
	m.handleSignal(ctx, offer, "broadcast")
	assert.NotNil(pc.RemoteDescription())

	m.handleSignal(ctx, candidate, "replay")
	assert.Len(pc.Candidates(), 1)
	assert.True(m.seen.Contains("sig-1"))

	m.handleSignal(ctx, candidate, "broadcast")
	assert.Len(pc.Candidates(), 1)
}

func mustMessage(t *testing.T, id, callID, from, to string, s models.Signal) models.SignalMessage {
	msg, err := models.NewSignalMessage(id, callID, from, to, s)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/stretchr/testify/assert"
)

func TestChannelName_Deterministic(t *testing.T) {
	assert := assert.New(t)

	a := broadcast.ChannelName("alice", "bob", "call-1")
	b := broadcast.ChannelName("bob", "alice", "call-1")
	assert.Equal(a, b)
	assert.Equal("call:alice:bob:call-1", a)
	assert.NotEqual(a, broadcast.ChannelName("alice", "bob", "call-2"))
}

func TestHub_PublishSubscribe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	hub := broadcast.NewHub()
	defer hub.Close()

	s1, err := hub.Subscribe(ctx, "room")
	assert.NoError(err)
	s2, err := hub.Subscribe(ctx, "room")
	assert.NoError(err)
	other, err := hub.Subscribe(ctx, "other")
	assert.NoError(err)

	err = hub.Publish(ctx, "room", []byte("hello"))
	assert.NoError(err)

	assert.Equal("hello", string(receive(t, s1)))
	assert.Equal("hello", string(receive(t, s2)))
	select {
	case <-other.Messages():
		t.Fatal("unexpected message on other channel")
	default:
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()

	err := hub.Publish(context.Background(), "empty", []byte("lost"))
	assert.NoError(t, err)
}

func TestHub_SubscriptionClose(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	hub := broadcast.NewHub()
	defer hub.Close()

	s, err := hub.Subscribe(ctx, "room")
	assert.NoError(err)

	assert.NoError(s.Close())
	assert.NoError(s.Close())

	_, ok := <-s.Messages()
	assert.False(ok)

	err = hub.Publish(ctx, "room", []byte("after close"))
	assert.NoError(err)
}

func TestHub_Close(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	hub := broadcast.NewHub()

	s, err := hub.Subscribe(ctx, "room")
	assert.NoError(err)

	assert.NoError(hub.Close())
	assert.NoError(hub.Close())

	_, ok := <-s.Messages()
	assert.False(ok)
	assert.NoError(s.Close())

	err = hub.Publish(ctx, "room", []byte("x"))
	assert.Equal(broadcast.ErrClosed, err)

	_, err = hub.Subscribe(ctx, "room")
	assert.Equal(broadcast.ErrClosed, err)
}

func receive(t *testing.T, s broadcast.Subscription) []byte {
	select {
	case data := <-s.Messages():
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

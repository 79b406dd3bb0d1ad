package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/call-manager/internal/call"
	"github.com/stretchr/testify/assert"
)

func TestAgent_StaysResponsiveWhileResolvingICEServers(t *testing.T) {
	assert := assert.New(t)
	e, ctx := createTestEnv()
	defer e.close()

	ice := &blockingICE{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e.agent.ice = ice

	done := make(chan error, 1)
	go func() {
		_, err := e.agent.startCall(ctx, newOutgoing("alice", "conversation-1"))
		done <- err
	}()

	select {
	case <-ice.entered:
	case <-time.After(time.Second):
		t.Fatal("ice servers were never resolved")
	}

	checked := make(chan bool, 1)
	go func() {
		checked <- e.agent.hasActiveCall()
	}()
	select {
	case active := <-checked:
		assert.False(active)
	case <-time.After(time.Second):
		t.Fatal("agent blocked while resolving ice servers")
	}

	close(ice.release)
	assert.NoError(<-done)
	assert.True(e.agent.hasActiveCall())

	_, err := e.agent.newController(ctx)
	assert.Equal(http.StatusConflict, statusOf(err))
}

func TestHTTPError(t *testing.T) {
	assert := assert.New(t)

	err := httpError(fmt.Errorf("failed to create call: %w", call.ErrEnded))
	assert.Equal(http.StatusConflict, statusOf(err))
	assert.True(errors.Is(err, call.ErrEnded))

	err = httpError(fmt.Errorf("wrapped: %w", httputil.NotFoundError(call.ErrNotActive)))
	assert.Equal(http.StatusNotFound, statusOf(err))

	plain := errors.New("boom")
	assert.Equal(plain, httpError(plain))
}

type blockingICE struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingICE) ICEServers(ctx context.Context) []webrtc.ICEServer {
	close(b.entered)
	<-b.release
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
}

func statusOf(err error) int {
	var httpErr *httputil.Error
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/call"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/rtc"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/rtcheap/call-manager/internal/signaling"
	"github.com/rtcheap/call-manager/internal/watcher"
	"go.uber.org/zap"
)

var errCallInProgress = errors.New("a call is already in progress")

type iceServerSource interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// agent runs the incoming call watcher and at most one call for the local user.
type agent struct {
	userID      string
	calls       *service.CallService
	ice         iceServerSource
	signals     repository.SignalRepository
	transport   broadcast.Transport
	factory     rtc.Factory
	devices     rtc.MediaDevices
	socket      *service.WebsocketHandler
	ringTimeout time.Duration
	watcher     *watcher.Watcher

	mu     sync.Mutex
	active *call.Controller
}

func (a *agent) start(ctx context.Context, pollInterval time.Duration) error {
	a.watcher = watcher.New(a.userID, a.calls, watcher.Options{
		PollInterval: pollInterval,
		OnNotice: func(n models.IncomingCallNotice) {
			a.emit(models.AgentEvent{Type: models.EventIncomingCall, CallID: n.Call.ID, Notice: &n})
		},
		OnCleared: func(callID string) {
			a.emit(models.AgentEvent{Type: models.EventIncomingCleared, CallID: callID})
		},
	})

	return a.watcher.Start(ctx)
}

func (a *agent) stop() {
	if a.watcher != nil {
		a.watcher.Stop()
	}

	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active != nil {
		active.HangUp(context.Background())
	}
}

func (a *agent) startCall(ctx context.Context, o call.Outgoing) (models.CallSession, error) {
	c, err := a.newController(ctx)
	if err != nil {
		return models.CallSession{}, err
	}

	err = c.StartOutgoing(ctx, o)
	if err != nil {
		return models.CallSession{}, httpError(err)
	}

	return c.Call(), nil
}

func (a *agent) acceptIncoming(ctx context.Context) (models.CallSession, error) {
	if a.hasActiveCall() {
		return models.CallSession{}, httputil.ConflictError(errCallInProgress)
	}

	notice, err := a.watcher.Accept(ctx)
	if errors.Is(err, watcher.ErrNoIncomingCall) {
		return models.CallSession{}, httputil.NotFoundError(err)
	}
	if err != nil {
		return models.CallSession{}, err
	}

	c, err := a.newController(ctx)
	if err != nil {
		return models.CallSession{}, err
	}

	err = c.AcceptIncoming(ctx, notice.Call)
	if err != nil {
		return models.CallSession{}, httpError(err)
	}

	return c.Call(), nil
}

func (a *agent) rejectIncoming(ctx context.Context) error {
	err := a.watcher.Reject(ctx)
	if errors.Is(err, watcher.ErrNoIncomingCall) {
		return httputil.NotFoundError(err)
	}

	return err
}

func (a *agent) incoming() (models.IncomingCallNotice, bool) {
	if a.watcher == nil {
		return models.IncomingCallNotice{}, false
	}
	return a.watcher.Current()
}

func (a *agent) activeCall() (*call.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil || a.active.State() == call.StateEnded {
		return nil, httputil.NotFoundError(call.ErrNotActive)
	}
	return a.active, nil
}

func (a *agent) hasActiveCall() bool {
	_, err := a.activeCall()
	return err == nil
}

func (a *agent) newController(ctx context.Context) (*call.Controller, error) {
	if a.hasActiveCall() {
		return nil, httputil.ConflictError(errCallInProgress)
	}

	// Relay lookup calls the service registry and must not hold mu.
	iceServers := a.ice.ICEServers(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active != nil && a.active.State() != call.StateEnded {
		return nil, httputil.ConflictError(errCallInProgress)
	}

	var c *call.Controller
	c = call.NewController(a.userID, call.Options{
		Store:       a.calls,
		Devices:     a.devices,
		RingTimeout: a.ringTimeout,
		NewSession: func(callID, localUserID, remoteUserID string) call.Session {
			return signaling.NewManager(callID, localUserID, remoteUserID, signaling.Options{
				Factory:    a.factory,
				Devices:    a.devices,
				Signals:    a.signals,
				Transport:  a.transport,
				ICEServers: iceServers,
			})
		},
		OnStateChange: func(s call.State) {
			a.emit(models.AgentEvent{Type: models.EventCallState, CallID: c.Call().ID, State: string(s)})
		},
		OnComplete: func(session models.CallSession, d time.Duration) {
			a.emit(models.AgentEvent{
				Type:            models.EventCallCompleted,
				CallID:          session.ID,
				State:           string(session.Status),
				DurationSeconds: int(d.Seconds()),
			})
		},
	})

	a.active = c
	return c, nil
}

func (a *agent) emit(event models.AgentEvent) {
	event.CreatedAt = time.Now().UTC()
	err := a.socket.Send(context.Background(), event)
	if err != nil {
		log.Warn("failed to stream agent event", zap.Stringer("event", event), zap.Error(err))
	}
}

// httpError surfaces an *httputil.Error wrapped by the call controller so the router
// renders its status.
func httpError(err error) error {
	if errors.Is(err, call.ErrEnded) {
		return httputil.ConflictError(err)
	}

	var httpErr *httputil.Error
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return err
}

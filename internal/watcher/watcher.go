// Package watcher surfaces calls addressed to the local user. Call record events and a
// periodic poll both feed one dedupe gate, so a call is announced exactly once even when
// both paths see it.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/dedupe"
	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/watcher")

// ErrNoIncomingCall returned when accepting or rejecting without a ringing call.
var ErrNoIncomingCall = errors.New("no incoming call")

// DefaultPollInterval interval of the catch-up poll.
const DefaultPollInterval = 3 * time.Second

var noticesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "watcher_notices_total",
		Help: "The total number of incoming call candidates, by detection path and outcome",
	},
	[]string{"path", "result"},
)

// Store call record operations used by the watcher.
type Store interface {
	FindIncoming(ctx context.Context, recipientID string) (models.CallSession, bool, error)
	Find(ctx context.Context, callID string) (models.CallSession, error)
	FindProfile(ctx context.Context, userID string) (models.Profile, error)
	UpdateStatus(ctx context.Context, callID string, status models.CallStatus) (models.CallSession, bool, error)
	SubscribeRecords(ctx context.Context) (broadcast.Subscription, error)
}

// Options configuration and hooks of a Watcher.
type Options struct {
	PollInterval time.Duration
	OnNotice     func(models.IncomingCallNotice)
	OnCleared    func(callID string)
}

// Watcher detects incoming calls for one user.
type Watcher struct {
	userID string
	store  Store
	opts   Options
	gate   dedupe.Gate

	mu      sync.Mutex
	current *models.IncomingCallNotice
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Watcher for userID.
func New(userID string, store Store, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Watcher{
		userID: userID,
		store:  store,
		opts:   opts,
	}
}

// Start subscribes to call record events and starts polling. The subscription is set up
// before Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	sub, err := w.store.SubscribeRecords(ctx)
	if err != nil {
		// Polling still finds every call, only later.
		log.Warn("failed to subscribe to call records, relying on polling", zap.String("userId", w.userID), zap.Error(err))
	} else {
		w.wg.Add(1)
		go w.listen(ctx, sub)
	}

	w.wg.Add(1)
	go w.poll(ctx)
	return nil
}

// Stop ends both detection paths and waits for them to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) listen(ctx context.Context, sub broadcast.Subscription) {
	defer w.wg.Done()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for payload := range sub.Messages() {
		var event models.CallEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Warn("discarding malformed call event", zap.Error(err))
			continue
		}
		if event.Call.RecipientID != w.userID {
			continue
		}
		w.observe(ctx, event.Call, "push")
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check runs one poll: the newest pending call is offered to the gate and the current
// notice is re-validated against its record.
func (w *Watcher) check(ctx context.Context) {
	call, found, err := w.store.FindIncoming(ctx, w.userID)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("failed to poll for incoming calls", zap.String("userId", w.userID), zap.Error(err))
		}
		return
	}
	if found {
		w.observe(ctx, call, "poll")
	}

	current, ok := w.Current()
	if !ok || (found && current.Call.ID == call.ID) {
		return
	}

	record, err := w.store.Find(ctx, current.Call.ID)
	if err != nil {
		log.Warn("failed to re-check ringing call", zap.String("callId", current.Call.ID), zap.Error(err))
		return
	}
	w.observe(ctx, record, "poll")
}

// observe funnels a call record seen on either path into the watcher state.
func (w *Watcher) observe(ctx context.Context, call models.CallSession, path string) {
	if !call.Status.IsPending() {
		w.clear(call.ID)
		return
	}

	if !w.gate.Admit(call.ID) {
		noticesTotal.WithLabelValues(path, "duplicate").Inc()
		return
	}

	caller, err := w.store.FindProfile(ctx, call.InitiatorID)
	if err != nil {
		log.Warn("failed to resolve caller profile", zap.String("userId", call.InitiatorID), zap.Error(err))
		caller = models.Profile{ID: call.InitiatorID}
	}

	notice := models.IncomingCallNotice{
		Call:       call,
		Caller:     caller,
		SurfacedAt: time.Now().UTC(),
	}

	w.mu.Lock()
	w.current = &notice
	w.mu.Unlock()

	noticesTotal.WithLabelValues(path, "surfaced").Inc()
	log.Info("incoming call", zap.String("callId", call.ID), zap.String("from", call.InitiatorID), zap.String("path", path))
	if w.opts.OnNotice != nil {
		w.opts.OnNotice(notice)
	}
}

// clear drops the current notice if it belongs to callID.
func (w *Watcher) clear(callID string) bool {
	w.mu.Lock()
	if w.current == nil || w.current.Call.ID != callID {
		w.mu.Unlock()
		return false
	}
	w.current = nil
	w.mu.Unlock()

	if w.opts.OnCleared != nil {
		w.opts.OnCleared(callID)
	}
	return true
}

// Current the ringing call, if any.
func (w *Watcher) Current() (models.IncomingCallNotice, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return models.IncomingCallNotice{}, false
	}
	return *w.current, true
}

// Accept marks the ringing call connected and hands it over for the call controller.
func (w *Watcher) Accept(ctx context.Context) (models.IncomingCallNotice, error) {
	notice, ok := w.Current()
	if !ok {
		return models.IncomingCallNotice{}, ErrNoIncomingCall
	}

	call, _, err := w.store.UpdateStatus(ctx, notice.Call.ID, models.StatusConnected)
	if err != nil {
		return models.IncomingCallNotice{}, err
	}

	w.clear(notice.Call.ID)
	notice.Call = call
	return notice, nil
}

// Reject ends the ringing call. No signaling is needed.
func (w *Watcher) Reject(ctx context.Context) error {
	notice, ok := w.Current()
	if !ok {
		return ErrNoIncomingCall
	}

	_, _, err := w.store.UpdateStatus(ctx, notice.Call.ID, models.StatusEnded)
	if err != nil {
		return err
	}

	w.clear(notice.Call.ID)
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/service")

// Errors returned by the CallService, wrapped in an *httputil.Error.
var (
	ErrCallInProgress = errors.New("conversation already has an active call")
	ErrTerminalCall   = errors.New("call has already ended")
)

// maxUpdateAttempts bounds retries of a status write that lost a race. Statuses only
// move forward so a call can change at most once per status.
const maxUpdateAttempts = 5

// Prometheus metrics.
var (
	callsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_created_total",
			Help: "The total number of created calls",
		},
		[]string{"type"},
	)
	callTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_status_transitions_total",
			Help: "The total number of persisted call status changes",
		},
		[]string{"status"},
	)
)

// CallService manages call records and notifies subscribers of every change.
type CallService struct {
	CallRepo    repository.CallRepository
	SignalRepo  repository.SignalRepository
	ProfileRepo repository.ProfileRepository
	Transport   broadcast.Transport
}

// Create stores a new call in status initiating. A conversation can only have one
// active call at a time.
func (s *CallService) Create(ctx context.Context, call models.CallSession) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.Create")
	defer span.Finish()

	err := validateNewCall(call)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	active, err := s.CallRepo.FindActiveByConversation(ctx, call.ConversationID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}
	if len(active) > 0 {
		err = httputil.ConflictError(fmt.Errorf("%w: conversation(id=%s) call(id=%s)", ErrCallInProgress, call.ConversationID, active[0].ID))
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	now := time.Now().UTC()
	if call.ID == "" {
		call.ID = id.New()
	}
	call.Status = models.StatusInitiating
	call.StartedAt = now
	call.CreatedAt = now
	call.UpdatedAt = now

	err = s.CallRepo.Save(ctx, call)
	if err != nil {
		err = s.checkRacingCall(ctx, call.ConversationID, err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	callsCreatedTotal.WithLabelValues(string(call.CallType)).Inc()
	s.publish(ctx, models.EventInsert, call)
	return call, nil
}

// checkRacingCall reports a conflict when a failed save was caused by another call
// claiming the conversation between the lookup and the insert.
func (s *CallService) checkRacingCall(ctx context.Context, conversationID string, saveErr error) error {
	active, err := s.CallRepo.FindActiveByConversation(ctx, conversationID)
	if err != nil || len(active) == 0 {
		return saveErr
	}

	return httputil.ConflictError(fmt.Errorf("%w: conversation(id=%s) call(id=%s)", ErrCallInProgress, conversationID, active[0].ID))
}

func validateNewCall(call models.CallSession) error {
	if call.InitiatorID == "" || call.RecipientID == "" {
		return httputil.BadRequestError(errors.New("initiator and recipient are required"))
	}
	if call.InitiatorID == call.RecipientID {
		return httputil.BadRequestError(errors.New("cannot call oneself"))
	}
	if call.CallType != models.CallTypeVoice && call.CallType != models.CallTypeVideo {
		return httputil.BadRequestError(fmt.Errorf("unknown call type %q", call.CallType))
	}

	return nil
}

// Find returns a call by id.
func (s *CallService) Find(ctx context.Context, callID string) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.Find")
	defer span.Finish()

	call, err := s.CallRepo.Find(ctx, callID)
	if errors.Is(err, repository.ErrNotFound) {
		err = httputil.NotFoundError(err)
	}
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	return call, nil
}

// FindIncoming returns the newest call waiting to be answered by the recipient.
func (s *CallService) FindIncoming(ctx context.Context, recipientID string) (models.CallSession, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.FindIncoming")
	defer span.Finish()

	calls, err := s.CallRepo.FindIncoming(ctx, recipientID, 1)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, false, err
	}
	if len(calls) == 0 {
		return models.CallSession{}, false, nil
	}

	return calls[0], true, nil
}

// FindProfile returns the public profile of a user.
func (s *CallService) FindProfile(ctx context.Context, userID string) (models.Profile, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.FindProfile")
	defer span.Finish()

	profile, err := s.ProfileRepo.Find(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		err = httputil.NotFoundError(err)
	}
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.Profile{}, err
	}

	return profile, nil
}

// UpdateStatus moves a call to status. Setting the current or an earlier status is a
// no-op and reports changed=false. Ended calls cannot change status.
func (s *CallService) UpdateStatus(ctx context.Context, callID string, status models.CallStatus) (models.CallSession, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.UpdateStatus")
	defer span.Finish()

	call, changed, err := s.update(ctx, callID, models.CallUpdate{Status: status})
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, false, err
	}

	return call, changed, nil
}

// End moves a call to a terminal status and records when it ended and for how long it
// was connected. Ending an already ended call is a no-op.
func (s *CallService) End(ctx context.Context, callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) (models.CallSession, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.End")
	defer span.Finish()

	if !status.IsTerminal() {
		err := httputil.BadRequestError(fmt.Errorf("%s is not a terminal status", status))
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, false, err
	}

	current, err := s.Find(ctx, callID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, false, err
	}
	if current.Status.IsTerminal() {
		return current, false, nil
	}

	endedAt = endedAt.UTC()
	call, changed, err := s.update(ctx, callID, models.CallUpdate{
		Status:          status,
		EndedAt:         &endedAt,
		DurationSeconds: &durationSeconds,
	})
	if err != nil && call.Status.IsTerminal() {
		// Ended by the other party in the meantime.
		return call, false, nil
	}
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, false, err
	}

	return call, changed, nil
}

func (s *CallService) update(ctx context.Context, callID string, u models.CallUpdate) (models.CallSession, bool, error) {
	if !u.Status.Valid() {
		return models.CallSession{}, false, httputil.BadRequestError(fmt.Errorf("unknown call status %q", u.Status))
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		call, err := s.Find(ctx, callID)
		if err != nil {
			return models.CallSession{}, false, err
		}
		if call.Status == u.Status {
			return call, false, nil
		}
		if call.Status.IsTerminal() {
			return call, false, httputil.ConflictError(fmt.Errorf("%w: %s", ErrTerminalCall, call))
		}
		if u.Status.Rank() < call.Status.Rank() {
			// The other party already moved the call further along.
			return call, false, nil
		}

		updated, err := s.CallRepo.Update(ctx, callID, call.Status, u)
		if err != nil {
			return models.CallSession{}, false, err
		}
		if !updated {
			log.Debug("call status changed concurrently, retrying", zap.String("callId", callID), zap.Int("attempt", attempt))
			continue
		}

		return s.applied(ctx, call, u), true, nil
	}

	return models.CallSession{}, false, httputil.ConflictError(fmt.Errorf("call(id=%s) changed concurrently %d times", callID, maxUpdateAttempts))
}

func (s *CallService) applied(ctx context.Context, call models.CallSession, u models.CallUpdate) models.CallSession {
	call.Status = u.Status
	call.UpdatedAt = time.Now().UTC()
	if u.EndedAt != nil {
		call.EndedAt = u.EndedAt
	}
	if u.DurationSeconds != nil {
		call.DurationSeconds = *u.DurationSeconds
	}

	callTransitionsTotal.WithLabelValues(string(u.Status)).Inc()
	s.publish(ctx, models.EventUpdate, call)
	return call
}

// PruneSignals deletes the signal log of a finished call.
func (s *CallService) PruneSignals(ctx context.Context, callID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.PruneSignals")
	defer span.Finish()

	call, err := s.Find(ctx, callID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}
	if !call.Status.IsTerminal() {
		err = httputil.PreconditionRequiredError(fmt.Errorf("signals of active %s cannot be pruned", call))
		span.LogFields(tracelog.Error(err))
		return err
	}

	err = s.SignalRepo.DeleteByCall(ctx, callID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

// SubscribeRecords opens a subscription to call record change events.
func (s *CallService) SubscribeRecords(ctx context.Context) (broadcast.Subscription, error) {
	return s.Transport.Subscribe(ctx, broadcast.CallRecordsChannel)
}

func (s *CallService) publish(ctx context.Context, eventType string, call models.CallSession) {
	event := models.CallEvent{
		Type: eventType,
		Call: call,
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error("failed to serialize call event", zap.Stringer("event", event), zap.Error(err))
		return
	}

	err = s.Transport.Publish(ctx, broadcast.CallRecordsChannel, data)
	if err != nil {
		log.Warn("failed to publish call event", zap.Stringer("event", event), zap.Error(err))
	}
}

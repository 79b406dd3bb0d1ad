package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/id"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCreateCall(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	sub, err := s.SubscribeRecords(ctx)
	assert.NoError(err)
	defer sub.Close()

	before := time.Now().UTC()
	call, err := s.Create(ctx, models.CallSession{
		InitiatorID:    "alice",
		RecipientID:    "bob",
		ConversationID: "conversation-1",
		CallType:       models.CallTypeVoice,
		Status:         models.StatusConnected,
	})
	assert.NoError(err)
	assert.NotEmpty(call.ID)
	assert.Equal(models.StatusInitiating, call.Status)
	assert.False(call.StartedAt.Before(before))

	stored, err := s.CallRepo.Find(ctx, call.ID)
	assert.NoError(err)
	assert.Equal(models.StatusInitiating, stored.Status)

	event := receiveEvent(t, sub)
	assert.Equal(models.EventInsert, event.Type)
	assert.Equal(call.ID, event.Call.ID)
}

func TestCreateCall_Invalid(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	_, err := s.Create(ctx, models.CallSession{InitiatorID: "alice", RecipientID: "alice", CallType: models.CallTypeVoice})
	assert.Error(err)

	_, err = s.Create(ctx, models.CallSession{InitiatorID: "alice", RecipientID: "bob", CallType: "hologram"})
	assert.Error(err)

	_, err = s.Create(ctx, models.CallSession{RecipientID: "bob", CallType: models.CallTypeVideo})
	assert.Error(err)
}

func TestCreateCall_RejectsSecondActiveCallInConversation(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	first, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	_, err = s.Create(ctx, newCall("bob", "alice", "conversation-1"))
	assert.Error(err)

	active, err := s.CallRepo.FindActiveByConversation(ctx, "conversation-1")
	assert.NoError(err)
	assert.Len(active, 1)
	assert.Equal(first.ID, active[0].ID)

	_, _, err = s.End(ctx, first.ID, models.StatusEnded, time.Now(), 0)
	assert.NoError(err)

	_, err = s.Create(ctx, newCall("bob", "alice", "conversation-1"))
	assert.NoError(err)
}

func TestUpdateStatus_Idempotent(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	sub, err := s.SubscribeRecords(ctx)
	assert.NoError(err)
	defer sub.Close()

	first, changed, err := s.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.NoError(err)
	assert.True(changed)
	assert.Equal(models.StatusConnected, first.Status)

	second, changed, err := s.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.NoError(err)
	assert.False(changed)
	assert.Equal(first.ID, second.ID)
	assert.Equal(first.Status, second.Status)

	event := receiveEvent(t, sub)
	assert.Equal(models.EventUpdate, event.Type)
	assert.Equal(models.StatusConnected, event.Call.Status)

	select {
	case data := <-sub.Messages():
		t.Fatalf("unexpected second event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpdateStatus_TerminalCall(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	_, changed, err := s.UpdateStatus(ctx, call.ID, models.StatusEnded)
	assert.NoError(err)
	assert.True(changed)

	_, changed, err = s.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.Error(err)
	assert.False(changed)

	stored, err := s.Find(ctx, call.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)

	_, _, err = s.UpdateStatus(ctx, id.New(), models.StatusConnected)
	assert.Error(err)
	_, _, err = s.UpdateStatus(ctx, call.ID, "paused")
	assert.Error(err)
}

func TestEndCall(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	_, _, err = s.End(ctx, call.ID, models.StatusConnected, time.Now(), 10)
	assert.Error(err)

	endedAt := time.Now().UTC()
	ended, changed, err := s.End(ctx, call.ID, models.StatusEnded, endedAt, 42)
	assert.NoError(err)
	assert.True(changed)
	assert.Equal(42, ended.DurationSeconds)

	stored, err := s.CallRepo.Find(ctx, call.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
	assert.Equal(42, stored.DurationSeconds)
	assert.NotNil(stored.EndedAt)

	_, changed, err = s.End(ctx, call.ID, models.StatusMissed, time.Now(), 0)
	assert.NoError(err)
	assert.False(changed)
}

func TestFindIncoming(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	_, found, err := s.FindIncoming(ctx, "bob")
	assert.NoError(err)
	assert.False(found)

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	incoming, found, err := s.FindIncoming(ctx, "bob")
	assert.NoError(err)
	assert.True(found)
	assert.Equal(call.ID, incoming.ID)

	_, _, err = s.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.NoError(err)

	_, found, err = s.FindIncoming(ctx, "bob")
	assert.NoError(err)
	assert.False(found)
}

func TestPruneSignals(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	msg, err := models.NewSignalMessage(id.New(), call.ID, "alice", "bob", models.Offer{SDP: "v=0"})
	assert.NoError(err)
	assert.NoError(s.SignalRepo.Save(ctx, msg))

	err = s.PruneSignals(ctx, call.ID)
	assert.Error(err)

	_, _, err = s.End(ctx, call.ID, models.StatusEnded, time.Now(), 0)
	assert.NoError(err)
	assert.NoError(s.PruneSignals(ctx, call.ID))

	msgs, err := s.SignalRepo.FindByCall(ctx, call.ID)
	assert.NoError(err)
	assert.Len(msgs, 0)
}

func TestFindProfile(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	assert.NoError(s.ProfileRepo.Save(ctx, models.Profile{ID: "alice", DisplayName: "Alice"}))

	p, err := s.FindProfile(ctx, "alice")
	assert.NoError(err)
	assert.Equal("Alice", p.DisplayName)

	_, err = s.FindProfile(ctx, "mallory")
	assert.Error(err)
}

func newCall(initiator, recipient, conversation string) models.CallSession {
	return models.CallSession{
		InitiatorID:    initiator,
		RecipientID:    recipient,
		ConversationID: conversation,
		CallType:       models.CallTypeVideo,
	}
}

func receiveEvent(t *testing.T, sub broadcast.Subscription) models.CallEvent {
	select {
	case data := <-sub.Messages():
		var event models.CallEvent
		err := json.Unmarshal(data, &event)
		if err != nil {
			t.Fatal(err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call event")
	}
	return models.CallEvent{}
}

func createService() (*service.CallService, context.Context) {
	dbConf := dbutil.SqliteConfig{}
	migrationsPath := "../../resources/db/sqlite"
	db := dbutil.MustConnect(dbConf)
	db.SetMaxOpenConns(1)

	err := dbutil.Downgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply downgrade migratons", zap.Error(err))
	}

	err = dbutil.Upgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply upgrade migratons", zap.Error(err))
	}

	s := &service.CallService{
		CallRepo:    repository.NewCallRepository(db),
		SignalRepo:  repository.NewSignalRepository(db),
		ProfileRepo: repository.NewProfileRepository(db),
		Transport:   broadcast.NewHub(),
	}

	return s, context.Background()
}

func TestUpdateStatus_NeverMovesBackwards(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	call, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	_, changed, err := s.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.NoError(err)
	assert.True(changed)

	current, changed, err := s.UpdateStatus(ctx, call.ID, models.StatusRinging)
	assert.NoError(err)
	assert.False(changed)
	assert.Equal(models.StatusConnected, current.Status)
}

func TestUpdateStatus_DoesNotOverwriteConcurrentEnd(t *testing.T) {
	assert := assert.New(t)
	alice, ctx := createService()

	call, err := alice.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	bob := *alice
	bob.CallRepo = &interleavingRepo{
		CallRepository: alice.CallRepo,
		afterFind: func() {
			_, changed, err := alice.End(ctx, call.ID, models.StatusEnded, time.Now(), 0)
			assert.NoError(err)
			assert.True(changed)
		},
	}

	_, changed, err := bob.UpdateStatus(ctx, call.ID, models.StatusConnected)
	assert.Error(err)
	assert.False(changed)
	assert.Equal(http.StatusConflict, statusOf(err))

	stored, err := alice.Find(ctx, call.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
	assert.NotNil(stored.EndedAt)
}

func TestEndCall_EndedConcurrently(t *testing.T) {
	assert := assert.New(t)
	alice, ctx := createService()

	call, err := alice.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	bob := *alice
	bob.CallRepo = &interleavingRepo{
		CallRepository: alice.CallRepo,
		afterFind: func() {
			_, _, err := alice.End(ctx, call.ID, models.StatusEnded, time.Now(), 0)
			assert.NoError(err)
		},
	}

	current, changed, err := bob.End(ctx, call.ID, models.StatusMissed, time.Now(), 0)
	assert.NoError(err)
	assert.False(changed)
	assert.Equal(models.StatusEnded, current.Status)

	stored, err := alice.Find(ctx, call.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
}

func TestCreateCall_GlareAfterStaleLookup(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	first, err := s.Create(ctx, newCall("alice", "bob", "conversation-1"))
	assert.NoError(err)

	s.CallRepo = &staleLookupRepo{CallRepository: s.CallRepo}
	_, err = s.Create(ctx, newCall("bob", "alice", "conversation-1"))
	assert.Error(err)
	assert.Equal(http.StatusConflict, statusOf(err))
	assert.True(errors.Is(err, service.ErrCallInProgress))

	active, err := s.CallRepo.FindActiveByConversation(ctx, "conversation-1")
	assert.NoError(err)
	assert.Len(active, 1)
	assert.Equal(first.ID, active[0].ID)
}

func TestCreateCall_Concurrent(t *testing.T) {
	assert := assert.New(t)
	s, ctx := createService()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			initiator, recipient := "alice", "bob"
			if i%2 == 1 {
				initiator, recipient = recipient, initiator
			}
			_, err := s.Create(ctx, newCall(initiator, recipient, "conversation-1"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.Equal(http.StatusConflict, statusOf(err))
	}
	assert.Equal(1, created)

	active, err := s.CallRepo.FindActiveByConversation(ctx, "conversation-1")
	assert.NoError(err)
	assert.Len(active, 1)
}

// interleavingRepo runs afterFind once, right after the first lookup of a call.
type interleavingRepo struct {
	repository.CallRepository
	once      sync.Once
	afterFind func()
}

func (r *interleavingRepo) Find(ctx context.Context, id string) (models.CallSession, error) {
	call, err := r.CallRepository.Find(ctx, id)
	r.once.Do(r.afterFind)
	return call, err
}

// staleLookupRepo misses active calls on the first lookup.
type staleLookupRepo struct {
	repository.CallRepository
	mu      sync.Mutex
	lookups int
}

func (r *staleLookupRepo) FindActiveByConversation(ctx context.Context, conversationID string) ([]models.CallSession, error) {
	r.mu.Lock()
	r.lookups++
	first := r.lookups == 1
	r.mu.Unlock()

	if first {
		return []models.CallSession{}, nil
	}
	return r.CallRepository.FindActiveByConversation(ctx, conversationID)
}

func statusOf(err error) int {
	var httpErr *httputil.Error
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

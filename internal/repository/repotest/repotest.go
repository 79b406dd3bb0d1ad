// Package repotest provides in-memory repositories for tests of components that
// share one store across goroutines.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/repository"
)

// CallRepository in-memory repository.CallRepository.
type CallRepository struct {
	mu        sync.Mutex
	calls     map[string]models.CallSession
	updates   int
	updateErr error
}

// NewCallRepository creates an empty CallRepository.
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls: make(map[string]models.CallSession),
	}
}

// Find implements repository.CallRepository.
func (r *CallRepository) Find(ctx context.Context, id string) (models.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return models.CallSession{}, fmt.Errorf("call(id=%s) %w", id, repository.ErrNotFound)
	}
	return c, nil
}

// FindIncoming implements repository.CallRepository.
func (r *CallRepository) FindIncoming(ctx context.Context, recipientID string, limit int) ([]models.CallSession, error) {
	return r.filter(limit, func(c models.CallSession) bool {
		return c.RecipientID == recipientID && c.Status.IsPending()
	}), nil
}

// FindActiveByConversation implements repository.CallRepository.
func (r *CallRepository) FindActiveByConversation(ctx context.Context, conversationID string) ([]models.CallSession, error) {
	return r.filter(0, func(c models.CallSession) bool {
		return c.ConversationID == conversationID && !c.Status.IsTerminal()
	}), nil
}

func (r *CallRepository) filter(limit int, match func(models.CallSession) bool) []models.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]models.CallSession, 0)
	for _, c := range r.calls {
		if match(c) {
			calls = append(calls, c)
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls
}

// Save implements repository.CallRepository.
func (r *CallRepository) Save(ctx context.Context, c models.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[c.ID]; ok {
		return fmt.Errorf("call(id=%s) already exists", c.ID)
	}
	if !c.Status.IsTerminal() {
		for _, existing := range r.calls {
			if existing.ConversationID == c.ConversationID && !existing.Status.IsTerminal() {
				return fmt.Errorf("conversation(id=%s) already has active call(id=%s)", c.ConversationID, existing.ID)
			}
		}
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.calls[c.ID] = c
	return nil
}

// Update implements repository.CallRepository.
func (r *CallRepository) Update(ctx context.Context, id string, from models.CallStatus, u models.CallUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updateErr != nil {
		return false, r.updateErr
	}

	c, ok := r.calls[id]
	if !ok || c.Status != from {
		return false, nil
	}

	c.Status = u.Status
	if u.EndedAt != nil {
		endedAt := *u.EndedAt
		c.EndedAt = &endedAt
	}
	if u.DurationSeconds != nil {
		c.DurationSeconds = *u.DurationSeconds
	}
	c.UpdatedAt = time.Now().UTC()
	r.calls[id] = c
	r.updates++
	return true, nil
}

// SetUpdateErr makes every following Update fail with err until reset with nil.
func (r *CallRepository) SetUpdateErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = err
}

// Count number of stored calls.
func (r *CallRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Updates number of successful updates.
func (r *CallRepository) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// SignalRepository in-memory repository.SignalRepository.
type SignalRepository struct {
	mu      sync.Mutex
	signals []models.SignalMessage
	SaveErr error
}

// NewSignalRepository creates an empty SignalRepository.
func NewSignalRepository() *SignalRepository {
	return &SignalRepository{
		signals: make([]models.SignalMessage, 0),
	}
}

// Save implements repository.SignalRepository.
func (r *SignalRepository) Save(ctx context.Context, msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.signals = append(r.signals, msg)
	return nil
}

// FindByCall implements repository.SignalRepository.
func (r *SignalRepository) FindByCall(ctx context.Context, callID string) ([]models.SignalMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]models.SignalMessage, 0)
	for _, m := range r.signals {
		if m.CallID == callID {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// DeleteByCall implements repository.SignalRepository.
func (r *SignalRepository) DeleteByCall(ctx context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]models.SignalMessage, 0, len(r.signals))
	for _, m := range r.signals {
		if m.CallID != callID {
			kept = append(kept, m)
		}
	}
	r.signals = kept
	return nil
}

// ProfileRepository in-memory repository.ProfileRepository.
type ProfileRepository struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
}

// NewProfileRepository creates a ProfileRepository holding profiles.
func NewProfileRepository(profiles ...models.Profile) *ProfileRepository {
	r := &ProfileRepository{
		profiles: make(map[string]models.Profile),
	}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

// Find implements repository.ProfileRepository.
func (r *ProfileRepository) Find(ctx context.Context, id string) (models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return models.Profile{}, fmt.Errorf("profile(id=%s) %w", id, repository.ErrNotFound)
	}
	return p, nil
}

// Save implements repository.ProfileRepository.
func (r *ProfileRepository) Save(ctx context.Context, p models.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[p.ID] = p
	return nil
}

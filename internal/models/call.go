package models

import (
	"fmt"
	"time"
)

// CallType kind of media a call carries.
type CallType string

// Call types.
const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus lifecycle status of a call record.
type CallStatus string

// Call statuses.
const (
	StatusInitiating CallStatus = "initiating"
	StatusRinging    CallStatus = "ringing"
	StatusConnected  CallStatus = "connected"
	StatusDeclined   CallStatus = "declined"
	StatusMissed     CallStatus = "missed"
	StatusEnded      CallStatus = "ended"
)

// IsTerminal reports whether the status is final.
func (s CallStatus) IsTerminal() bool {
	return s == StatusDeclined || s == StatusMissed || s == StatusEnded
}

// IsPending reports whether a call with the status is still waiting to be answered.
func (s CallStatus) IsPending() bool {
	return s == StatusInitiating || s == StatusRinging
}

// Rank position of the status in the call lifecycle. Terminal statuses share the highest rank.
func (s CallStatus) Rank() int {
	switch s {
	case StatusInitiating:
		return 0
	case StatusRinging:
		return 1
	case StatusConnected:
		return 2
	}
	return 3
}

// Valid reports whether the status is known.
func (s CallStatus) Valid() bool {
	switch s {
	case StatusInitiating, StatusRinging, StatusConnected, StatusDeclined, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// CallSession a pairwise call between an initiator and a recipient.
type CallSession struct {
	ID              string     `json:"id,omitempty"`
	InitiatorID     string     `json:"initiatorId,omitempty"`
	RecipientID     string     `json:"recipientId,omitempty"`
	ConversationID  string     `json:"conversationId,omitempty"`
	CallType        CallType   `json:"callType,omitempty"`
	Status          CallStatus `json:"status,omitempty"`
	StartedAt       time.Time  `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

// Peer returns the id of the other participant, seen from userID.
func (c CallSession) Peer(userID string) string {
	if c.InitiatorID == userID {
		return c.RecipientID
	}
	return c.InitiatorID
}

func (c CallSession) String() string {
	return fmt.Sprintf(
		"CallSession(id=%s, initiatorId=%s, recipientId=%s, conversationId=%s, callType=%s, status=%s, startedAt=%v, durationSeconds=%d)",
		c.ID,
		c.InitiatorID,
		c.RecipientID,
		c.ConversationID,
		c.CallType,
		c.Status,
		c.StartedAt,
		c.DurationSeconds,
	)
}

// CallUpdate fields to change on a call record. Nil fields are left untouched.
type CallUpdate struct {
	Status          CallStatus
	EndedAt         *time.Time
	DurationSeconds *int
}

// Call record change types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

// CallEvent change notification for a call record.
type CallEvent struct {
	Type string      `json:"type,omitempty"`
	Call CallSession `json:"call"`
}

func (e CallEvent) String() string {
	return fmt.Sprintf("CallEvent(type=%s, callId=%s, status=%s)", e.Type, e.Call.ID, e.Call.Status)
}

// Profile public user information used for presentation.
type Profile struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (p Profile) String() string {
	return fmt.Sprintf("Profile(id=%s, displayName=%s)", p.ID, p.DisplayName)
}

// IncomingCallNotice a call surfaced to its recipient.
type IncomingCallNotice struct {
	Call       CallSession `json:"call"`
	Caller     Profile     `json:"caller"`
	SurfacedAt time.Time   `json:"surfacedAt,omitempty"`
}

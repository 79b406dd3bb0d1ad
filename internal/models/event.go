package models

import (
	"fmt"
	"time"
)

// Agent event types streamed to the presentation layer.
const (
	EventIncomingCall    = "incoming-call"
	EventIncomingCleared = "incoming-cleared"
	EventCallState       = "call-state"
	EventCallCompleted   = "call-completed"
)

// AgentEvent change in the local user's call situation.
type AgentEvent struct {
	Type            string              `json:"type,omitempty"`
	CallID          string              `json:"callId,omitempty"`
	State           string              `json:"state,omitempty"`
	Notice          *IncomingCallNotice `json:"notice,omitempty"`
	DurationSeconds int                 `json:"durationSeconds,omitempty"`
	CreatedAt       time.Time           `json:"createdAt,omitempty"`
}

func (e AgentEvent) String() string {
	return fmt.Sprintf("AgentEvent(type=%s, callId=%s, state=%s)", e.Type, e.CallID, e.State)
}

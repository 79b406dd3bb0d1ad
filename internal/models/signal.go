package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType discriminator of a signaling message.
type SignalType string

// Signal types.
const (
	TypeOffer        SignalType = "offer"
	TypeAnswer       SignalType = "answer"
	TypeICECandidate SignalType = "ice-candidate"
)

// SignalTypes returns every known signal type.
func SignalTypes() []SignalType {
	return []SignalType{TypeOffer, TypeAnswer, TypeICECandidate}
}

// Signal payload of a signaling message. Implemented by Offer, Answer and ICECandidate.
type Signal interface {
	SignalType() SignalType
}

// Offer SDP offer sent by the initiating side.
type Offer struct {
	SDP string `json:"sdp"`
}

// SignalType implements Signal.
func (Offer) SignalType() SignalType { return TypeOffer }

// Answer SDP answer sent by the accepting side.
type Answer struct {
	SDP string `json:"sdp"`
}

// SignalType implements Signal.
func (Answer) SignalType() SignalType { return TypeAnswer }

// ICECandidate a gathered network path candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalType implements Signal.
func (ICECandidate) SignalType() SignalType { return TypeICECandidate }

var signalDecoders = map[SignalType]func(json.RawMessage) (Signal, error){
	TypeOffer: func(raw json.RawMessage) (Signal, error) {
		var o Offer
		err := json.Unmarshal(raw, &o)
		return o, err
	},
	TypeAnswer: func(raw json.RawMessage) (Signal, error) {
		var a Answer
		err := json.Unmarshal(raw, &a)
		return a, err
	},
	TypeICECandidate: func(raw json.RawMessage) (Signal, error) {
		var c ICECandidate
		err := json.Unmarshal(raw, &c)
		return c, err
	},
}

// SignalMessage persisted and broadcast envelope of a signal.
type SignalMessage struct {
	ID         string          `json:"id,omitempty"`
	CallID     string          `json:"callId,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Type       SignalType      `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt,omitempty"`
}

// NewSignalMessage wraps a signal in an envelope.
func NewSignalMessage(id, callID, from, to string, signal Signal) (SignalMessage, error) {
	payload, err := json.Marshal(signal)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to serialize %s signal: %w", signal.SignalType(), err)
	}

	return SignalMessage{
		ID:         id,
		CallID:     callID,
		FromUserID: from,
		ToUserID:   to,
		Type:       signal.SignalType(),
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Signal decodes the payload into its concrete signal type.
func (m SignalMessage) Signal() (Signal, error) {
	decode, ok := signalDecoders[m.Type]
	if !ok {
		return nil, fmt.Errorf("unknown signal type %q", m.Type)
	}

	s, err := decode(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}

	return s, nil
}

func (m SignalMessage) String() string {
	return fmt.Sprintf("SignalMessage(id=%s, callId=%s, type=%s, from=%s, to=%s)", m.ID, m.CallID, m.Type, m.FromUserID, m.ToUserID)
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SignalType string

const (
	SignalJoin      SignalType = "join"
	SignalLeave     SignalType = "leave"
	SignalEcho      SignalType = "echo"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Targeted reports whether events of this type are addressed to a single
// participant rather than broadcast to the room.
func (t SignalType) Targeted() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

func (t SignalType) valid() bool {
	switch t {
	case SignalJoin, SignalLeave, SignalEcho, SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalEvent is the unit exchanged on a call-room topic.
type SignalEvent struct {
	Type      SignalType    `json:"type"`
	Sender    Participant   `json:"user"`
	TargetID  ParticipantID `json:"targetUserId,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	SDPType   SDPType       `json:"sdpType,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

func NewBroadcast(t SignalType, sender Participant) SignalEvent {
	return SignalEvent{
		Type:   t,
		Sender: sender,
	}
}

func NewOffer(sender Participant, target ParticipantID, sd SessionDescription) SignalEvent {
	return newDescription(SignalOffer, sender, target, sd)
}

func NewAnswer(sender Participant, target ParticipantID, sd SessionDescription) SignalEvent {
	return newDescription(SignalAnswer, sender, target, sd)
}

func newDescription(t SignalType, sender Participant, target ParticipantID, sd SessionDescription) SignalEvent {
	return SignalEvent{
		Type:     t,
		Sender:   sender,
		TargetID: target,
		SDP:      sd.SDP,
		SDPType:  sd.Type,
	}
}

func NewCandidate(sender Participant, target ParticipantID, c ICECandidate) SignalEvent {
	return SignalEvent{
		Type:      SignalCandidate,
		Sender:    sender,
		TargetID:  target,
		Candidate: &c,
	}
}

// Description returns the session description carried by an offer or an
// answer. Senders that omit sdpType get the event type.
func (e SignalEvent) Description() SessionDescription {
	t := e.SDPType
	if t == "" {
		t = SDPType(e.Type)
	}
	return SessionDescription{Type: t, SDP: e.SDP}
}

func (e SignalEvent) Validate() error {
	if !e.Type.valid() {
		return errors.Join(ErrInvalidEvent, fmt.Errorf("unknown type %q", e.Type))
	}
	if e.Sender.ID == "" {
		return errors.Join(ErrInvalidEvent, errors.New("missing sender id"))
	}
	if !e.Type.Targeted() {
		return nil
	}
	if e.TargetID == "" {
		return errors.Join(ErrInvalidEvent, fmt.Errorf("%s without targetUserId", e.Type))
	}
	switch e.Type {
	case SignalOffer, SignalAnswer:
		if e.SDP == "" {
			return errors.Join(ErrInvalidEvent, fmt.Errorf("%s without sdp", e.Type))
		}
	case SignalCandidate:
		if e.Candidate == nil {
			return errors.Join(ErrInvalidEvent, errors.New("candidate without payload"))
		}
	}
	return nil
}

func DecodeSignalEvent(body []byte) (SignalEvent, error) {
	var e SignalEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return SignalEvent{}, errors.Join(ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return SignalEvent{}, err
	}
	return e, nil
}

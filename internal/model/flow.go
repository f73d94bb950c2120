package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType distinguishes a doorbell ring that wants a live video call from
// one that only wants a text reply.
type ActionType string

const (
	ActionTypeCall    ActionType = "call"
	ActionTypeMessage ActionType = "message"
)

func (a ActionType) Valid() bool {
	return a == ActionTypeCall || a == ActionTypeMessage
}

// FlowStatus is the lifecycle state of a flow. Once a flow leaves pending it
// never changes again.
type FlowStatus string

const (
	FlowStatusPending  FlowStatus = "pending"
	FlowStatusAnswered FlowStatus = "answered"
	FlowStatusTimeout  FlowStatus = "timeout"
	FlowStatusRejected FlowStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s FlowStatus) Terminal() bool {
	switch s {
	case FlowStatusAnswered, FlowStatusTimeout, FlowStatusRejected:
		return true
	}
	return false
}

// FlowResponse is the responder's decision, set only on answered/rejected.
type FlowResponse string

const (
	ResponseAccept FlowResponse = "accept"
	ResponseReject FlowResponse = "reject"
)

func (r FlowResponse) Valid() bool {
	return r == ResponseAccept || r == ResponseReject
}

// Status returns the terminal status a response commits.
func (r FlowResponse) Status() FlowStatus {
	if r == ResponseAccept {
		return FlowStatusAnswered
	}
	return FlowStatusRejected
}

// Flow is one doorbell interaction from a guest (caller) to a host
// (responder). Parties are immutable after creation; status is mutated exactly
// once, by the responder or by the deadline sweep, whichever wins.
type Flow struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	CallerID    uuid.UUID     `json:"caller_id" db:"caller_id"`
	ResponderID uuid.UUID     `json:"responder_id" db:"responder_id"`
	ActionType  ActionType    `json:"action_type" db:"action_type"`
	Status      FlowStatus    `json:"status" db:"status"`
	Response    *FlowResponse `json:"response,omitempty" db:"response"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	AnsweredAt  *time.Time    `json:"answered_at,omitempty" db:"answered_at"`
}

// Party of a flow, relative to the flow itself.
type Party string

const (
	PartyGuest Party = "guest"
	PartyHost  Party = "host"
)

func (p Party) Valid() bool {
	return p == PartyGuest || p == PartyHost
}

// PartyID resolves a relative party to its identity.
func (f *Flow) PartyID(p Party) uuid.UUID {
	if p == PartyHost {
		return f.ResponderID
	}
	return f.CallerID
}

// PeerID resolves the identity of the other endpoint.
func (f *Flow) PeerID(p Party) uuid.UUID {
	if p == PartyHost {
		return f.CallerID
	}
	return f.ResponderID
}

// PartyOf maps an identity back to its relative role, false if the identity
// is not a participant.
func (f *Flow) PartyOf(id uuid.UUID) (Party, bool) {
	switch id {
	case f.CallerID:
		return PartyGuest, true
	case f.ResponderID:
		return PartyHost, true
	}
	return "", false
}

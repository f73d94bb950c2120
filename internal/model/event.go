package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a realtime event on the party-addressed channel. The wire
// names match what the mobile clients listen for.
type EventType string

// Server-to-party events.
const (
	EventCallIncoming       EventType = "call-incoming"
	EventFlowIncoming       EventType = "flow-incoming"
	EventCallResponse       EventType = "call-response"
	EventFlowResponse       EventType = "flow-response"
	EventFlowMessageDetails EventType = "flow-message-details"
	EventNewFlowMessage     EventType = "new-flow-message"
	EventFlowStartVideocall EventType = "flow-start-videocall"
)

// Party-to-server and relayed signaling events.
const (
	EventJoinCallRoom         EventType = "join-call-room"
	EventOffer                EventType = "offer"
	EventAnswer               EventType = "answer"
	EventIceCandidate         EventType = "ice-candidate"
	EventRemoteDescriptionSet EventType = "remote-description-set"
	EventEndCall              EventType = "end-call"
)

// Event is the envelope carried over the realtime channel. Payload is opaque
// to the transport; signaling payloads (SDP, ICE) are forwarded verbatim.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	Type    EventType       `json:"type"`
	FlowID  uuid.UUID       `json:"flow_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FlowSnapshot is the display payload embedded in incoming/response events so
// the receiving client can render without a follow-up fetch.
type FlowSnapshot struct {
	FlowID      uuid.UUID     `json:"flow_id"`
	CallerID    uuid.UUID     `json:"caller_id"`
	ResponderID uuid.UUID     `json:"responder_id"`
	ActionType  ActionType    `json:"action_type"`
	Status      FlowStatus    `json:"status"`
	Response    *FlowResponse `json:"response,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	AnsweredAt  *time.Time    `json:"answered_at,omitempty"`
}

// Snapshot builds the display payload for a flow.
func Snapshot(f *Flow) FlowSnapshot {
	return FlowSnapshot{
		FlowID:      f.ID,
		CallerID:    f.CallerID,
		ResponderID: f.ResponderID,
		ActionType:  f.ActionType,
		Status:      f.Status,
		Response:    f.Response,
		CreatedAt:   f.CreatedAt,
		AnsweredAt:  f.AnsweredAt,
	}
}

// PartyEvent addresses an event to one party. It is the unit published on the
// broker so any api instance holding the party's session can deliver it.
type PartyEvent struct {
	Target uuid.UUID `json:"target"`
	Event  *Event    `json:"event"`
}

func (p *PartyEvent) Unmarshal(raw []byte) error {
	return json.Unmarshal(raw, p)
}

// MessagePayload is the payload of new-flow-message and flow-message-details
// events.
type MessagePayload struct {
	FlowID    uuid.UUID `json:"flow_id"`
	MessageID uuid.UUID `json:"message_id"`
	Sender    Party     `json:"sender"`
	Text      string    `json:"text"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent wraps a typed payload into an envelope. Marshal errors cannot occur
// for the payload types above, so they are swallowed into an empty payload.
func NewEvent(eventType EventType, flowID uuid.UUID, payload interface{}) *Event {
	raw, _ := json.Marshal(payload)
	return &Event{
		ID:      uuid.New(),
		Type:    eventType,
		FlowID:  flowID,
		Payload: raw,
	}
}

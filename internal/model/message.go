package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowMessage belongs to exactly one flow. Threads are append-only and remain
// writable after the flow reaches a terminal status: a timed-out ring is still
// a valid conversation.
type FlowMessage struct {
	ID        uuid.UUID `json:"id" db:"id"`
	FlowID    uuid.UUID `json:"flow_id" db:"flow_id"`
	Sender    Party     `json:"sender" db:"sender"`
	Text      string    `json:"text" db:"text"`
	Seq       int64     `json:"seq" db:"seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

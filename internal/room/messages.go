package room

import (
	"github.com/folioworks/folio/internal/presence"
	"github.com/folioworks/folio/internal/replica"
)

// Message types exchanged over a room's sync channel.
const (
	// MessageTypeOperation carries one replica operation.
	MessageTypeOperation = "operation"
	// MessageTypePresence carries a participant's latest presence state.
	MessageTypePresence = "presence"
	// MessageTypePresenceLeave announces that a connection left the room.
	MessageTypePresenceLeave = "presence_leave"
	// MessageTypeCatchUp replays missed operations and the current presence
	// snapshot to a joining or reconnecting connection.
	MessageTypeCatchUp = "catch_up"
)

// Message is one frame on the sync channel. Exactly one payload field is
// set, selected by Type.
type Message struct {
	Type      string             `json:"type"`
	Operation *replica.Operation `json:"operation,omitempty"`
	Presence  *presence.Entry    `json:"presence,omitempty"`
	Departed  string             `json:"departed,omitempty"`
	CatchUp   *CatchUp           `json:"catch_up,omitempty"`
}

// CatchUp is sent to a connection before any live frame. Operations are
// idempotent, so replaying frames a reconnecting client already holds is
// harmless.
type CatchUp struct {
	Operations []replica.Operation `json:"operations"`
	Presence   []presence.Entry    `json:"presence"`
	Cursor     int                 `json:"cursor"`
}

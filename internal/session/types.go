package session

import (
	"time"

	"github.com/ent0n29/discussroom/internal/conversation"
)

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string                `json:"session_id"`
	RoomID          string                `json:"room_id"`
	Status          Status                `json:"status"`
	StartedAt       time.Time             `json:"started_at"`
	LastActivityAt  time.Time             `json:"last_activity_at"`
	InactivityTTLMS int64                 `json:"inactivity_ttl_ms"`
	Conversation    conversation.Snapshot `json:"conversation"`
}

// View is a session as reported over the API.
type View struct {
	Info
	Conversation conversation.Snapshot `json:"conversation"`
}
